package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"basketchain/native/basket"
	"basketchain/storage"
)

func sampleToken(id string, btc, eth string) basket.Token {
	return basket.Token{
		ID:       id,
		Symbol:   "bsk",
		Decimals: 8,
		Composition: basket.Composition{
			{Symbol: "btc", Percent: decimal.RequireFromString(btc)},
			{Symbol: "eth", Percent: decimal.RequireFromString(eth)},
		},
	}
}

func TestRegisterAndLookup(t *testing.T) {
	reg := New(storage.NewMemDB())
	ctx := context.Background()

	stored, err := reg.Register(ctx, sampleToken("0.0.9001", "60", "40"))
	require.NoError(t, err)
	require.Equal(t, uint32(1), stored.Version)
	require.False(t, stored.CreatedAt.IsZero())

	tok, err := reg.Token(ctx, "0.0.9001")
	require.NoError(t, err)
	require.Equal(t, "BSK", tok.Symbol)
	require.Equal(t, []string{"BTC", "ETH"}, tok.Composition.Symbols())
	require.True(t, tok.Composition[0].Percent.Equal(decimal.NewFromInt(60)))

	_, err = reg.Token(ctx, "0.0.404")
	require.ErrorIs(t, err, basket.ErrUnknownToken)
}

func TestRegisterIsImmutable(t *testing.T) {
	reg := New(storage.NewMemDB())
	ctx := context.Background()
	_, err := reg.Register(ctx, sampleToken("0.0.9001", "60", "40"))
	require.NoError(t, err)

	_, err = reg.Register(ctx, sampleToken("0.0.9001", "60", "40"))
	require.NoError(t, err, "identical definition should be accepted")

	_, err = reg.Register(ctx, sampleToken("0.0.9001", "50", "50"))
	require.ErrorIs(t, err, ErrCompositionImmutable)

	tok, err := reg.Token(ctx, "0.0.9001")
	require.NoError(t, err)
	require.True(t, tok.Composition[0].Percent.Equal(decimal.NewFromInt(60)))
}

func TestRegisterRejectsInvalidComposition(t *testing.T) {
	reg := New(storage.NewMemDB())
	_, err := reg.Register(context.Background(), sampleToken("0.0.9001", "60", "30"))
	require.ErrorIs(t, err, basket.ErrValidation)
	_, err = reg.Token(context.Background(), "0.0.9001")
	require.ErrorIs(t, err, basket.ErrUnknownToken)
}

func TestRegistryReloadsFromLevelDB(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db1, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	_, err = New(db1).Register(ctx, sampleToken("0.0.9001", "60", "40"))
	require.NoError(t, err)
	_, err = New(db1).Register(ctx, sampleToken("0.0.9002", "25", "75"))
	require.NoError(t, err)
	require.NoError(t, db1.Close())

	db2, err := storage.NewLevelDB(dir)
	require.NoError(t, err)
	defer db2.Close()

	reg := New(db2)
	tokens, err := reg.List(ctx)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	require.Equal(t, "0.0.9001", tokens[0].ID)
	require.Equal(t, "0.0.9002", tokens[1].ID)
	require.True(t, tokens[1].Composition[1].Percent.Equal(decimal.NewFromInt(75)))

	_, err = reg.Register(ctx, sampleToken("0.0.9002", "60", "40"))
	require.ErrorIs(t, err, ErrCompositionImmutable)
}

func TestDecodeRejectsUnknownFormat(t *testing.T) {
	db := storage.NewMemDB()
	reg := New(db)
	_, err := reg.Register(context.Background(), sampleToken("0.0.9001", "60", "40"))
	require.NoError(t, err)

	data, err := db.Get(tokenKey("0.0.9001"))
	require.NoError(t, err)
	// Format is the first field of the RLP list; bump it in place.
	require.Equal(t, byte(recordFormat), data[1])
	data[1] = 0x09
	require.NoError(t, db.Put(tokenKey("0.0.9001"), data))

	_, err = New(db).Token(context.Background(), "0.0.9001")
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}
