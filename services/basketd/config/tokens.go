package config

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"

	"basketchain/native/basket"
)

// TokenSeed is the TOML shape of one basket token definition.
type TokenSeed struct {
	ID          string           `toml:"id"`
	Symbol      string           `toml:"symbol"`
	Decimals    uint8            `toml:"decimals"`
	Allocations []AllocationSeed `toml:"allocation"`
}

// AllocationSeed is one composition entry. Percent is a decimal string so
// values such as 33.333334 survive decoding exactly.
type AllocationSeed struct {
	Symbol  string `toml:"symbol"`
	Percent string `toml:"percent"`
}

type tokenFile struct {
	Tokens []TokenSeed `toml:"token"`
}

// LoadTokens decodes the token seed file and validates every composition.
func LoadTokens(path string) ([]basket.Token, error) {
	var file tokenFile
	meta, err := toml.DecodeFile(path, &file)
	if err != nil {
		return nil, fmt.Errorf("decode tokens %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("tokens %s: unknown key %s", path, undecoded[0])
	}
	return ParseTokens(file.Tokens)
}

// ParseTokens converts seeds into validated token definitions.
func ParseTokens(seeds []TokenSeed) ([]basket.Token, error) {
	if len(seeds) == 0 {
		return nil, fmt.Errorf("no tokens defined")
	}
	seen := make(map[string]struct{}, len(seeds))
	out := make([]basket.Token, 0, len(seeds))
	for _, seed := range seeds {
		id := strings.TrimSpace(seed.ID)
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("token %s defined twice", id)
		}
		seen[id] = struct{}{}
		composition := make(basket.Composition, 0, len(seed.Allocations))
		for _, alloc := range seed.Allocations {
			pct, err := decimal.NewFromString(strings.TrimSpace(alloc.Percent))
			if err != nil {
				return nil, fmt.Errorf("token %s allocation %s: %w", id, alloc.Symbol, err)
			}
			composition = append(composition, basket.Allocation{Symbol: alloc.Symbol, Percent: pct})
		}
		token, err := basket.NewToken(id, seed.Symbol, seed.Decimals, composition)
		if err != nil {
			return nil, fmt.Errorf("token %s: %w", id, err)
		}
		out = append(out, token)
	}
	return out, nil
}
