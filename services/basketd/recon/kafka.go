package recon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"basketchain/native/basket"
)

// MessageWriter is the subset of kafka.Writer used for alert delivery.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAlerter publishes anomalies to a topic keyed by request id, so every
// alert for one saga lands on the same partition.
type KafkaAlerter struct {
	writer MessageWriter
	now    func() time.Time
}

// NewKafkaAlerter builds a writer for brokers and topic.
func NewKafkaAlerter(brokers []string, topic string) (*KafkaAlerter, error) {
	topic = strings.TrimSpace(topic)
	if len(brokers) == 0 || topic == "" {
		return nil, fmt.Errorf("recon: kafka brokers and topic required")
	}
	return NewKafkaAlerterWithWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}), nil
}

// NewKafkaAlerterWithWriter wraps an existing writer.
func NewKafkaAlerterWithWriter(w MessageWriter) *KafkaAlerter {
	return &KafkaAlerter{writer: w, now: time.Now}
}

type alertStep struct {
	Name        string `json:"name"`
	Succeeded   bool   `json:"succeeded"`
	Unconfirmed bool   `json:"unconfirmed,omitempty"`
	LedgerTxRef string `json:"ledgerTxRef,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Error       string `json:"error,omitempty"`
}

type alertPayload struct {
	Type      string      `json:"type"`
	RequestID string      `json:"requestId"`
	Kind      string      `json:"kind"`
	TokenID   string      `json:"tokenId"`
	Requester string      `json:"requester"`
	Amount    string      `json:"amount"`
	Reason    string      `json:"reason"`
	Steps     []alertStep `json:"steps"`
	SentAt    time.Time   `json:"sentAt"`
}

// Alert implements AlertFunc.
func (k *KafkaAlerter) Alert(ctx context.Context, anomaly Anomaly) error {
	if k == nil || k.writer == nil {
		return fmt.Errorf("recon: kafka alerter not configured")
	}
	rec := anomaly.Record
	payload := alertPayload{
		Type:      anomaly.Type,
		RequestID: rec.RequestID,
		Kind:      string(rec.Kind),
		TokenID:   rec.TokenID,
		Requester: rec.Requester,
		Amount:    rec.Amount.String(),
		Reason:    rec.Reason,
		Steps:     make([]alertStep, 0, len(rec.Steps)),
		SentAt:    k.now().UTC(),
	}
	for _, step := range rec.Steps {
		payload.Steps = append(payload.Steps, alertStepFrom(step))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(rec.RequestID),
		Value: body,
		Headers: []kafka.Header{
			{Key: "anomaly", Value: []byte(anomaly.Type)},
		},
	})
}

// Close flushes and closes the writer.
func (k *KafkaAlerter) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

func alertStepFrom(step basket.StepOutcome) alertStep {
	out := alertStep{
		Name:        string(step.Name),
		Succeeded:   step.Succeeded,
		Unconfirmed: step.Unconfirmed,
		LedgerTxRef: string(step.LedgerTxRef),
		Error:       step.Error,
	}
	if !step.Amount.IsZero() {
		out.Amount = step.Amount.String()
	}
	return out
}
