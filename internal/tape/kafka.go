package tape

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/yanun0323/errors"
)

const (
	kindTrade = "trade"
	kindQuote = "quote"
)

// KafkaSink publishes trades and quotes as JSON to one topic, keyed by
// symbol so each symbol stays ordered within its partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink creates a synchronous producer.
func NewKafkaSink(brokers []string, topic string) (*KafkaSink, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka sink needs brokers and a topic")
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			BatchTimeout: 10 * time.Millisecond,
		},
	}, nil
}

func (s *KafkaSink) Name() string { return "kafka" }

func (s *KafkaSink) WriteTrades(ctx context.Context, trades []Trade) error {
	msgs, err := tradeMessages(trades)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrap(err, "publish trades").With("count", len(msgs))
	}
	return nil
}

func (s *KafkaSink) WriteQuotes(ctx context.Context, quotes []Quote) error {
	msgs, err := quoteMessages(quotes)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return errors.Wrap(err, "publish quotes").With("count", len(msgs))
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

func tradeMessages(trades []Trade) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, len(trades))
	for i := range trades {
		b, err := json.Marshal(&trades[i])
		if err != nil {
			return nil, errors.Wrap(err, "encode trade").With("seq", trades[i].Seq)
		}
		msgs[i] = kafka.Message{
			Key:     []byte(trades[i].Symbol),
			Value:   b,
			Time:    trades[i].Time,
			Headers: []kafka.Header{{Key: "kind", Value: []byte(kindTrade)}},
		}
	}
	return msgs, nil
}

func quoteMessages(quotes []Quote) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, len(quotes))
	for i := range quotes {
		b, err := json.Marshal(&quotes[i])
		if err != nil {
			return nil, errors.Wrap(err, "encode quote").With("symbol", quotes[i].Symbol)
		}
		msgs[i] = kafka.Message{
			Key:     []byte(quotes[i].Symbol),
			Value:   b,
			Time:    quotes[i].Time,
			Headers: []kafka.Header{{Key: "kind", Value: []byte(kindQuote)}},
		}
	}
	return msgs, nil
}
