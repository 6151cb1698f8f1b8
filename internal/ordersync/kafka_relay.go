package ordersync

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const DefaultKafkaTopic = "order-sync"

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaRelay forwards sync events to a kafka topic keyed by order id, so one
// partition carries every version of an order in emission order. Delivery is
// best effort: a failed write is logged and the event skipped.
type KafkaRelay struct {
	writer kafkaMessageWriter
	logger *zap.Logger
}

// NewKafkaRelay takes a comma-separated broker list.
func NewKafkaRelay(brokers, topic string, logger *zap.Logger) (*KafkaRelay, error) {
	var addrs []string
	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			addrs = append(addrs, broker)
		}
	}
	if len(addrs) == 0 {
		return nil, ErrInvalidInput
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultKafkaTopic
	}
	return newKafkaRelayWith(&kafka.Writer{
		Addr:         kafka.TCP(addrs...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}, logger), nil
}

func newKafkaRelayWith(writer kafkaMessageWriter, logger *zap.Logger) *KafkaRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaRelay{writer: writer, logger: logger.Named("kafka-relay")}
}

// Run forwards events from sub until ctx is done or the subscription closes.
func (r *KafkaRelay) Run(ctx context.Context, sub *Subscription) {
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.C():
			if !ok {
				return
			}
			value, err := json.Marshal(event)
			if err != nil {
				r.logger.Error("encode sync event", zap.String("order_id", event.OrderID), zap.Error(err))
				continue
			}
			if err := r.writer.WriteMessages(ctx, kafka.Message{Key: []byte(event.OrderID), Value: value}); err != nil {
				r.logger.Warn("relay sync event",
					zap.String("order_id", event.OrderID),
					zap.Int64("version", event.Version),
					zap.Error(err),
				)
			}
		}
	}
}

func (r *KafkaRelay) Close() error {
	return r.writer.Close()
}
