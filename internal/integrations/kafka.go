package integrations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/formrelay/formrelay/internal/apiclient"
	"github.com/formrelay/formrelay/internal/apperr"
	"github.com/segmentio/kafka-go"
)

// KafkaID is the provider id of the event stream integration.
const KafkaID = "kafka"

const kafkaDefaultTopic = "formrelay.submissions"

type kafkaSettings struct {
	Brokers string `json:"brokers" validate:"required"`
	Topic   string `json:"topic"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes submission events keyed by submission id.
type Kafka struct {
	writer messageWriter
	topic  string
	now    func() time.Time
}

func kafkaDescriptor() Descriptor {
	return Descriptor{
		ID:   KafkaID,
		Name: "Kafka",
		Keys: []string{"brokers", "topic"},
		New: func(settings map[string]string, _ *apiclient.Client) (Integration, error) {
			return NewKafka(settings)
		},
	}
}

// NewKafka builds the integration from a comma-separated broker list.
func NewKafka(settings map[string]string) (*Kafka, error) {
	var cfg kafkaSettings
	if errDecode := decodeSettings(settings, &cfg); errDecode != nil {
		return nil, fmt.Errorf("kafka: %w", errDecode)
	}
	brokers := splitList(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	topic := cfg.Topic
	if topic == "" {
		topic = kafkaDefaultTopic
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		WriteTimeout: 10 * time.Second,
	}
	return &Kafka{writer: writer, topic: topic, now: time.Now}, nil
}

// ID implements Integration.
func (k *Kafka) ID() string { return KafkaID }

// Dispatch implements Integration.
func (k *Kafka) Dispatch(ctx context.Context, req Request) Result {
	topic := req.Config.Topic
	if topic == "" {
		topic = k.topic
	}
	value, errMarshal := json.Marshal(newEvent(req, k.now()))
	if errMarshal != nil {
		return failed(apperr.Wrap(apperr.ProviderRejected, "encode kafka event", errMarshal))
	}
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	errWrite := k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(strconv.FormatUint(req.SubmissionID, 10)),
		Value: value,
	})
	if errWrite != nil {
		return failed(classifyKafkaError(errWrite))
	}
	return Result{Success: true, Message: "event published", Data: map[string]any{"topic": topic}}
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

// classifyKafkaError maps broker errors that will not go away on retry to
// ProviderRejected and everything else to TransportError.
func classifyKafkaError(err error) error {
	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, e := range writeErrs {
			if e != nil {
				err = e
				break
			}
		}
	}
	var kerr kafka.Error
	if errors.As(err, &kerr) && !kerr.Temporary() && !kerr.Timeout() {
		return apperr.Wrap(apperr.ProviderRejected, kerr.Title(), err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.TransportError, "request timeout", err)
	}
	return apperr.Wrap(apperr.TransportError, "kafka write failed", err)
}
