package ingest

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sensorwatch/envalert/internal/conf"
	"github.com/sensorwatch/envalert/internal/errors"
	"github.com/sensorwatch/envalert/internal/logger"
)

const (
	kafkaMaxWait        = time.Second
	kafkaRetryDelay     = 2 * time.Second
	kafkaProcessTimeout = 30 * time.Second
)

// messageReader is the subset of *kafka.Reader the source uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSource consumes a measurement topic with at-least-once delivery:
// offsets are committed only after a message was processed or found
// unprocessable.
type KafkaSource struct {
	reader  messageReader
	topic   string
	proc    Processor
	metrics *Metrics
	log     logger.Logger
}

// NewKafkaSource validates settings and creates a consumer-group reader.
func NewKafkaSource(s conf.KafkaSettings, proc Processor, metrics *Metrics, log logger.Logger) (*KafkaSource, error) {
	switch {
	case len(s.Brokers) == 0:
		return nil, configError("kafka brokers cannot be empty")
	case s.Topic == "":
		return nil, configError("kafka topic cannot be empty")
	case s.GroupID == "":
		return nil, configError("kafka group id cannot be empty")
	}

	// StartOffset only applies when the group has no committed offset.
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     s.Brokers,
		Topic:       s.Topic,
		GroupID:     s.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     kafkaMaxWait,
		StartOffset: kafka.FirstOffset,
	})
	return newKafkaSource(reader, s.Topic, proc, metrics, log), nil
}

func newKafkaSource(r messageReader, topic string, proc Processor, metrics *Metrics, log logger.Logger) *KafkaSource {
	if log == nil {
		log = logger.Global()
	}
	return &KafkaSource{reader: r, topic: topic, proc: proc, metrics: metrics, log: log.Module("kafka")}
}

func configError(msg string) error {
	return errors.Newf("%s", msg).
		Component("ingest.kafka").
		Category(errors.CategoryConfiguration).
		Build()
}

// Run fetches and processes messages until ctx is cancelled. Poison messages
// are logged, skipped and committed so they never block the partition.
func (s *KafkaSource) Run(ctx context.Context) error {
	s.log.Info("kafka ingestion started", logger.String("topic", s.topic))
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("failed to fetch kafka message", logger.Error(err))
			if !sleepCtx(ctx, kafkaRetryDelay) {
				return nil
			}
			continue
		}

		s.handle(ctx, &msg)

		for {
			err := s.reader.CommitMessages(ctx, msg)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("failed to commit kafka offset, retrying",
				logger.Int64("offset", msg.Offset),
				logger.Int("partition", msg.Partition),
				logger.Error(err))
			if !sleepCtx(ctx, kafkaRetryDelay) {
				return nil
			}
		}
	}
}

func (s *KafkaSource) handle(ctx context.Context, msg *kafka.Message) {
	ms, err := Decode(msg.Value, string(msg.Key))
	if err == nil {
		pctx, cancel := context.WithTimeout(ctx, kafkaProcessTimeout)
		_, err = s.proc.ProcessBatch(pctx, ms)
		cancel()
	}
	if err != nil {
		s.metrics.message("kafka", resultRejected)
		s.log.Warn("skipping poison measurement message",
			logger.Int64("offset", msg.Offset),
			logger.Int("partition", msg.Partition),
			logger.Error(err))
		return
	}
	s.metrics.message("kafka", resultProcessed)
}

// Close closes the reader.
func (s *KafkaSource) Close() error {
	return s.reader.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
