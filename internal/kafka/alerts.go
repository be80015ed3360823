package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/gamestats-mongo/internal/config"
	"github.com/gamestats-mongo/internal/domain"
	"github.com/rs/zerolog"
)

// sendTimeout bounds how long a quarantine alert may hold up the caller
const sendTimeout = time.Second

// AlertPublisher publishes corruption alerts for quarantined stats documents
type AlertPublisher struct {
	producer sarama.AsyncProducer
	topic    string
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewAlertPublisher connects an async producer to the alerts topic
func NewAlertPublisher(cfg *config.KafkaConfig, logger zerolog.Logger) (*AlertPublisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Errors = true

	producer, err := sarama.NewAsyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating alert producer: %w", err)
	}
	return newAlertPublisher(producer, cfg.AlertsTopic, logger), nil
}

func newAlertPublisher(producer sarama.AsyncProducer, topic string, logger zerolog.Logger) *AlertPublisher {
	p := &AlertPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.With().Str("component", "kafka_alerts").Logger(),
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for err := range producer.Errors() {
			p.logger.Error().Err(err.Err).Msg("failed to publish corruption alert")
		}
	}()
	return p
}

// StatsQuarantined publishes an alert for a quarantined document. Alerts are
// best effort and dropped if the producer does not accept them in time.
func (p *AlertPublisher) StatsQuarantined(ctx context.Context, event domain.QuarantineEvent) {
	value, err := json.Marshal(event)
	if err != nil {
		p.logger.Error().Err(err).Msg("failed to encode corruption alert")
		return
	}

	msg := &sarama.ProducerMessage{
		Topic:     p.topic,
		Key:       sarama.StringEncoder(event.Namespace),
		Value:     sarama.ByteEncoder(value),
		Timestamp: event.Timestamp,
	}

	timer := time.NewTimer(sendTimeout)
	defer timer.Stop()

	select {
	case p.producer.Input() <- msg:
	case <-ctx.Done():
		p.logger.Warn().Str("namespace", event.Namespace).Msg("corruption alert dropped: context done")
	case <-timer.C:
		p.logger.Warn().Str("namespace", event.Namespace).Msg("corruption alert dropped: producer busy")
	}
}

// Close flushes pending alerts and closes the producer
func (p *AlertPublisher) Close() error {
	err := p.producer.Close()
	p.wg.Wait()
	return err
}
