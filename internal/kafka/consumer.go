package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/gamestats-mongo/internal/config"
	"github.com/gamestats-mongo/internal/domain"
	"github.com/rs/zerolog"
)

// BundleUploader applies upload bundles
type BundleUploader interface {
	UploadStats(ctx context.Context, bundle *domain.UploadBundle) (*domain.UploadSummary, error)
}

// Consumer feeds upload bundles published to Kafka into the stats service
type Consumer struct {
	config        *config.KafkaConfig
	uploader      BundleUploader
	logger        zerolog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, uploader BundleUploader, logger zerolog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		uploader:      uploader,
		logger:        logger.With().Str("component", "kafka_consumer").Logger(),
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka and returns once the first
// session is set up
func (c *Consumer) Start() error {
	c.logger.Info().
		Strs("brokers", c.config.Brokers).
		Str("topic", c.config.Topic).
		Str("group_id", c.config.GroupID).
		Msg("starting Kafka consumer")

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error().Err(err).Msg("error from consumer")
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	select {
	case <-c.ready:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	c.logger.Info().Msg("Kafka consumer ready")

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error().Err(err).Msg("consumer group error")
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info().Msg("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim processes messages from a topic partition. Every message is
// marked once handled, whether it was applied or dropped. A message the
// stopped service never ran is left unmarked so it is redelivered.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	p := &processor{
		uploader: h.consumer.uploader,
		logger:   h.consumer.logger,
	}

	for {
		select {
		case <-session.Context().Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if p.process(session.Context(), message) == outcomeStopped {
				return nil
			}
			session.MarkMessage(message, "")
		}
	}
}

// processor applies one message at a time
type processor struct {
	uploader BundleUploader
	logger   zerolog.Logger
}

// outcome of processing one message
type outcome int

const (
	outcomeApplied outcome = iota
	outcomeRejected
	outcomeFailed
	outcomeStopped
)

// process hands a message to the uploader exactly once. Uploads are not
// idempotent and a failed bundle may be partly applied, so failures are
// logged and dropped rather than retried.
func (p *processor) process(ctx context.Context, message *sarama.ConsumerMessage) outcome {
	log := p.logger.With().
		Str("topic", message.Topic).
		Int32("partition", message.Partition).
		Int64("offset", message.Offset).
		Logger()

	bundle, err := DecodeBundle(message.Value)
	if err != nil {
		log.Warn().Err(err).Msg("failed to decode stats bundle")
		return outcomeRejected
	}

	// Wait for the worker's answer even while the session ends; a started
	// upload always runs to completion.
	summary, err := p.uploader.UploadStats(context.WithoutCancel(ctx), bundle)
	switch {
	case err == nil:
		log.Debug().
			Str("server_name", summary.ServerName).
			Str("namespace", summary.Namespace).
			Int("stats", summary.StatCount).
			Msg("stats bundle applied")
		return outcomeApplied
	case errors.Is(err, domain.ErrServiceStopped):
		log.Info().Str("namespace", bundle.Namespace).Msg("stats service stopped, leaving message for redelivery")
		return outcomeStopped
	case domain.IsValidationError(err):
		log.Warn().Err(err).Str("namespace", bundle.Namespace).Msg("stats bundle rejected")
		return outcomeRejected
	default:
		log.Error().Err(err).Str("namespace", bundle.Namespace).Msg("stats bundle dropped")
		return outcomeFailed
	}
}

// DecodeBundle parses and validates a bundle message
func DecodeBundle(data []byte) (*domain.UploadBundle, error) {
	var bundle domain.UploadBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRequest, err)
	}
	if err := bundle.Validate(); err != nil {
		return nil, err
	}
	return &bundle, nil
}
