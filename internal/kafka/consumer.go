// Package kafka ingests activity records from a Kafka consumer group.
package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/pipeline"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/validate"
)

const retryDelay = 50 * time.Millisecond

// ActivitySubmitter accepts decoded activity
type ActivitySubmitter interface {
	SubmitActivity(act model.Activity) error
}

// Consumer is a consumer group handler that feeds activity into the
// pipeline. Unlike NATS, Kafka can hold messages back, so a full pipeline
// queue is retried instead of dropped and the offset is only marked once the
// record is accepted.
type Consumer struct {
	validator *validate.Validator
	submitter ActivitySubmitter
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewConsumer creates a consumer
func NewConsumer(v *validate.Validator, submitter ActivitySubmitter, m *metrics.Metrics, logger *slog.Logger) *Consumer {
	return &Consumer{validator: v, submitter: submitter, metrics: m, logger: logger}
}

// Run joins groupID on brokers and consumes topic until ctx is cancelled
func (c *Consumer) Run(ctx context.Context, wg *sync.WaitGroup, brokers []string, groupID, topic string) {
	defer wg.Done()

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	group, err := sarama.NewConsumerGroup(brokers, groupID, config)
	if err != nil {
		c.logger.Error("Failed to create Kafka consumer group", "error", err)
		return
	}
	defer group.Close()

	c.logger.Info("Kafka consumer group started", "group", groupID, "topic", topic)
	for {
		// Consume returns on every rebalance
		if err := group.Consume(ctx, []string{topic}, c); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				c.logger.Info("Kafka consumer group closed")
				return
			}
			c.logger.Error("Kafka consumer error", "error", err)
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer stopped")
			return
		}
	}
}

func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			act, err := c.validator.DecodeActivity(message.Value)
			if err != nil {
				// Skipped but committed so it is not read again
				c.metrics.IncInvalidPayload("activity")
				session.MarkMessage(message, "")
				continue
			}
			if !c.submit(session.Context(), act) {
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}

// submit retries until the pipeline accepts act. It returns false when the
// session ends first.
func (c *Consumer) submit(ctx context.Context, act model.Activity) bool {
	for {
		err := c.submitter.SubmitActivity(act)
		if err == nil {
			return true
		}
		if !errors.Is(err, pipeline.ErrQueueFull) {
			c.logger.Error("Failed to submit activity", "error", err)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(retryDelay):
		}
	}
}
