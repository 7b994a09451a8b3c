package kafka

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/pipeline"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/validate"
)

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

// busySubmitter rejects the first `full` submissions with a full queue
type busySubmitter struct {
	mu       sync.Mutex
	full     int
	accepted []model.Activity
}

func (b *busySubmitter) SubmitActivity(act model.Activity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.full > 0 {
		b.full--
		return pipeline.ErrQueueFull
	}
	b.accepted = append(b.accepted, act)
	return nil
}

func newConsumer(t *testing.T, sub ActivitySubmitter) *Consumer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v, err := validate.NewValidator(logger)
	require.NoError(t, err)
	return NewConsumer(v, sub, nil, logger)
}

func TestConsumeClaimSubmitsAndMarks(t *testing.T) {
	sub := &busySubmitter{full: 2}
	c := newConsumer(t, sub)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 3)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 1, Value: []byte(`{"user_id":"u1"}`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 2, Value: []byte(`{"status":"x"}`)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 3, Value: []byte(`{"user_id":"u2"}`)}
	close(claim.messages)

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claim))

	assert.Equal(t, []int64{1, 2, 3}, session.marked)
	require.Len(t, sub.accepted, 2)
	assert.Equal(t, "u1", sub.accepted[0].UserID)
	assert.Equal(t, "u2", sub.accepted[1].UserID)
}

func TestConsumeClaimStopsWhenSessionEnds(t *testing.T) {
	sub := &busySubmitter{full: 1 << 30}
	c := newConsumer(t, sub)

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- &sarama.ConsumerMessage{Offset: 7, Value: []byte(`{"user_id":"u1"}`)}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	session := &fakeSession{ctx: ctx}

	require.NoError(t, c.ConsumeClaim(session, claim))
	assert.Empty(t, session.marked)
	assert.Empty(t, sub.accepted)
}
