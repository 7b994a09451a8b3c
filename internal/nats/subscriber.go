package nats

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/sgerhart/aegisflux/backend/sentinel/internal/metrics"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/model"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/pipeline"
	"github.com/sgerhart/aegisflux/backend/sentinel/internal/validate"
)

// Submitter accepts decoded records for processing
type Submitter interface {
	SubmitActivity(act model.Activity) error
	SubmitIncident(inc model.Incident) error
}

// Subjects names the ingestion subjects
type Subjects struct {
	Activity string
	Incident string
}

// Subscriber feeds activity and incident messages into the pipeline
type Subscriber struct {
	nc        *nats.Conn
	subjects  Subjects
	queue     string
	validator *validate.Validator
	submitter Submitter
	metrics   *metrics.Metrics
	logger    *slog.Logger

	activitySub *nats.Subscription
	incidentSub *nats.Subscription
}

// NewSubscriber creates a subscriber in queue group queue
func NewSubscriber(nc *nats.Conn, subjects Subjects, queue string, v *validate.Validator, submitter Submitter, m *metrics.Metrics, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:        nc,
		subjects:  subjects,
		queue:     queue,
		validator: v,
		submitter: submitter,
		metrics:   m,
		logger:    logger,
	}
}

// Subscribe listens until ctx is cancelled, then drains both subscriptions
func (s *Subscriber) Subscribe(ctx context.Context) error {
	s.logger.Info("Subscribing to ingestion subjects", "queue", s.queue)

	activitySub, err := s.nc.QueueSubscribe(s.subjects.Activity, s.queue, s.handleActivity)
	if err != nil {
		s.logger.Error("Failed to subscribe to activity", "subject", s.subjects.Activity, "error", err)
		return err
	}
	s.activitySub = activitySub
	s.logger.Info("Subscribed to activity", "subject", s.subjects.Activity, "queue", s.queue)

	incidentSub, err := s.nc.QueueSubscribe(s.subjects.Incident, s.queue, s.handleIncident)
	if err != nil {
		s.logger.Error("Failed to subscribe to incidents", "subject", s.subjects.Incident, "error", err)
		activitySub.Unsubscribe()
		return err
	}
	s.incidentSub = incidentSub
	s.logger.Info("Subscribed to incidents", "subject", s.subjects.Incident, "queue", s.queue)

	<-ctx.Done()

	s.gracefulShutdown()
	return nil
}

func (s *Subscriber) handleActivity(msg *nats.Msg) {
	s.logger.Debug("Received activity", "subject", msg.Subject, "data_length", len(msg.Data))

	act, err := s.validator.DecodeActivity(msg.Data)
	if err != nil {
		s.metrics.IncInvalidPayload("activity")
		return
	}
	s.submit("activity", s.submitter.SubmitActivity(act))
}

func (s *Subscriber) handleIncident(msg *nats.Msg) {
	s.logger.Debug("Received incident", "subject", msg.Subject, "data_length", len(msg.Data))

	inc, err := s.validator.DecodeIncident(msg.Data)
	if err != nil {
		s.metrics.IncInvalidPayload("incident")
		return
	}
	s.submit("incident", s.submitter.SubmitIncident(inc))
}

func (s *Subscriber) submit(kind string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, pipeline.ErrQueueFull):
		s.logger.Warn("Pipeline queue full, dropping record", "kind", kind)
	default:
		s.logger.Error("Failed to submit record", "kind", kind, "error", err)
	}
}

func (s *Subscriber) gracefulShutdown() {
	s.logger.Info("Starting graceful shutdown with drain")
	for name, sub := range map[string]*nats.Subscription{
		"activity": s.activitySub,
		"incident": s.incidentSub,
	} {
		if sub == nil {
			continue
		}
		if err := sub.Drain(); err != nil {
			s.logger.Error("Failed to drain subscription", "subscription", name, "error", err)
		} else {
			s.logger.Info("Subscription drained", "subscription", name)
		}
	}
}
