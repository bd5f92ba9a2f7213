// Package chatbot is the request pipeline of the support bot: it resolves the
// session, logs both turns, classifies and answers the message, and publishes
// the resulting events.
package chatbot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/intent"
	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/reply"
	"github.com/dayuer/supportbot/internal/session"
)

var (
	// ErrInvalidRequest is returned before the pipeline starts.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrProcessingFailed is the single failure callers see for a started turn.
	ErrProcessingFailed = errors.New("failed to process message")
	// ErrSessionNotTransferred is returned by AgentReply on a bot-handled session.
	ErrSessionNotTransferred = errors.New("session not transferred to an agent")
)

const (
	defaultPublishTimeout = 5 * time.Second
	maxMessageLen         = 4000
)

var validate = validator.New()

// Request is one inbound user message. An empty SessionID starts a new session.
type Request struct {
	SessionID string `json:"sessionId" validate:"max=128"`
	Message   string `json:"message" validate:"required,max=4000"`
	UserID    string `json:"userId" validate:"max=128"`
	UserName  string `json:"userName" validate:"max=128"`
}

// Response is the bot's answer to a Request.
type Response struct {
	SessionID    string             `json:"sessionId"`
	BotResponse  string             `json:"botResponse"`
	QuickReplies []reply.QuickReply `json:"quickReplies"`
	Intent       string             `json:"intent"`
	Timestamp    time.Time          `json:"timestamp"`
	Status       session.Status     `json:"status"`
}

// Service runs the chat pipeline. It holds no per-session state: concurrent
// requests, even for the same session, rely on the store's atomicity.
type Service struct {
	sessions   session.Store
	messages   messagelog.Log
	publisher  bus.Publisher
	classifier atomic.Pointer[intent.Classifier]
	generator  reply.Generator
	log        *slog.Logger

	now            func() time.Time
	newID          func() string
	publishTimeout time.Duration
	welcome        string

	processed     atomic.Int64
	failed        atomic.Int64
	published     atomic.Int64
	publishFailed atomic.Int64
}

// Option customises a Service.
type Option func(*Service)

// WithClassifier replaces the default rule table.
func WithClassifier(c *intent.Classifier) Option {
	return func(s *Service) { s.SetClassifier(c) }
}

// WithPublishTimeout bounds the publishing of one turn's events.
func WithPublishTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.publishTimeout = d
		}
	}
}

// WithWelcomeMessage overrides the first bot turn of a new session.
func WithWelcomeMessage(text string) Option {
	return func(s *Service) {
		if strings.TrimSpace(text) != "" {
			s.welcome = text
		}
	}
}

// WithClock sets the time source for response and analytics timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator sets how ids of new sessions are generated.
func WithIDGenerator(f func() string) Option {
	return func(s *Service) { s.newID = f }
}

// NewService wires the pipeline.
func NewService(sessions session.Store, messages messagelog.Log, publisher bus.Publisher, log *slog.Logger, opts ...Option) *Service {
	s := &Service{
		sessions:       sessions,
		messages:       messages,
		publisher:      publisher,
		log:            log,
		now:            time.Now,
		newID:          uuid.NewString,
		publishTimeout: defaultPublishTimeout,
		welcome:        reply.WelcomeText,
	}
	s.classifier.Store(intent.NewClassifier(nil))
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetClassifier swaps the rule table used by turns that start afterwards.
func (s *Service) SetClassifier(c *intent.Classifier) {
	if c != nil {
		s.classifier.Store(c)
	}
}

// normalize validates req and fills the generated session id.
func (s *Service) normalize(req Request) (Request, error) {
	if err := validate.Struct(req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Message) == "" {
		return req, fmt.Errorf("%w: message is blank", ErrInvalidRequest)
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		req.SessionID = s.newID()
	}
	return req, nil
}

// publish sends events in order under one shared deadline. Failures are logged
// and counted, never returned: the conversation is already durable at this point.
func (s *Service) publish(ctx context.Context, events ...bus.Event) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	for _, evt := range events {
		if err := s.publisher.Publish(pctx, evt); err != nil {
			s.publishFailed.Add(1)
			s.log.Warn("Event publish failed", "stream", evt.Stream(), "session", evt.Key(), "err", err)
			continue
		}
		s.published.Add(1)
	}
}

// Stats returns pipeline counters.
func (s *Service) Stats() map[string]any {
	return map[string]any{
		"processed":     s.processed.Load(),
		"failed":        s.failed.Load(),
		"published":     s.published.Load(),
		"publishFailed": s.publishFailed.Load(),
	}
}
