package chatbot

import (
	"context"
	"errors"
	"fmt"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/intent"
	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/reply"
	"github.com/dayuer/supportbot/internal/session"
)

// Stage names a step of ProcessMessage.
type Stage string

const (
	StageSession    Stage = "NEW_OR_EXISTING_SESSION"
	StageUserTurn   Stage = "USER_TURN_LOGGED"
	StageClassified Stage = "INTENT_CLASSIFIED"
	StageGenerated  Stage = "BOT_TURN_GENERATED"
	StageBotTurn    Stage = "BOT_TURN_LOGGED"
	StagePublished  Stage = "EVENTS_PUBLISHED"
	StageReplied    Stage = "REPLY_RETURNED"
)

// StageError reports the step a turn failed at. It matches both
// ErrProcessingFailed and the underlying cause with errors.Is.
type StageError struct {
	Stage     Stage
	SessionID string
	Err       error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s at %s for session %s: %v", ErrProcessingFailed, e.Stage, e.SessionID, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{ErrProcessingFailed, e.Err}
}

// turn is the state one request accumulates along the pipeline. Events go to
// the outbox and leave only at EVENTS_PUBLISHED, after everything is stored.
type turn struct {
	req     Request
	sess    session.Session
	created bool
	userMsg messagelog.Message
	label   intent.Label
	rep     reply.Reply
	botMsg  messagelog.Message
	outbox  []bus.Event
}

type step struct {
	stage Stage
	run   func(context.Context, *turn) error
}

// ProcessMessage runs one user message through the pipeline and returns the
// bot's reply. Validation failures return ErrInvalidRequest; anything failing
// afterwards returns a *StageError. Event publishing never fails a turn.
func (s *Service) ProcessMessage(ctx context.Context, req Request) (Response, error) {
	req, err := s.normalize(req)
	if err != nil {
		return Response{}, err
	}

	t := &turn{req: req}
	steps := []step{
		{StageSession, s.resolveSession},
		{StageUserTurn, s.logUserTurn},
		{StageClassified, s.classify},
		{StageGenerated, s.generate},
		{StageBotTurn, s.logBotTurn},
		{StagePublished, s.publishOutbox},
	}
	for _, st := range steps {
		if err := st.run(ctx, t); err != nil {
			s.failed.Add(1)
			s.log.Error("Message processing failed", "session", req.SessionID, "stage", st.stage, "err", err)
			return Response{}, &StageError{Stage: st.stage, SessionID: req.SessionID, Err: err}
		}
	}

	s.processed.Add(1)
	s.log.Debug("Reply returned", "session", t.sess.ID, "stage", StageReplied, "intent", t.label, "status", t.sess.Status)
	return t.response(), nil
}

func (s *Service) resolveSession(ctx context.Context, t *turn) error {
	sess, created, err := s.sessions.GetOrCreate(ctx, t.req.SessionID, t.req.UserID, t.req.UserName)
	if err != nil {
		return fmt.Errorf("get or create session: %w", err)
	}
	t.sess, t.created = sess, created
	if !created {
		return nil
	}

	s.log.Info("Session created", "session", sess.ID, "user", sess.UserID)
	welcome, err := s.messages.Append(ctx, messagelog.BotTurn(sess.ID, s.welcome, messagelog.TypeText))
	if err != nil {
		return fmt.Errorf("log welcome turn: %w", err)
	}
	t.outbox = append(t.outbox,
		bus.NewSessionEvent(sess),
		bus.NewSessionStarted(sess),
		bus.NewMessageEvent(sess, welcome),
	)
	return nil
}

func (s *Service) logUserTurn(ctx context.Context, t *turn) error {
	msg, err := s.messages.Append(ctx, messagelog.UserTurn(t.sess.ID, t.req.Message))
	if err != nil {
		return fmt.Errorf("log user turn: %w", err)
	}
	t.userMsg = msg
	t.outbox = append(t.outbox, bus.NewMessageEvent(t.sess, msg))
	return nil
}

func (s *Service) classify(_ context.Context, t *turn) error {
	t.label = s.classifier.Load().Classify(t.req.Message)
	return nil
}

func (s *Service) generate(_ context.Context, t *turn) error {
	t.rep = s.generator.Generate(t.sess, t.label, t.req.Message)
	return nil
}

// logBotTurn stores the answer, then applies the requested transition. A
// transition the state machine refuses (a transferred session saying bye)
// is logged and the turn completes with the current status.
func (s *Service) logBotTurn(ctx context.Context, t *turn) error {
	msg, err := s.messages.Append(ctx, messagelog.BotTurn(t.sess.ID, t.rep.Text, messagelog.TypeText))
	if err != nil {
		return fmt.Errorf("log bot turn: %w", err)
	}
	t.botMsg = msg
	t.outbox = append(t.outbox, bus.NewMessageEvent(t.sess, msg))

	if t.rep.Transition != nil {
		updated, changed, err := s.sessions.UpdateStatus(ctx, t.sess.ID, *t.rep.Transition)
		switch {
		case errors.Is(err, session.ErrInvalidTransition):
			s.log.Warn("Session transition refused", "session", t.sess.ID, "from", t.sess.Status, "to", *t.rep.Transition)
		case err != nil:
			return fmt.Errorf("update session status: %w", err)
		case changed:
			t.sess = updated
			t.outbox = append(t.outbox, bus.NewSessionEvent(updated))
			s.log.Info("Session status changed", "session", updated.ID, "status", updated.Status)
		default:
			t.sess = updated
		}
	}

	count, err := s.messages.CountBySession(ctx, t.sess.ID)
	if err != nil {
		return fmt.Errorf("count messages: %w", err)
	}
	t.outbox = append(t.outbox, bus.NewMessageProcessed(t.sess, string(t.label), count, s.now().UTC()))
	return nil
}

func (s *Service) publishOutbox(ctx context.Context, t *turn) error {
	s.publish(ctx, t.outbox...)
	return nil
}

func (t *turn) response() Response {
	qr := t.rep.QuickReplies
	if qr == nil {
		qr = []reply.QuickReply{}
	}
	return Response{
		SessionID:    t.sess.ID,
		BotResponse:  t.rep.Text,
		QuickReplies: qr,
		Intent:       string(t.label),
		Timestamp:    t.botMsg.Timestamp,
		Status:       t.sess.Status,
	}
}
