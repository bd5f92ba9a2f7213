package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/abadojack/whatlanggo"

	"github.com/dayuer/supportbot/internal/bus"
	"github.com/dayuer/supportbot/internal/messagelog"
	"github.com/dayuer/supportbot/internal/utils"
)

const previewLen = 50

// Notifier receives every tracked message, e.g. the live feed.
type Notifier interface {
	Notify(evt bus.MessageEvent)
}

// MessageTracker logs each turn, counts turns per sender type and detects the
// language of user messages.
type MessageTracker struct {
	log      *slog.Logger
	notifier Notifier
	seen     *seenSet

	mu        sync.Mutex
	total     int
	bySender  map[messagelog.SenderType]int
	languages map[string]int
}

// NewMessageTracker creates a tracker. notifier may be nil.
func NewMessageTracker(log *slog.Logger, notifier Notifier) *MessageTracker {
	return &MessageTracker{
		log:       log,
		notifier:  notifier,
		seen:      newSeenSet(4096),
		bySender:  make(map[messagelog.SenderType]int),
		languages: make(map[string]int),
	}
}

func (t *MessageTracker) Name() string       { return "message-tracker" }
func (t *MessageTracker) Stream() bus.Stream { return bus.StreamMessage }

func (t *MessageTracker) Handle(_ context.Context, evt bus.Event) error {
	e, ok := evt.(bus.MessageEvent)
	if !ok {
		return unexpected(t, evt)
	}
	key := fmt.Sprintf("%s|%s|%s|%s", e.SessionID, e.SenderType, e.Timestamp.Format(time.RFC3339Nano), e.Message)
	if !t.seen.add(key) {
		t.log.Debug("Duplicate message event ignored", "session", e.SessionID)
		return nil
	}

	preview := utils.Truncate(utils.SingleLine(e.Message), previewLen, "...")
	attrs := []any{"session", e.SessionID, "sender", e.SenderType, "preview", preview}

	t.mu.Lock()
	t.total++
	t.bySender[e.SenderType]++
	if e.SenderType == messagelog.SenderUser {
		lang := DetectLanguage(e.Message)
		t.languages[lang]++
		attrs = append(attrs, "lang", lang)
	}
	t.mu.Unlock()

	t.log.Info("Message tracked", attrs...)
	if t.notifier != nil {
		t.notifier.Notify(e)
	}
	return nil
}

func (t *MessageTracker) Snapshot() map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	senders := make(map[string]int, len(t.bySender))
	for k, v := range t.bySender {
		senders[string(k)] = v
	}
	langs := make(map[string]int, len(t.languages))
	for k, v := range t.languages {
		langs[k] = v
	}
	return map[string]any{
		"total":     t.total,
		"bySender":  senders,
		"languages": langs,
	}
}

// DetectLanguage returns the ISO 639-1 code of text, or "und" when the
// detection is not reliable.
func DetectLanguage(text string) string {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return "und"
	}
	if code := info.Lang.Iso6391(); code != "" {
		return code
	}
	return "und"
}
