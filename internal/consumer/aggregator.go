package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dayuer/supportbot/internal/bus"
)

// AnalyticsAggregator counts analytics events per event type and per intent.
// Redeliveries are dropped by (session, eventType, timestamp, intent,
// messageCount); the message count alone repeats when two turns of one session
// race.
type AnalyticsAggregator struct {
	log  *slog.Logger
	seen *seenSet

	mu       sync.Mutex
	byType   map[string]int
	byIntent map[string]int
}

func NewAnalyticsAggregator(log *slog.Logger) *AnalyticsAggregator {
	return &AnalyticsAggregator{
		log:      log,
		seen:     newSeenSet(16384),
		byType:   make(map[string]int),
		byIntent: make(map[string]int),
	}
}

func (a *AnalyticsAggregator) Name() string       { return "analytics-aggregator" }
func (a *AnalyticsAggregator) Stream() bus.Stream { return bus.StreamAnalytics }

func (a *AnalyticsAggregator) Handle(_ context.Context, evt bus.Event) error {
	e, ok := evt.(bus.AnalyticsEvent)
	if !ok {
		return unexpected(a, evt)
	}
	key := fmt.Sprintf("%s|%s|%s|%s|%d", e.SessionID, e.EventType,
		e.Timestamp.UTC().Format(time.RFC3339Nano), e.Intent, e.MessageCount)
	if !a.seen.add(key) {
		return nil
	}

	a.mu.Lock()
	a.byType[e.EventType]++
	if e.EventType == bus.MessageProcessed {
		a.byIntent[e.Intent]++
	}
	a.mu.Unlock()

	a.log.Debug("Analytics recorded", "session", e.SessionID, "type", e.EventType, "intent", e.Intent, "count", e.MessageCount)
	return nil
}

// IntentCount returns how many processed turns were classified as intent.
func (a *AnalyticsAggregator) IntentCount(intent string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byIntent[intent]
}

// TypeCount returns how many events of eventType were recorded.
func (a *AnalyticsAggregator) TypeCount(eventType string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.byType[eventType]
}

func (a *AnalyticsAggregator) Snapshot() map[string]any {
	a.mu.Lock()
	defer a.mu.Unlock()
	types := make(map[string]int, len(a.byType))
	for k, v := range a.byType {
		types[k] = v
	}
	intents := make(map[string]int, len(a.byIntent))
	for k, v := range a.byIntent {
		intents[k] = v
	}
	return map[string]any{"byEventType": types, "byIntent": intents}
}
