// Package bus implements the in-memory message bus: a topic registry that
// delivers published events to every registered subscriber, keeps a bounded
// history and counts publishes and deliveries for the process lifetime.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/loomwork/loom/events"
	"github.com/loomwork/loom/internal/ring"
	"github.com/loomwork/loom/pkg/slogx"
)

// DefaultHistoryLimit caps the event history ring when no limit is given.
const DefaultHistoryLimit = 1000

// Subscriber receives events published to a topic it is registered on.
// A subscriber error is contained: it is logged and surfaced through the
// health path, never returned to the publisher.
type Subscriber interface {
	ID() string
	HandleEvent(ctx context.Context, evt events.Event) error
}

// Undeliverable marks an error from a subscriber that never ran its handler,
// for example a failed schema migration ahead of dispatch. The broker logs
// the failure but does not count the delivery.
func Undeliverable(err error) error {
	return undeliverableError{err}
}

type undeliverableError struct{ err error }

func (u undeliverableError) Error() string { return u.err.Error() }
func (u undeliverableError) Unwrap() error { return u.err }

// IsUndeliverable reports whether err, or anything it wraps, was marked with
// Undeliverable.
func IsUndeliverable(err error) bool {
	var u undeliverableError
	return errors.As(err, &u)
}

// Stats are the monotonic bus counters. They reset only when a fresh broker
// is created on executor restart.
type Stats struct {
	Published uint64 `json:"messages_published"`
	Delivered uint64 `json:"messages_delivered"`
	Topics    int    `json:"topics"`
}

// Broker is the in-memory bus. Topics are created on first use, by either a
// publish or a subscribe.
type Broker struct {
	topics    *haxmap.Map[string, *topic]
	history   *ring.Buffer[events.Event]
	published atomic.Uint64
	delivered atomic.Uint64
	log       *slog.Logger
}

// topic holds an ordered subscriber table so delivery order matches
// registration order. The ordered map is guarded by mu; haxmap only
// guarantees atomicity per topic key.
type topic struct {
	id   string
	mu   sync.RWMutex
	subs *orderedmap.OrderedMap[string, Subscriber]
}

// New returns a broker retaining at most historyLimit events.
func New(historyLimit int) *Broker {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Broker{
		topics:  haxmap.New[string, *topic](),
		history: ring.New[events.Event](historyLimit),
		log:     slog.With(slogx.LoggerName("bus")),
	}
}

func (b *Broker) topicFor(id string) *topic {
	t, _ := b.topics.GetOrCompute(id, func() *topic {
		return &topic{
			id:   id,
			subs: orderedmap.New[string, Subscriber](),
		}
	})
	return t
}

// Subscribe registers sub on the named topic. Registering the same subscriber
// ID again replaces the earlier registration in place.
func (b *Broker) Subscribe(topicID string, sub Subscriber) {
	t := b.topicFor(topicID)
	t.mu.Lock()
	t.subs.Set(sub.ID(), sub)
	t.mu.Unlock()
}

// Unsubscribe removes a subscriber from a topic. Unknown topics or IDs are a
// no-op.
func (b *Broker) Unsubscribe(topicID, subscriberID string) {
	t, ok := b.topics.Get(topicID)
	if !ok {
		return
	}
	t.mu.Lock()
	t.subs.Delete(subscriberID)
	t.mu.Unlock()
}

// Publish records evt in the history, then delivers it to every subscriber of
// its topic and returns the number of deliveries. Zero subscribers is not an
// error. One subscriber failing does not prevent delivery to the others; the
// failure is logged here and accounted by whoever handles the dispatch.
func (b *Broker) Publish(ctx context.Context, evt events.Event) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	b.history.Append(evt)
	b.published.Add(1)

	t := b.topicFor(evt.Topic)
	t.mu.RLock()
	subs := make([]Subscriber, 0, t.subs.Len())
	for pair := t.subs.Oldest(); pair != nil; pair = pair.Next() {
		subs = append(subs, pair.Value)
	}
	t.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, evt); err != nil {
			b.log.Warn("subscriber failed to handle event",
				slogx.Topic(evt.Topic),
				slog.String("subscriber", sub.ID()),
				slogx.Error(err),
			)
			// An undeliverable event never reached the handler, so it is
			// not a delivery.
			if IsUndeliverable(err) {
				continue
			}
		}
		delivered++
		b.delivered.Add(1)
	}
	return delivered, nil
}

// Subscribers returns the subscriber IDs registered on a topic, in
// registration order.
func (b *Broker) Subscribers(topicID string) []string {
	t, ok := b.topics.Get(topicID)
	if !ok {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, t.subs.Len())
	for pair := t.subs.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Topics returns every known topic, including ones that only ever saw a
// publish.
func (b *Broker) Topics() []string {
	out := make([]string, 0, b.topics.Len())
	b.topics.ForEach(func(id string, _ *topic) bool {
		out = append(out, id)
		return true
	})
	return out
}

// History returns up to limit retained events, newest first. A non-positive
// limit returns the full retained window.
func (b *Broker) History(limit int) []events.Event {
	return b.history.Newest(limit)
}

// Stats returns the current counters.
func (b *Broker) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Topics:    int(b.topics.Len()),
	}
}
