package eventbus

import (
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
)

// DefaultWorkerPoolSize bounds concurrent handler dispatch (§4.4: "bounded
// ... trading a little head-of-line risk ... for protection against
// unbounded goroutine growth").
const DefaultWorkerPoolSize = 32

// Bus is the Event Bus: publish/subscribe, asynchronous bounded-pool
// dispatch, a dead-letter queue, and JSONL persistence with replay.
// Construct with New; call Close to release its worker pool.
type Bus struct {
	subs *subscriptionRegistry
	dlq  *deadLetterQueue
	log  *journal

	pool   *ants.Pool
	logger *log.Helper
}

// Option configures a Bus at construction time.
type Option func(*busConfig)

type busConfig struct {
	poolSize    int
	dlqMaxSize  int
	journalPath string
	logger      log.Logger
}

// WithWorkerPoolSize overrides DefaultWorkerPoolSize.
func WithWorkerPoolSize(n int) Option { return func(c *busConfig) { c.poolSize = n } }

// WithDLQMaxSize overrides DefaultDLQMaxSize.
func WithDLQMaxSize(n int) Option { return func(c *busConfig) { c.dlqMaxSize = n } }

// WithJournalPath overrides DefaultEventLog.
func WithJournalPath(path string) Option { return func(c *busConfig) { c.journalPath = path } }

// WithLogger overrides the bus's logger.
func WithLogger(l log.Logger) Option { return func(c *busConfig) { c.logger = l } }

// New constructs a Bus with its worker pool already running.
func New(opts ...Option) (*Bus, error) {
	cfg := busConfig{
		poolSize:    DefaultWorkerPoolSize,
		dlqMaxSize:  DefaultDLQMaxSize,
		journalPath: DefaultEventLog,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.DefaultLogger
	}
	helper := log.NewHelper(log.With(cfg.logger, "component", "eventbus"))

	pool, err := ants.NewPool(cfg.poolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, fmt.Errorf("eventbus: failed to create worker pool: %w", err)
	}

	return &Bus{
		subs:   newSubscriptionRegistry(),
		dlq:    newDeadLetterQueue(cfg.dlqMaxSize),
		log:    newJournal(cfg.journalPath, helper),
		pool:   pool,
		logger: helper,
	}, nil
}

// Publish persists ev (best effort), then dispatches it to every matching
// subscriber — type-exact plus wildcard — asynchronously on the worker
// pool. Delivery order across subscribers is not guaranteed (§4.4/§5).
func (b *Bus) Publish(eventType, source string, payload map[string]any) {
	b.publish(NewEvent(eventType, source, payload))
}

func (b *Bus) publish(ev Event) {
	b.log.append(ev)

	for _, sub := range b.subs.fanout(ev.Type) {
		sub := sub
		if err := b.pool.Submit(func() { b.dispatch(ev, sub) }); err != nil {
			b.logger.Warnf("worker pool submit failed, dispatching inline: %v", err)
			b.dispatch(ev, sub)
		}
	}
}

// dispatch runs a single subscriber's handler, converting a panic into a
// dead-letter entry alongside a returned error.
func (b *Bus) dispatch(ev Event, sub Subscription) {
	err := b.safeInvoke(sub.Handle, ev)
	if err == nil {
		return
	}
	b.dlq.push(DeadLetter{
		ID:             uuid.NewString(),
		Event:          ev,
		SubscriptionID: sub.ID,
		Err:            err,
		FailedAt:       time.Now(),
	})
	b.logger.Warnf("handler %q failed on event type %q: %v", sub.ID, ev.Type, err)
}

func (b *Bus) safeInvoke(handle func(Event) error, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handle(ev)
}

// Subscribe registers handler for an exact event type.
func (b *Bus) Subscribe(eventType string, handler func(Event) error) string {
	return b.subs.subscribe(eventType, handler)
}

// SubscribeAll registers handler as a wildcard subscription, receiving
// every event in addition to whatever type-specific subscriptions also
// match.
func (b *Bus) SubscribeAll(handler func(Event) error) string {
	return b.subs.subscribeAll(handler)
}

// Unsubscribe removes a subscription by id. Idempotent: removing an unknown
// id logs a warning rather than erroring (§4.4).
func (b *Bus) Unsubscribe(id string) {
	if !b.subs.unsubscribe(id) {
		b.logger.Warnf("unsubscribe: unknown subscription id %q", id)
	}
}

// SubscriptionCount reports the number of live subscriptions, typed plus
// wildcard.
func (b *Bus) SubscriptionCount() int { return b.subs.count() }

// DLQSize reports the current dead-letter queue length.
func (b *Bus) DLQSize() int { return b.dlq.size() }

// TotalFailed reports the lifetime count of dead-lettered failures, which
// can exceed DLQSize once the queue has evicted entries.
func (b *Bus) TotalFailed() int64 { return b.dlq.totalFailures() }

// ClearDLQ empties the dead-letter queue.
func (b *Bus) ClearDLQ() { b.dlq.clear() }

// DeadLetters returns a snapshot of up to limit dead-letter entries,
// oldest-first (0 = unbounded).
func (b *Bus) DeadLetters(limit int) []DeadLetter { return b.dlq.snapshot(limit) }

// Replay streams events from the persistence log oldest-first, re-publishing
// those matching typeOrEmpty ("" matches everything) up to limit (0 =
// unbounded). Republished events flow through the normal Publish path and so
// re-persist — the simpler of the two reference behaviors (§9 Open Question
// 1); a non-amplifying replay would need its own flag, which this bus does
// not offer.
func (b *Bus) Replay(typeOrEmpty string, limit int) int {
	events := b.log.readAll()
	replayed := 0
	for _, ev := range events {
		if typeOrEmpty != "" && ev.Type != typeOrEmpty {
			continue
		}
		b.publish(ev)
		replayed++
		if limit > 0 && replayed >= limit {
			break
		}
	}
	return replayed
}

// ReplayFailed re-publishes the original event behind each current
// dead-letter entry (oldest-first), up to limit (0 = unbounded). The
// dead-letter entries themselves are left in place; callers that want them
// gone call ClearDLQ afterwards.
func (b *Bus) ReplayFailed(limit int) int {
	entries := b.dlq.snapshot(limit)
	for _, entry := range entries {
		b.publish(entry.Event)
	}
	return len(entries)
}

// drainTimeout bounds how long Close waits for in-flight dispatches before
// forcing the pool closed (§5: "no wait, with a bounded drain for in-flight
// dispatches").
const drainTimeout = 2 * time.Second

// Close releases the worker pool, giving in-flight dispatches a bounded
// drain window rather than waiting on them indefinitely or killing them
// outright.
func (b *Bus) Close() {
	if err := b.pool.ReleaseTimeout(drainTimeout); err != nil {
		b.logger.Warnf("worker pool did not drain within %s, forcing release: %v", drainTimeout, err)
		b.pool.Release()
	}
	_ = b.log.close()
}
