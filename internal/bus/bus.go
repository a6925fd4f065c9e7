// Package bus implements the Message Bus (spec.md §4.5): direct and
// topic publish/subscribe between plugins with bounded per-plugin
// queues, TTL expiration, and backpressure.
package bus

import (
	"container/list"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plugink/plugink/internal/errs"
	"github.com/plugink/plugink/internal/ids"
)

// Message is one envelope traveling through the bus.
type Message struct {
	ID        ids.MessageId
	From      ids.PluginId
	To        ids.PluginId // zero value for a topic publish
	Topic     string       // empty for a direct send
	Payload   []byte
	SentAt    time.Time
	ExpiresAt time.Time // zero means never expires
}

func (m Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// queue is a bounded FIFO of pending messages for one plugin.
type queue struct {
	mu       sync.Mutex
	items    *list.List
	capacity int
}

func newQueue(capacity int) *queue {
	return &queue{items: list.New(), capacity: capacity}
}

func (q *queue) push(m Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Len() >= q.capacity {
		return errs.New(errs.FamilyMessaging, errs.MessagingQueueFull, "bus.queue.push", "capacity exceeded")
	}
	q.items.PushBack(m)
	return nil
}

// pop removes and returns the oldest non-expired message, skipping (and
// discarding) any expired messages ahead of it.
func (q *queue) pop(now time.Time) (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		front := q.items.Front()
		if front == nil {
			return Message{}, false
		}
		q.items.Remove(front)
		m := front.Value.(Message)
		if m.expired(now) {
			continue
		}
		return m, true
	}
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// pruneExpired removes expired messages from anywhere in the queue, not
// just the front — used by PruneExpired to sweep inboxes that are not
// being drained by NextMessage.
func (q *queue) pruneExpired(now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for e := q.items.Front(); e != nil; {
		next := e.Next()
		if e.Value.(Message).expired(now) {
			q.items.Remove(e)
		}
		e = next
	}
}

// topic holds the set of subscriber queues for one topic name, plus a
// bounded retention ring of recently published messages for late
// subscribers (spec.md §4.5 "new subscribers may replay a bounded
// backlog").
type topic struct {
	mu          sync.Mutex
	subscribers map[ids.PluginId]*queue
	retention   []Message
	retentionN  int
}

// Config bounds the bus-wide defaults.
type Config struct {
	PerPluginQueueCapacity int
	TopicRetention         int
	DefaultTTL             time.Duration
}

// Bus is the runtime-wide Message Bus.
type Bus struct {
	log *zap.Logger
	cfg Config

	mu        sync.RWMutex
	inboxes   map[ids.PluginId]*queue
	topics    map[string]*topic
	now       func() time.Time
}

// New constructs an empty Bus.
func New(log *zap.Logger, cfg Config) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		log:     log,
		cfg:     cfg,
		inboxes: make(map[ids.PluginId]*queue),
		topics:  make(map[string]*topic),
		now:     time.Now,
	}
}

func (b *Bus) inboxFor(plugin ids.PluginId) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.inboxes[plugin]
	if !ok {
		q = newQueue(b.cfg.PerPluginQueueCapacity)
		b.inboxes[plugin] = q
	}
	return q
}

func (b *Bus) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[ids.PluginId]*queue), retentionN: b.cfg.TopicRetention}
		b.topics[name] = t
	}
	return t
}

func (b *Bus) applyDefaultTTL(m *Message) {
	if m.ExpiresAt.IsZero() && b.cfg.DefaultTTL > 0 {
		m.ExpiresAt = m.SentAt.Add(b.cfg.DefaultTTL)
	}
}

// SendDirect delivers payload to to's inbox, returning
// errs.MessagingQueueFull if to's inbox is at capacity.
func (b *Bus) SendDirect(from, to ids.PluginId, payload []byte, ttl time.Duration) (ids.MessageId, error) {
	m := Message{ID: ids.NewMessageId(), From: from, To: to, Payload: payload, SentAt: b.now()}
	if ttl > 0 {
		m.ExpiresAt = m.SentAt.Add(ttl)
	}
	b.applyDefaultTTL(&m)

	if err := b.inboxFor(to).push(m); err != nil {
		return m.ID, err
	}
	return m.ID, nil
}

// Publish fans payload out to every current subscriber of topic and
// appends it to the topic's retention ring for future subscribers.
// Publish never fails due to one subscriber's full queue — delivery to a
// backpressured subscriber is simply dropped for that subscriber, since
// Publish is fan-out, not point-to-point.
func (b *Bus) Publish(from ids.PluginId, topicName string, payload []byte, ttl time.Duration) ids.MessageId {
	m := Message{ID: ids.NewMessageId(), From: from, Topic: topicName, Payload: payload, SentAt: b.now()}
	if ttl > 0 {
		m.ExpiresAt = m.SentAt.Add(ttl)
	}
	b.applyDefaultTTL(&m)

	t := b.topicFor(topicName)
	t.mu.Lock()
	subs := make([]*queue, 0, len(t.subscribers))
	for _, q := range t.subscribers {
		subs = append(subs, q)
	}
	t.retention = append(t.retention, m)
	if t.retentionN > 0 && len(t.retention) > t.retentionN {
		t.retention = t.retention[len(t.retention)-t.retentionN:]
	}
	t.mu.Unlock()

	for _, q := range subs {
		if err := q.push(m); err != nil {
			b.log.Debug("bus: dropped publish to backpressured subscriber",
				zap.String("topic", topicName), zap.Error(err))
		}
	}
	return m.ID
}

// Subscribe registers plugin as a subscriber of topicName and returns up
// to the topic's retention backlog, newest last, so the caller can catch
// up on recent history before new publishes start arriving in its inbox.
func (b *Bus) Subscribe(plugin ids.PluginId, topicName string) []Message {
	t := b.topicFor(topicName)
	q := b.inboxFor(plugin)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers[plugin] = q
	backlog := make([]Message, len(t.retention))
	copy(backlog, t.retention)
	return backlog
}

// Unsubscribe removes plugin from topicName's subscriber set.
func (b *Bus) Unsubscribe(plugin ids.PluginId, topicName string) {
	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subscribers, plugin)
}

// NextMessage pops the oldest non-expired message from plugin's inbox,
// or ok=false if the inbox is empty (after discarding any expired
// entries encountered along the way).
func (b *Bus) NextMessage(plugin ids.PluginId) (Message, bool) {
	return b.inboxFor(plugin).pop(b.now())
}

// PendingCount reports how many messages (including any not-yet-pruned
// expired ones) are queued for plugin.
func (b *Bus) PendingCount(plugin ids.PluginId) int {
	return b.inboxFor(plugin).len()
}

// PruneExpired sweeps every known inbox, discarding expired messages.
// Intended to run on a periodic ticker alongside the pool's idle
// sweeper, bounding memory even for plugins that never drain their
// inbox.
func (b *Bus) PruneExpired() {
	now := b.now()
	b.mu.RLock()
	inboxes := make([]*queue, 0, len(b.inboxes))
	for _, q := range b.inboxes {
		inboxes = append(inboxes, q)
	}
	b.mu.RUnlock()
	for _, q := range inboxes {
		q.pruneExpired(now)
	}
}
