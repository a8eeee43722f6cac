// Package publisher is the task-lifecycle fan-out: mutation handlers hand it
// post-commit snapshots and it delivers the matching events to the broker in
// the background. Callers never wait on the broker and never see an error.
package publisher

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/taskloop/taskloop/internal/events"
	"github.com/taskloop/taskloop/internal/telemetry"
)

// jobTimeout bounds one delivery attempt cycle, retries included.
const jobTimeout = 30 * time.Second

// Bus is the broker-facing side of the publisher, implemented by dapr.Client.
type Bus interface {
	Publish(ctx context.Context, pubsub, topic string, payload events.Payload, partitionKey string) error
}

// keyed payloads choose their shard and broker partition.
type keyed interface {
	events.Payload
	PartitionKey() string
}

// Config tunes the publisher.
type Config struct {
	// Enabled false turns every Enqueue* into a no-op.
	Enabled    bool
	PubsubName string

	// Workers is the shard count; QueueSize bounds each shard's backlog.
	Workers   int
	QueueSize int
}

type job struct {
	topic   string
	payload keyed
}

// Publisher delivers lifecycle and audit events on bounded per-shard queues.
// Events with the same partition key always land on the same shard, which
// keeps per-entity ordering (updated before completed) while shards drain
// concurrently.
type Publisher struct {
	bus     Bus
	pubsub  string
	enabled bool

	mu     sync.RWMutex
	closed bool
	shards []chan job
	wg     sync.WaitGroup

	dropped  atomic.Int64
	failures atomic.Int64
}

// New starts the shard workers and returns the publisher. A disabled
// publisher starts nothing and drops everything silently.
func New(bus Bus, config Config) *Publisher {
	workers := config.Workers
	if workers < 1 {
		workers = 4
	}
	queueSize := config.QueueSize
	if queueSize < 1 {
		queueSize = 256
	}

	p := &Publisher{
		bus:     bus,
		pubsub:  config.PubsubName,
		enabled: config.Enabled,
	}
	if !config.Enabled {
		return p
	}

	p.shards = make([]chan job, workers)
	for i := range p.shards {
		p.shards[i] = make(chan job, queueSize)
		p.wg.Add(1)
		go p.drain(p.shards[i])
	}
	return p
}

func (p *Publisher) drain(jobs <-chan job) {
	defer p.wg.Done()
	for j := range jobs {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		err := p.bus.Publish(ctx, p.pubsub, j.topic, j.payload, j.payload.PartitionKey())
		cancel()
		if err != nil {
			// The bus already logged the failing attempts with full context.
			p.failures.Add(1)
		}
	}
}

// EnqueueCreated publishes task.created for a freshly inserted task.
func (p *Publisher) EnqueueCreated(task events.TaskData) {
	p.enqueue(events.TopicTaskEvents, events.NewTaskEvent(events.TypeTaskCreated, task, nil))
}

// EnqueueUpdated publishes task.updated after a field change.
func (p *Publisher) EnqueueUpdated(task events.TaskData) {
	p.enqueue(events.TopicTaskEvents, events.NewTaskEvent(events.TypeTaskUpdated, task, nil))
}

// EnqueueCompleted publishes the completion transition: task.updated followed
// by task.completed. Both share the task's partition key, so consumers
// observe them in this order.
func (p *Publisher) EnqueueCompleted(task events.TaskData) {
	p.enqueue(events.TopicTaskEvents, events.NewTaskEvent(events.TypeTaskUpdated, task, nil))
	p.enqueue(events.TopicTaskEvents, events.NewTaskEvent(events.TypeTaskCompleted, task, nil))
}

// EnqueueDeleted publishes task.deleted with the last snapshot of the task.
func (p *Publisher) EnqueueDeleted(task events.TaskData) {
	p.enqueue(events.TopicTaskEvents, events.NewTaskEvent(events.TypeTaskDeleted, task, nil))
}

// EnqueueAudit publishes an audit entry onto audit-logs.
func (p *Publisher) EnqueueAudit(entry *events.AuditEntry) {
	p.enqueue(events.TopicAuditLogs, entry)
}

func (p *Publisher) enqueue(topic string, payload keyed) {
	if !p.enabled {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}

	shard := p.shards[shardIndex(payload.PartitionKey(), len(p.shards))]
	select {
	case shard <- job{topic: topic, payload: payload}:
	default:
		p.dropped.Add(1)
		telemetry.GetContextualLogger(context.Background()).WithFields(map[string]interface{}{
			"operation":     "publish_enqueue",
			"topic":         topic,
			"event_type":    payload.EventKind(),
			"partition_key": payload.PartitionKey(),
		}).Warn("Publish queue full, dropping event")
	}
}

func shardIndex(key string, shards int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(shards))
}

// Dropped returns how many events were discarded on full queues.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Failures returns how many events exhausted their delivery retries.
func (p *Publisher) Failures() int64 {
	return p.failures.Load()
}

// Close stops accepting events, drains every shard and waits for the workers.
func (p *Publisher) Close() {
	if !p.enabled {
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, shard := range p.shards {
		close(shard)
	}
	p.mu.Unlock()

	p.wg.Wait()
}
