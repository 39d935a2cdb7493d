package mirror

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"telemirror/internal/model"
)

// Handler processes one event.
type Handler interface {
	Handle(ctx context.Context, ev model.Event) error
}

type job struct {
	ctx context.Context
	ev  model.Event
}

// Dispatcher runs events on a fixed set of shards. Events with the same
// correlation key always land on the same shard and run in arrival order.
type Dispatcher struct {
	handler Handler
	log     *slog.Logger
	shards  []chan job

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts workers goroutines, each with a queue of queueSize.
func NewDispatcher(handler Handler, workers, queueSize int, log *slog.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	d := &Dispatcher{
		handler: handler,
		log:     log,
		shards:  make([]chan job, workers),
	}
	for i := range d.shards {
		d.shards[i] = make(chan job, queueSize)
		d.wg.Add(1)
		go d.work(i, d.shards[i])
	}
	return d
}

// Submit queues ev, blocking while its shard is full. The event is handled
// with a context that keeps the values of ctx but not its cancellation.
// A delete naming several messages is queued once per message, each part
// keeping the event id, so every deletion follows its own create.
func (d *Dispatcher) Submit(ctx context.Context, ev model.Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Kind != model.EventDelete || ev.MediaGroupID != "" || len(ev.IDs) < 2 {
		return d.enqueue(ctx, ev)
	}
	for _, id := range ev.IDs {
		part := ev
		part.IDs = []int{id}
		if err := d.enqueue(ctx, part); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) enqueue(ctx context.Context, ev model.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	shard := d.shards[shardIndex(orderingKey(ev), len(d.shards))]
	select {
	case shard <- job{ctx: context.WithoutCancel(ctx), ev: ev}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events, drains the queues and waits for the workers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, s := range d.shards {
		close(s)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) work(n int, jobs <-chan job) {
	defer d.wg.Done()
	for j := range jobs {
		d.run(n, j)
	}
}

func (d *Dispatcher) run(n int, j job) {
	log := d.log.With("event_id", j.ev.ID, "kind", j.ev.Kind, "shard", n)
	defer func() {
		if r := recover(); r != nil {
			log.Error("event handler panicked", "panic", fmt.Sprint(r))
		}
	}()

	err := d.handler.Handle(j.ctx, j.ev)
	if err == nil {
		return
	}
	var se *StoreError
	if errors.As(err, &se) {
		log.Error("event left unprocessed", "key", se.Key, "error", err)
		return
	}
	log.Error("handle event", "error", err)
}

// orderingKey picks the key that serializes ev with related events. The
// automatic forward of a post is ordered after the post itself.
func orderingKey(ev model.Event) model.CorrelationKey {
	if ev.Kind != model.EventDelete && ev.Message.AutoForwardOf != nil {
		post := ev.Message.AutoForwardOf
		return model.CorrelationKey{Source: post.Chat, Group: strconv.Itoa(post.ID)}
	}
	keys := ev.Keys()
	if len(keys) == 0 {
		return model.CorrelationKey{Source: ev.Chat}
	}
	return keys[0]
}

// shardIndex hashes the chat and group of key. The topic is left out since
// message ids are unique per chat and deletes arrive without one.
func shardIndex(key model.CorrelationKey, n int) int {
	h := fnv.New32a()
	var buf [8]byte
	chat := uint64(key.Source.ChatID)
	for i := range buf {
		buf[i] = byte(chat >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(key.Group))
	return int(h.Sum32() % uint32(n))
}
