package mirror

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"telemirror/internal/model"
)

// DefaultAlbumWindow is how long album members are buffered.
const DefaultAlbumWindow = 1500 * time.Millisecond

// flushedMembers bounds how many members of already flushed albums are
// remembered for routing deletes.
const flushedMembers = 1024

// Sink accepts events for processing.
type Sink interface {
	Submit(ctx context.Context, ev model.Event) error
}

type albumKey struct {
	chat  model.ChannelRef
	group string
}

type memberKey struct {
	chat int64
	id   int
}

type pendingAlbum struct {
	ctx     context.Context
	id      string
	members []model.Message
	held    []model.Event
	timer   *time.Timer
}

// Coalescer merges album members into a single event. Members are buffered
// per (chat, media group) for a fixed window after the first one arrives.
// Edits and deletes for a buffered album are held until it is flushed so
// the create always reaches the sink first. Deletes naming members of a
// recently flushed album are tagged with its media group, which orders
// them behind the album create.
type Coalescer struct {
	sink   Sink
	window time.Duration
	log    *slog.Logger

	mu      sync.Mutex
	pending map[albumKey]*pendingAlbum
	flushed *lru.Cache[memberKey, albumKey]
	closed  bool
}

// NewCoalescer creates a Coalescer in front of sink.
func NewCoalescer(sink Sink, window time.Duration, log *slog.Logger) *Coalescer {
	if window <= 0 {
		window = DefaultAlbumWindow
	}
	flushed, _ := lru.New[memberKey, albumKey](flushedMembers)
	return &Coalescer{
		sink:    sink,
		window:  window,
		log:     log,
		pending: make(map[albumKey]*pendingAlbum),
		flushed: flushed,
	}
}

// Submit buffers album members and passes every other event through.
func (c *Coalescer) Submit(ctx context.Context, ev model.Event) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}

	if ev.Kind == model.EventNew && ev.Message.MediaGroupID != "" {
		key := albumKey{chat: ev.Message.Chat, group: ev.Message.MediaGroupID}
		p, ok := c.pending[key]
		if !ok {
			p = &pendingAlbum{ctx: context.WithoutCancel(ctx), id: ev.ID}
			p.timer = time.AfterFunc(c.window, func() { c.flush(key) })
			c.pending[key] = p
		}
		p.members = append(p.members, ev.Message)
		c.mu.Unlock()
		return nil
	}

	if ev.Kind == model.EventDelete && ev.MediaGroupID == "" {
		out := c.splitDelete(ev)
		c.mu.Unlock()
		for _, part := range out {
			if err := c.sink.Submit(ctx, part); err != nil {
				return err
			}
		}
		return nil
	}

	if key, p := c.pendingFor(ev); p != nil {
		if ev.Kind == model.EventDelete {
			ev.MediaGroupID = key.group
		}
		p.held = append(p.held, ev)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.sink.Submit(ctx, ev)
}

// splitDelete separates the ids of ev by album. Ids of a buffered album are
// held with it, ids of a flushed album become an album delete and the rest
// stay in one plain delete, which is returned for immediate submission
// along with the album deletes. c.mu must be held.
func (c *Coalescer) splitDelete(ev model.Event) []model.Event {
	var (
		out    []model.Event
		plain  []int
		albums = map[albumKey][]int{}
		order  []albumKey
	)
	for _, id := range ev.IDs {
		key, ok := c.albumOf(ev.Chat.ChatID, id)
		if !ok {
			plain = append(plain, id)
			continue
		}
		if _, seen := albums[key]; !seen {
			order = append(order, key)
		}
		albums[key] = append(albums[key], id)
	}

	for _, key := range order {
		part := ev
		part.Chat = key.chat
		part.MediaGroupID = key.group
		part.IDs = albums[key]
		if p, ok := c.pending[key]; ok {
			p.held = append(p.held, part)
			continue
		}
		out = append(out, part)
	}
	if len(plain) > 0 || len(order) == 0 {
		part := ev
		part.IDs = plain
		out = append(out, part)
	}
	return out
}

// albumOf finds the album a message id belongs to, buffered or recently
// flushed. c.mu must be held.
func (c *Coalescer) albumOf(chat int64, id int) (albumKey, bool) {
	for k, p := range c.pending {
		if k.chat.ChatID != chat {
			continue
		}
		for _, m := range p.members {
			if m.ID == id {
				return k, true
			}
		}
	}
	return c.flushed.Get(memberKey{chat: chat, id: id})
}

// pendingFor returns the buffered album an edit refers to. c.mu must be held.
func (c *Coalescer) pendingFor(ev model.Event) (albumKey, *pendingAlbum) {
	var key albumKey
	switch ev.Kind {
	case model.EventEdit:
		key = albumKey{chat: ev.Message.Chat, group: ev.Message.MediaGroupID}
	case model.EventDelete:
		key = albumKey{chat: ev.Chat, group: ev.MediaGroupID}
	}
	if key.group == "" {
		return key, nil
	}
	return key, c.pending[key]
}

// Close flushes every buffered album and rejects further events.
func (c *Coalescer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for key, p := range c.pending {
		p.timer.Stop()
		c.emit(key, p)
	}
}

func (c *Coalescer) flush(key albumKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if !ok {
		return
	}
	c.emit(key, p)
}

// emit sends the merged album and its held events. c.mu must be held so
// that events for the same album cannot overtake the create.
func (c *Coalescer) emit(key albumKey, p *pendingAlbum) {
	delete(c.pending, key)
	for _, m := range p.members {
		c.flushed.Add(memberKey{chat: key.chat.ChatID, id: m.ID}, key)
	}

	ev := model.Event{ID: p.id, Kind: model.EventNew, Message: mergeAlbum(p.members)}
	if err := c.sink.Submit(p.ctx, ev); err != nil {
		c.log.Error("submit album", "chat_id", key.chat.ChatID, "media_group_id", key.group, "error", err)
	}
	for _, held := range p.held {
		if err := c.sink.Submit(p.ctx, held); err != nil {
			c.log.Error("submit held event", "event_id", held.ID, "kind", held.Kind, "error", err)
		}
	}
}

// mergeAlbum builds one message from album members ordered by id. The
// caption of the first captioned member becomes the album caption.
func mergeAlbum(members []model.Message) model.Message {
	sorted := slices.Clone(members)
	slices.SortStableFunc(sorted, func(a, b model.Message) int { return a.ID - b.ID })
	sorted = slices.CompactFunc(sorted, func(a, b model.Message) bool { return a.ID == b.ID })

	album := sorted[0]
	album.Text, album.Entities, album.Media = "", nil, nil
	album.Members = sorted
	for _, m := range sorted {
		album.Media = append(album.Media, m.Media...)
		if album.Text == "" && m.Text != "" {
			album.Text = m.Text
			album.Entities = m.Entities
		}
		album.Protected = album.Protected || m.Protected
	}
	return album
}
