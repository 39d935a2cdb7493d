// Package mirror implements the mirroring engine: routing, filtering,
// dispatch and correlation bookkeeping for channel activity.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"telemirror/internal/filter"
	"telemirror/internal/mapping"
	"telemirror/internal/model"
	"telemirror/internal/storage"
)

// Limiter paces outbound gateway calls.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// Engine mirrors events to their targets and keeps the correlation store
// in sync.
type Engine struct {
	table   *mapping.Table
	store   storage.Store
	gw      Gateway
	limiter Limiter
	log     *slog.Logger
	now     func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(table *mapping.Table, store storage.Store, gw Gateway, limiter Limiter, log *slog.Logger) *Engine {
	return &Engine{
		table:   table,
		store:   store,
		gw:      gw,
		limiter: limiter,
		log:     log,
		now:     storeClock,
	}
}

// storeClock returns the current time at the precision every store keeps.
func storeClock() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// Handle processes a single event. Gateway failures are logged per target;
// only store failures are returned.
func (e *Engine) Handle(ctx context.Context, ev model.Event) error {
	switch ev.Kind {
	case model.EventNew:
		return e.handleNew(ctx, ev)
	case model.EventEdit:
		return e.handleEdit(ctx, ev)
	case model.EventDelete:
		return e.handleDelete(ctx, ev)
	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
}

func (e *Engine) handleNew(ctx context.Context, ev model.Event) error {
	msg := ev.Message
	if msg.AutoForwardOf != nil {
		return e.handleAutoForward(ctx, ev)
	}

	_, err := e.store.Get(ctx, msg.Key())
	switch {
	case err == nil:
		e.log.Debug("message already mirrored", "event_id", ev.ID, "key", msg.Key())
		return nil
	case !errors.Is(err, storage.ErrNotFound):
		return &StoreError{Op: "get", Key: msg.Key(), Err: err}
	}
	return e.mirrorNew(ctx, ev)
}

// mirrorNew fans msg out to every bound target and records the copies.
func (e *Engine) mirrorNew(ctx context.Context, ev model.Event) error {
	msg := ev.Message
	log := e.log.With("event_id", ev.ID, "chat_id", msg.Chat.ChatID, "message_id", msg.ID)

	bindings := e.table.Resolve(msg.Chat)
	if len(bindings) == 0 {
		log.Debug("no targets for source", "source", msg.Chat)
		return nil
	}
	if msg.Protected {
		log.Info("skipping protected content")
		return nil
	}

	replies, err := e.replyTargets(ctx, msg)
	if err != nil {
		return err
	}

	var mirrors []model.MirrorRef
	for _, b := range bindings {
		replyTo, hasParent := replies[b.Target]
		if b.Comments && !hasParent {
			log.Debug("comment parent not mirrored", "target", b.Target, "reply_to", msg.ReplyToID)
			continue
		}

		res := filter.Apply(b.Filters, msg, filterContext(msg, b))
		if res.Skipped {
			log.Debug("filtered out", "target", b.Target, "reason", res.Reason)
			continue
		}

		ids, err := e.send(ctx, SendRequest{
			Target:   b.Target,
			Mode:     b.Mode,
			Message:  res.Message,
			Original: msg,
			ReplyTo:  replyTo,
		})
		if err != nil {
			e.logDispatch(log, err)
			continue
		}
		mirrors = append(mirrors, mirrorRefs(b.Target, msg, ids)...)
		log.Debug("mirrored", "target", b.Target, "ids", ids)
	}

	if len(mirrors) == 0 {
		return nil
	}
	now := e.now()
	rec := &model.CorrelationRecord{Key: msg.Key(), Mirrors: mirrors, CreatedAt: now, UpdatedAt: now}
	if err := e.store.Put(ctx, rec); err != nil {
		return &StoreError{Op: "put", Key: rec.Key, Err: err}
	}
	return nil
}

func (e *Engine) handleEdit(ctx context.Context, ev model.Event) error {
	msg := ev.Message
	if msg.AutoForwardOf != nil {
		return nil
	}
	log := e.log.With("event_id", ev.ID, "chat_id", msg.Chat.ChatID, "message_id", msg.ID)

	rec, err := e.store.Get(ctx, msg.Key())
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("edit of unknown message, mirroring as new")
		return e.mirrorNew(ctx, ev)
	}
	if err != nil {
		return &StoreError{Op: "get", Key: msg.Key(), Err: err}
	}
	if msg.Protected {
		log.Info("skipping protected content")
		return nil
	}

	edited := 0
	for _, target := range rec.Targets() {
		b, ok := e.table.BindingFor(msg.Chat, target)
		switch {
		case !ok:
			log.Debug("target no longer bound", "target", target)
			continue
		case b.DisableEdit:
			continue
		case b.Mode == model.ModeForward:
			continue
		}

		res := filter.Apply(b.Filters, msg, filterContext(msg, b))
		if res.Skipped {
			log.Debug("edit filtered out", "target", target, "reason", res.Reason)
			continue
		}

		for _, m := range rec.MirrorsIn(target) {
			if m.SourceID != msg.ID {
				continue
			}
			if err := e.edit(ctx, target, m.MessageID, res.Message); err != nil {
				e.logDispatch(log, err)
				continue
			}
			edited++
		}
	}

	if edited == 0 {
		return nil
	}
	rec.UpdatedAt = e.now()
	if err := e.store.Put(ctx, rec); err != nil {
		return &StoreError{Op: "put", Key: rec.Key, Err: err}
	}
	return nil
}

func (e *Engine) handleDelete(ctx context.Context, ev model.Event) error {
	log := e.log.With("event_id", ev.ID, "chat_id", ev.Chat.ChatID)
	if ev.MediaGroupID != "" {
		return e.deleteMembers(ctx, log, model.CorrelationKey{Source: ev.Chat, Group: model.AlbumKey(ev.MediaGroupID)}, ev.IDs)
	}

	var firstErr error
	for _, id := range ev.IDs {
		if err := e.deleteID(ctx, log, ev.Chat, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// deleteID removes the copies of one source message. Album members and
// messages recorded under another topic are found through Locate.
func (e *Engine) deleteID(ctx context.Context, log *slog.Logger, chat model.ChannelRef, id int) error {
	key := model.CorrelationKey{Source: chat, Group: strconv.Itoa(id)}
	rec, err := e.store.Get(ctx, key)
	if err == nil {
		return e.deleteRecord(ctx, log, rec)
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return &StoreError{Op: "get", Key: key, Err: err}
	}

	found, err := e.store.Locate(ctx, chat.ChatID, id)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("delete of unknown message", "message_id", id)
		return nil
	}
	if err != nil {
		return &StoreError{Op: "locate", Key: key, Err: err}
	}
	if model.IsAlbumKey(found.Group) {
		return e.deleteMembers(ctx, log, found, []int{id})
	}
	if found.Group != key.Group {
		log.Debug("delete of unknown message", "message_id", id)
		return nil
	}
	rec, err = e.store.Get(ctx, found)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return &StoreError{Op: "get", Key: found, Err: err}
	}
	return e.deleteRecord(ctx, log, rec)
}

// deleteMembers removes the copies of the given album members. No ids, or
// every remaining member, removes the whole album.
func (e *Engine) deleteMembers(ctx context.Context, log *slog.Logger, key model.CorrelationKey, ids []int) error {
	rec, err := e.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		log.Debug("delete of unknown album", "key", key)
		return nil
	}
	if err != nil {
		return &StoreError{Op: "get", Key: key, Err: err}
	}

	var gone, kept []model.MirrorRef
	for _, m := range rec.Mirrors {
		if len(ids) == 0 || slices.Contains(ids, m.SourceID) {
			gone = append(gone, m)
		} else {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return e.deleteRecord(ctx, log, rec)
	}
	if len(gone) == 0 {
		return nil
	}

	e.deleteCopies(ctx, log, key.Source, &model.CorrelationRecord{Key: key, Mirrors: gone})
	rec.Mirrors = kept
	rec.UpdatedAt = e.now()
	if err := e.store.Put(ctx, rec); err != nil {
		return &StoreError{Op: "put", Key: key, Err: err}
	}
	return nil
}

// deleteRecord removes the copies of one source group and forgets it. The
// record is removed even when some gateway deletes fail.
func (e *Engine) deleteRecord(ctx context.Context, log *slog.Logger, rec *model.CorrelationRecord) error {
	key := rec.Key
	log = log.With("key", key)

	root := rec.Thread != nil && e.table.IsSourceDiscussion(key.Source.ChatID)
	if !root {
		e.deleteCopies(ctx, log, key.Source, rec)
	}

	keys := []model.CorrelationKey{key}
	if rec.Thread != nil && !root {
		keys = append(keys, model.CorrelationKey{Source: rec.Thread.Chat, Group: strconv.Itoa(rec.Thread.ID)})
		for _, m := range rec.Mirrors {
			keys = append(keys, model.CorrelationKey{Source: m.Target, Group: model.ThreadAnchorKey(m.MessageID)})
		}
	}
	var firstErr error
	for _, k := range keys {
		if err := e.store.Delete(ctx, k); err != nil && firstErr == nil {
			firstErr = &StoreError{Op: "delete", Key: k, Err: err}
		}
	}
	return firstErr
}

// deleteCopies deletes the mirrors of rec in every target that allows it.
func (e *Engine) deleteCopies(ctx context.Context, log *slog.Logger, source model.ChannelRef, rec *model.CorrelationRecord) {
	for _, target := range rec.Targets() {
		b, ok := e.table.BindingFor(source, target)
		if !ok || b.DisableDelete {
			continue
		}
		var ids []int
		for _, m := range rec.MirrorsIn(target) {
			ids = append(ids, m.MessageID)
		}
		if err := e.delete(ctx, target, ids); err != nil {
			e.logDispatch(log, err)
		}
	}
}

func (e *Engine) send(ctx context.Context, req SendRequest) ([]int, error) {
	if err := e.limiter.Acquire(ctx); err != nil {
		return nil, &DispatchError{Op: "send", Target: req.Target, Err: err}
	}
	ids, err := e.gw.Send(ctx, req)
	if err != nil {
		return nil, &DispatchError{Op: "send", Target: req.Target, Err: err}
	}
	return ids, nil
}

func (e *Engine) edit(ctx context.Context, target model.ChannelRef, id int, msg model.Message) error {
	if err := e.limiter.Acquire(ctx); err != nil {
		return &DispatchError{Op: "edit", Target: target, Err: err}
	}
	if err := e.gw.Edit(ctx, target, id, msg); err != nil {
		return &DispatchError{Op: "edit", Target: target, Err: err}
	}
	return nil
}

func (e *Engine) delete(ctx context.Context, target model.ChannelRef, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	if err := e.limiter.Acquire(ctx); err != nil {
		return &DispatchError{Op: "delete", Target: target, Err: err}
	}
	if err := e.gw.Delete(ctx, target, ids); err != nil {
		return &DispatchError{Op: "delete", Target: target, Err: err}
	}
	return nil
}

func (e *Engine) logDispatch(log *slog.Logger, err error) {
	var de *DispatchError
	if errors.As(err, &de) {
		log = log.With("op", de.Op, "target", de.Target)
	}
	if wait, ok := retryAfter(err); ok {
		log.Warn("dispatch rate limited", "retry_after", wait, "error", err)
		return
	}
	log.Warn("dispatch failed", "error", err)
}

// replyTargets maps each target to the copy of the message msg replies to.
func (e *Engine) replyTargets(ctx context.Context, msg model.Message) (map[model.ChannelRef]int, error) {
	if msg.ReplyToID == 0 {
		return nil, nil
	}
	key := model.CorrelationKey{Source: msg.Chat, Group: strconv.Itoa(msg.ReplyToID)}
	parent, err := e.store.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}

	if parent.Thread != nil && e.table.IsSourceDiscussion(msg.Chat.ChatID) {
		if parent, err = e.refreshRoot(ctx, parent); err != nil {
			return nil, err
		}
	}

	out := make(map[model.ChannelRef]int)
	for _, m := range parent.Mirrors {
		if _, ok := out[m.Target]; !ok || m.SourceID == msg.ReplyToID {
			out[m.Target] = m.MessageID
		}
	}
	return out, nil
}

func filterContext(msg model.Message, b mapping.Binding) filter.Context {
	name := b.SourceTitle
	if name == "" {
		name = msg.ChatTitle
	}
	if name == "" {
		name = msg.ChatUsername
	}
	return filter.Context{ChannelName: name, Permalink: msg.Permalink(), Author: msg.Author}
}

// mirrorRefs pairs the ids returned by the gateway with the source parts.
func mirrorRefs(target model.ChannelRef, msg model.Message, ids []int) []model.MirrorRef {
	parts := msg.Parts()
	refs := make([]model.MirrorRef, 0, len(ids))
	for i, id := range ids {
		src := parts[min(i, len(parts)-1)].ID
		refs = append(refs, model.MirrorRef{Target: target, MessageID: id, SourceID: src})
	}
	return refs
}
