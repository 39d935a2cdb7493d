package mirror

import (
	"context"
	"errors"
	"strconv"

	"telemirror/internal/model"
	"telemirror/internal/storage"
)

// Discussion threads are linked through three kinds of records:
//
//   - the post record (src, P) whose Thread points at the source root;
//   - the anchor record (T, "thread:P'") holding the automatic forward of
//     the mirrored post P' in the target discussion group;
//   - the root record (srcDisc, A) whose mirrors are the target anchors and
//     whose Thread points back at the post.
//
// Comments reply to the root or to earlier comments and are recorded like
// regular messages.

func (e *Engine) handleAutoForward(ctx context.Context, ev model.Event) error {
	msg := ev.Message
	chat := msg.Chat.ChatID
	if e.table.IsTargetDiscussion(chat) {
		if err := e.recordAnchor(ctx, msg); err != nil {
			return err
		}
	}
	if e.table.IsSourceDiscussion(chat) {
		return e.recordRoot(ctx, ev)
	}
	return nil
}

func (e *Engine) recordAnchor(ctx context.Context, msg model.Message) error {
	post := msg.AutoForwardOf
	now := e.now()
	rec := &model.CorrelationRecord{
		Key: model.CorrelationKey{Source: post.Chat, Group: model.ThreadAnchorKey(post.ID)},
		Mirrors: []model.MirrorRef{
			{Target: msg.Chat, MessageID: msg.ID, SourceID: post.ID},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Put(ctx, rec); err != nil {
		return &StoreError{Op: "put", Key: rec.Key, Err: err}
	}
	return nil
}

func (e *Engine) recordRoot(ctx context.Context, ev model.Event) error {
	msg := ev.Message
	postKey := model.CorrelationKey{Source: msg.AutoForwardOf.Chat, Group: strconv.Itoa(msg.AutoForwardOf.ID)}
	post, err := e.store.Get(ctx, postKey)
	if errors.Is(err, storage.ErrNotFound) {
		e.log.Debug("discussion root of unmirrored post", "event_id", ev.ID, "post", postKey)
		return nil
	}
	if err != nil {
		return &StoreError{Op: "get", Key: postKey, Err: err}
	}

	mirrors, err := e.rootMirrors(ctx, post, msg.ID)
	if err != nil {
		return err
	}
	now := e.now()
	root := &model.CorrelationRecord{
		Key:       msg.Key(),
		Mirrors:   mirrors,
		Thread:    &model.MessageRef{Chat: post.Key.Source, ID: msg.AutoForwardOf.ID},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.Put(ctx, root); err != nil {
		return &StoreError{Op: "put", Key: root.Key, Err: err}
	}

	post.Thread = &model.MessageRef{Chat: msg.Chat, ID: msg.ID}
	post.UpdatedAt = now
	if err := e.store.Put(ctx, post); err != nil {
		return &StoreError{Op: "put", Key: post.Key, Err: err}
	}
	return nil
}

// rootMirrors collects the anchors of every mirrored copy of post.
func (e *Engine) rootMirrors(ctx context.Context, post *model.CorrelationRecord, rootID int) ([]model.MirrorRef, error) {
	var out []model.MirrorRef
	seen := make(map[model.ChannelRef]bool)
	for _, m := range post.Mirrors {
		key := model.CorrelationKey{Source: m.Target, Group: model.ThreadAnchorKey(m.MessageID)}
		anchor, err := e.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, &StoreError{Op: "get", Key: key, Err: err}
		}
		for _, a := range anchor.Mirrors {
			if seen[a.Target] {
				continue
			}
			seen[a.Target] = true
			out = append(out, model.MirrorRef{Target: a.Target, MessageID: a.MessageID, SourceID: rootID})
		}
	}
	return out, nil
}

// refreshRoot picks up anchors recorded after the root was first seen.
func (e *Engine) refreshRoot(ctx context.Context, root *model.CorrelationRecord) (*model.CorrelationRecord, error) {
	postKey := model.CorrelationKey{Source: root.Thread.Chat, Group: strconv.Itoa(root.Thread.ID)}
	post, err := e.store.Get(ctx, postKey)
	if errors.Is(err, storage.ErrNotFound) {
		return root, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Key: postKey, Err: err}
	}

	rootID, err := strconv.Atoi(root.Key.Group)
	if err != nil {
		return root, nil
	}
	mirrors, err := e.rootMirrors(ctx, post, rootID)
	if err != nil {
		return nil, err
	}
	if len(mirrors) <= len(root.Mirrors) {
		return root, nil
	}

	root.Mirrors = mirrors
	root.UpdatedAt = e.now()
	if err := e.store.Put(ctx, root); err != nil {
		return nil, &StoreError{Op: "put", Key: root.Key, Err: err}
	}
	return root, nil
}
