package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/gotd/td/session"
	gotd "github.com/gotd/td/telegram"
	"github.com/gotd/td/tg"

	"telemirror/internal/mirror"
	"telemirror/internal/model"
)

// channelIDOffset turns an MTProto channel id into a Bot API chat id.
const channelIDOffset = -1000000000000

// DeletionSource logs the bot in over MTProto and turns channel message
// deletions into delete events. The Bot API never reports deletions.
type DeletionSource struct {
	client *gotd.Client
	token  string
	feed   *deletionFeed
	log    *slog.Logger
}

// DeletionConfig holds the MTProto application credentials.
type DeletionConfig struct {
	AppID       int
	AppHash     string
	SessionPath string
}

// NewDeletionSource prepares an MTProto client for the bot token. Only
// deletions in the observed chats are reported.
func NewDeletionSource(cfg DeletionConfig, token string, observed []int64, log *slog.Logger) (*DeletionSource, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	feed := newDeletionFeed(observed, log)
	d := tg.NewUpdateDispatcher()
	d.OnDeleteChannelMessages(feed.onDeleteChannelMessages)

	client := gotd.NewClient(cfg.AppID, cfg.AppHash, gotd.Options{
		SessionStorage: &session.FileStorage{Path: cfg.SessionPath},
		UpdateHandler:  d,
	})
	return &DeletionSource{client: client, token: token, feed: feed, log: log}, nil
}

// Run connects, logs in when the stored session is not authorized and
// submits deletions to sink until ctx is cancelled.
func (s *DeletionSource) Run(ctx context.Context, sink mirror.Sink) error {
	s.feed.sink = sink
	err := s.client.Run(ctx, func(ctx context.Context) error {
		status, err := s.client.Auth().Status(ctx)
		if err != nil {
			return fmt.Errorf("auth status: %w", err)
		}
		if !status.Authorized {
			if _, err := s.client.Auth().Bot(ctx, s.token); err != nil {
				return fmt.Errorf("bot login: %w", err)
			}
		}
		// Updates only start flowing after the first state request.
		if _, err := s.client.API().UpdatesGetState(ctx); err != nil {
			return fmt.Errorf("get updates state: %w", err)
		}
		s.log.Info("deletion feed started")
		<-ctx.Done()
		return nil
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("mtproto client: %w", err)
	}
	return nil
}

type deletionFeed struct {
	observed map[int64]bool
	log      *slog.Logger
	sink     mirror.Sink
}

func newDeletionFeed(observed []int64, log *slog.Logger) *deletionFeed {
	f := &deletionFeed{observed: make(map[int64]bool, len(observed)), log: log}
	for _, id := range observed {
		f.observed[id] = true
	}
	return f
}

func (f *deletionFeed) onDeleteChannelMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	chat := channelIDOffset - u.ChannelID
	if !f.observed[chat] || len(u.Messages) == 0 {
		return nil
	}
	ev := model.Event{Kind: model.EventDelete, Chat: model.Chat(chat), IDs: slices.Clone(u.Messages)}
	if err := f.sink.Submit(ctx, ev); err != nil {
		return fmt.Errorf("submit deletion in %d: %w", chat, err)
	}
	f.log.Debug("deletion received", "chat_id", chat, "count", len(u.Messages))
	return nil
}
