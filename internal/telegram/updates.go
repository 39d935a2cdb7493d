package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telemirror/internal/mirror"
	"telemirror/internal/model"
)

var allowedUpdates = []string{"message", "edited_message", "channel_post", "edited_channel_post"}

// update carries the fields of a Bot API update that the library does not
// decode yet.
type update struct {
	UpdateID          int      `json:"update_id"`
	Message           *message `json:"message,omitempty"`
	EditedMessage     *message `json:"edited_message,omitempty"`
	ChannelPost       *message `json:"channel_post,omitempty"`
	EditedChannelPost *message `json:"edited_channel_post,omitempty"`
}

type message struct {
	tgbotapi.Message
	MessageThreadID int            `json:"message_thread_id,omitempty"`
	IsTopicMessage  bool           `json:"is_topic_message,omitempty"`
	ForwardOrigin   *forwardOrigin `json:"forward_origin,omitempty"`
}

type forwardOrigin struct {
	Type      string         `json:"type"`
	Chat      *tgbotapi.Chat `json:"chat,omitempty"`
	MessageID int            `json:"message_id,omitempty"`
}

// Run long-polls the Bot API and submits events from observed chats to
// sink until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context, sink mirror.Sink) error {
	offset := 0
	for {
		updates, err := g.poll(ctx, offset)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			g.log.Error("get updates", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(g.retryDelay):
			}
			continue
		}

		for _, u := range updates {
			offset = u.UpdateID + 1
			ev, ok := g.toEvent(u)
			if !ok {
				continue
			}
			if err := sink.Submit(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("submit update %d: %w", u.UpdateID, err)
			}
		}
	}
}

type pollResult struct {
	updates []update
	err     error
}

// poll runs one getUpdates request. It returns early when ctx is cancelled;
// unacknowledged updates are delivered again on the next start.
func (g *Gateway) poll(ctx context.Context, offset int) ([]update, error) {
	params := tgbotapi.Params{}
	params.AddNonZero("offset", offset)
	params.AddNonZero("timeout", g.pollTimeout)
	if err := params.AddInterface("allowed_updates", allowedUpdates); err != nil {
		return nil, fmt.Errorf("encode allowed updates: %w", err)
	}

	done := make(chan pollResult, 1)
	go func() {
		var updates []update
		err := g.call("getUpdates", params, &updates)
		done <- pollResult{updates: updates, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.updates, res.err
	}
}

func (g *Gateway) toEvent(u update) (model.Event, bool) {
	var (
		m    *message
		kind model.EventKind
	)
	switch {
	case u.ChannelPost != nil:
		m, kind = u.ChannelPost, model.EventNew
	case u.Message != nil:
		m, kind = u.Message, model.EventNew
	case u.EditedChannelPost != nil:
		m, kind = u.EditedChannelPost, model.EventEdit
	case u.EditedMessage != nil:
		m, kind = u.EditedMessage, model.EventEdit
	default:
		return model.Event{}, false
	}
	if m.Chat == nil || !g.observed[m.Chat.ID] {
		return model.Event{}, false
	}
	return model.Event{Kind: kind, Message: toMessage(m)}, true
}

func toMessage(m *message) model.Message {
	chat := model.Chat(m.Chat.ID)
	if m.IsTopicMessage {
		chat.TopicID = m.MessageThreadID
	}

	msg := model.Message{
		Chat:         chat,
		ID:           m.MessageID,
		MediaGroupID: m.MediaGroupID,
		Text:         m.Text,
		Entities:     entitiesIn(m.Entities),
		Media:        mediaOf(&m.Message),
		Edited:       m.EditDate != 0,
		Protected:    m.HasProtectedContent,
		Author:       authorOf(&m.Message),
		ChatTitle:    m.Chat.Title,
		ChatUsername: m.Chat.UserName,
		Date:         time.Unix(int64(m.Date), 0).UTC(),
	}
	if msg.Text == "" {
		msg.Text = m.Caption
		msg.Entities = entitiesIn(m.CaptionEntities)
	}

	// In forums every message replies to its topic's first message.
	if r := m.ReplyToMessage; r != nil && !(m.IsTopicMessage && r.MessageID == m.MessageThreadID) {
		msg.ReplyToID = r.MessageID
	}

	if m.IsAutomaticForward {
		switch {
		case m.ForwardOrigin != nil && m.ForwardOrigin.Chat != nil:
			msg.AutoForwardOf = &model.MessageRef{Chat: model.Chat(m.ForwardOrigin.Chat.ID), ID: m.ForwardOrigin.MessageID}
		case m.ForwardFromChat != nil:
			msg.AutoForwardOf = &model.MessageRef{Chat: model.Chat(m.ForwardFromChat.ID), ID: m.ForwardFromMessageID}
		}
	}
	return msg
}

func mediaOf(m *tgbotapi.Message) []model.Media {
	switch {
	case len(m.Photo) > 0:
		return []model.Media{{Kind: model.MediaPhoto, FileID: m.Photo[len(m.Photo)-1].FileID}}
	case m.Animation != nil:
		return []model.Media{{Kind: model.MediaAnimation, FileID: m.Animation.FileID}}
	case m.Video != nil:
		return []model.Media{{Kind: model.MediaVideo, FileID: m.Video.FileID}}
	case m.Audio != nil:
		return []model.Media{{Kind: model.MediaAudio, FileID: m.Audio.FileID}}
	case m.Document != nil:
		return []model.Media{{Kind: model.MediaDocument, FileID: m.Document.FileID}}
	case m.Voice != nil:
		return []model.Media{{Kind: model.MediaOther, FileID: m.Voice.FileID}}
	case m.VideoNote != nil:
		return []model.Media{{Kind: model.MediaOther, FileID: m.VideoNote.FileID}}
	case m.Sticker != nil:
		return []model.Media{{Kind: model.MediaOther, FileID: m.Sticker.FileID}}
	}
	return nil
}

func authorOf(m *tgbotapi.Message) string {
	switch {
	case m.AuthorSignature != "":
		return m.AuthorSignature
	case m.From != nil && m.From.UserName != "":
		return "@" + m.From.UserName
	case m.From != nil:
		return strings.TrimSpace(m.From.FirstName + " " + m.From.LastName)
	case m.SenderChat != nil:
		return m.SenderChat.Title
	}
	return ""
}
