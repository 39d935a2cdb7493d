// Package telegram connects the mirror engine to the Telegram Bot API.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"telemirror/internal/mirror"
	"telemirror/internal/model"
)

type telegramAPI interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
}

// Gateway publishes, edits and deletes mirrored copies and polls for
// channel activity.
type Gateway struct {
	api      telegramAPI
	log      *slog.Logger
	observed map[int64]bool

	pollTimeout int
	retryDelay  time.Duration
}

// New creates a Gateway with the given bot token. Only updates from the
// observed chats are turned into events.
func New(token string, observed []int64, log *slog.Logger) (*Gateway, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot api: %w", err)
	}
	return newGateway(api, observed, log), nil
}

func newGateway(api telegramAPI, observed []int64, log *slog.Logger) *Gateway {
	g := &Gateway{
		api:         api,
		log:         log,
		observed:    make(map[int64]bool, len(observed)),
		pollTimeout: 30,
		retryDelay:  3 * time.Second,
	}
	for _, id := range observed {
		g.observed[id] = true
	}
	return g
}

// Send publishes req.Message in req.Target and returns the new message ids.
func (g *Gateway) Send(ctx context.Context, req mirror.SendRequest) ([]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Mode == model.ModeForward {
		return g.forward(req)
	}

	parts := req.Message.Parts()
	if len(parts) > 1 {
		return g.sendAlbum(req)
	}
	if req.Message.IsAlbum() {
		single := parts[0]
		single.Text, single.Entities = req.Message.Text, req.Message.Entities
		req.Message = single
	}
	if len(req.Message.Media) == 0 {
		return g.sendText(req)
	}
	return g.copy(req)
}

func (g *Gateway) sendText(req mirror.SendRequest) ([]int, error) {
	params := targetParams(req.Target, req.ReplyTo)
	params["text"] = req.Message.Text
	if err := params.AddInterface("entities", entitiesOut(req.Message.Entities)); err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}

	var sent tgbotapi.Message
	if err := g.call("sendMessage", params, &sent); err != nil {
		return nil, err
	}
	return []int{sent.MessageID}, nil
}

func (g *Gateway) copy(req mirror.SendRequest) ([]int, error) {
	params := targetParams(req.Target, req.ReplyTo)
	params.AddNonZero64("from_chat_id", req.Original.Chat.ChatID)
	params.AddNonZero("message_id", req.Message.ID)
	params["caption"] = req.Message.Text
	if err := params.AddInterface("caption_entities", entitiesOut(req.Message.Entities)); err != nil {
		return nil, fmt.Errorf("encode entities: %w", err)
	}

	var id tgbotapi.MessageID
	if err := g.call("copyMessage", params, &id); err != nil {
		return nil, err
	}
	return []int{id.MessageID}, nil
}

// sendAlbum re-sends album media by file id so the filtered caption can be
// applied. The caption goes on the member that carried it in the source.
func (g *Gateway) sendAlbum(req mirror.SendRequest) ([]int, error) {
	parts := req.Message.Parts()
	captioned := 0
	for i, p := range parts {
		if p.Text != "" {
			captioned = i
			break
		}
	}

	media := make([]tgbotapi.BaseInputMedia, 0, len(parts))
	for i, p := range parts {
		if len(p.Media) == 0 || p.Media[0].Kind == model.MediaOther {
			return nil, fmt.Errorf("album member %d has no groupable media", p.ID)
		}
		item := tgbotapi.BaseInputMedia{
			Type:            string(p.Media[0].Kind),
			Media:           tgbotapi.FileID(p.Media[0].FileID),
			CaptionEntities: []tgbotapi.MessageEntity{},
		}
		if i == captioned {
			item.Caption = req.Message.Text
			item.CaptionEntities = entitiesOut(req.Message.Entities)
		}
		media = append(media, item)
	}

	params := targetParams(req.Target, req.ReplyTo)
	if err := params.AddInterface("media", media); err != nil {
		return nil, fmt.Errorf("encode media: %w", err)
	}

	var sent []tgbotapi.Message
	if err := g.call("sendMediaGroup", params, &sent); err != nil {
		return nil, err
	}
	ids := make([]int, len(sent))
	for i, m := range sent {
		ids[i] = m.MessageID
	}
	return ids, nil
}

func (g *Gateway) forward(req mirror.SendRequest) ([]int, error) {
	params := targetParams(req.Target, 0)
	params.AddNonZero64("from_chat_id", req.Original.Chat.ChatID)

	ids := req.Original.SourceIDs()
	if len(ids) == 1 {
		params.AddNonZero("message_id", ids[0])
		var sent tgbotapi.Message
		if err := g.call("forwardMessage", params, &sent); err != nil {
			return nil, err
		}
		return []int{sent.MessageID}, nil
	}

	if err := params.AddInterface("message_ids", ids); err != nil {
		return nil, fmt.Errorf("encode message ids: %w", err)
	}
	var sent []tgbotapi.MessageID
	if err := g.call("forwardMessages", params, &sent); err != nil {
		return nil, err
	}
	out := make([]int, len(sent))
	for i, m := range sent {
		out[i] = m.MessageID
	}
	return out, nil
}

// Edit replaces the text, or the caption for media messages, of a copy.
func (g *Gateway) Edit(ctx context.Context, target model.ChannelRef, messageID int, msg model.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", target.ChatID)
	params.AddNonZero("message_id", messageID)

	method, textKey, entitiesKey := "editMessageText", "text", "entities"
	if len(msg.Media) > 0 {
		method, textKey, entitiesKey = "editMessageCaption", "caption", "caption_entities"
	}
	params[textKey] = msg.Text
	if err := params.AddInterface(entitiesKey, entitiesOut(msg.Entities)); err != nil {
		return fmt.Errorf("encode entities: %w", err)
	}

	err := g.call(method, params, nil)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.NotModified() {
		return nil
	}
	return err
}

// Delete removes copies from target.
func (g *Gateway) Delete(ctx context.Context, target model.ChannelRef, ids []int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", target.ChatID)

	if len(ids) == 1 {
		params.AddNonZero("message_id", ids[0])
		return g.call("deleteMessage", params, nil)
	}
	if err := params.AddInterface("message_ids", ids); err != nil {
		return fmt.Errorf("encode message ids: %w", err)
	}
	return g.call("deleteMessages", params, nil)
}

// call performs a Bot API request and decodes its result into out.
func (g *Gateway) call(method string, params tgbotapi.Params, out any) error {
	resp, err := g.api.MakeRequest(method, params)
	if err != nil {
		return wrapError(method, err)
	}
	if out == nil || resp == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// targetParams sets the chat, topic and reply parameters shared by every
// publishing method.
func targetParams(target model.ChannelRef, replyTo int) tgbotapi.Params {
	params := tgbotapi.Params{}
	params.AddNonZero64("chat_id", target.ChatID)
	if target.TopicID != model.GeneralTopicID {
		params.AddNonZero("message_thread_id", target.TopicID)
	}
	if replyTo != 0 {
		params.AddNonZero("reply_to_message_id", replyTo)
		params.AddBool("allow_sending_without_reply", true)
	}
	return params
}

func entitiesOut(in []model.Entity) []tgbotapi.MessageEntity {
	out := make([]tgbotapi.MessageEntity, 0, len(in))
	for _, e := range in {
		ent := tgbotapi.MessageEntity{Type: e.Type, Offset: e.Offset, Length: e.Length, URL: e.URL}
		if e.Type == model.EntityTextMention {
			if e.UserID == 0 {
				continue
			}
			ent.User = &tgbotapi.User{ID: e.UserID}
		}
		out = append(out, ent)
	}
	return out
}

func entitiesIn(in []tgbotapi.MessageEntity) []model.Entity {
	if len(in) == 0 {
		return nil
	}
	out := make([]model.Entity, len(in))
	for i, e := range in {
		out[i] = model.Entity{Type: e.Type, Offset: e.Offset, Length: e.Length, URL: e.URL}
		if e.User != nil {
			out[i].UserID = e.User.ID
		}
	}
	return out
}

// APIError is a failed Bot API call.
type APIError struct {
	Method      string
	Code        int
	Description string
	Retry       time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %d %s", e.Method, e.Code, e.Description)
}

// RetryAfter returns the flood-wait delay the server asked for.
func (e *APIError) RetryAfter() time.Duration {
	return e.Retry
}

// NotModified reports whether an edit was rejected because nothing changed.
func (e *APIError) NotModified() bool {
	return e.Code == 400 && strings.Contains(e.Description, "message is not modified")
}

func wrapError(method string, err error) error {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return &APIError{
			Method:      method,
			Code:        tgErr.Code,
			Description: tgErr.Message,
			Retry:       time.Duration(tgErr.RetryAfter) * time.Second,
		}
	}
	return fmt.Errorf("%s: %w", method, err)
}
