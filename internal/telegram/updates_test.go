package telegram

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"telemirror/internal/model"
)

func decodeUpdate(t *testing.T, raw string) update {
	t.Helper()
	var u update
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("decode update: %v", err)
	}
	return u
}

func TestToEvent(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		want   model.Event
		wantOK bool
	}{
		{
			name: "channel post",
			raw: `{"update_id": 1, "channel_post": {
				"message_id": 10, "date": 1700000000,
				"chat": {"id": -100, "type": "channel", "title": "News", "username": "news"},
				"author_signature": "Ann",
				"text": "hi https://x.io",
				"entities": [{"type": "url", "offset": 3, "length": 12}]
			}}`,
			want: model.Event{Kind: model.EventNew, Message: model.Message{
				Chat:         model.Chat(-100),
				ID:           10,
				Text:         "hi https://x.io",
				Entities:     []model.Entity{{Type: "url", Offset: 3, Length: 12}},
				Author:       "Ann",
				ChatTitle:    "News",
				ChatUsername: "news",
				Date:         time.Unix(1700000000, 0).UTC(),
			}},
			wantOK: true,
		},
		{
			name: "edited photo with caption",
			raw: `{"update_id": 2, "edited_channel_post": {
				"message_id": 11, "date": 0, "edit_date": 5,
				"chat": {"id": -100, "type": "channel"},
				"media_group_id": "g7",
				"has_protected_content": true,
				"photo": [{"file_id": "small", "file_unique_id": "s"}, {"file_id": "big", "file_unique_id": "b"}],
				"caption": "look",
				"caption_entities": [{"type": "bold", "offset": 0, "length": 4}]
			}}`,
			want: model.Event{Kind: model.EventEdit, Message: model.Message{
				Chat:         model.Chat(-100),
				ID:           11,
				MediaGroupID: "g7",
				Text:         "look",
				Entities:     []model.Entity{{Type: "bold", Offset: 0, Length: 4}},
				Media:        []model.Media{{Kind: model.MediaPhoto, FileID: "big"}},
				Edited:       true,
				Protected:    true,
				Date:         time.Unix(0, 0).UTC(),
			}},
			wantOK: true,
		},
		{
			name: "topic message replying to its topic root",
			raw: `{"update_id": 3, "message": {
				"message_id": 30, "date": 0,
				"chat": {"id": -300, "type": "supergroup", "title": "Forum"},
				"from": {"id": 9, "first_name": "Bo", "username": "bo_bo"},
				"message_thread_id": 25, "is_topic_message": true,
				"reply_to_message": {"message_id": 25, "date": 0, "chat": {"id": -300}},
				"text": "in topic"
			}}`,
			want: model.Event{Kind: model.EventNew, Message: model.Message{
				Chat:      model.ChannelRef{ChatID: -300, TopicID: 25},
				ID:        30,
				Text:      "in topic",
				Author:    "@bo_bo",
				ChatTitle: "Forum",
				Date:      time.Unix(0, 0).UTC(),
			}},
			wantOK: true,
		},
		{
			name: "reply inside a topic",
			raw: `{"update_id": 4, "message": {
				"message_id": 31, "date": 0,
				"chat": {"id": -300, "type": "supergroup"},
				"message_thread_id": 25, "is_topic_message": true,
				"reply_to_message": {"message_id": 27, "date": 0, "chat": {"id": -300}},
				"text": "reply"
			}}`,
			want: model.Event{Kind: model.EventNew, Message: model.Message{
				Chat:      model.ChannelRef{ChatID: -300, TopicID: 25},
				ID:        31,
				Text:      "reply",
				ReplyToID: 27,
				Date:      time.Unix(0, 0).UTC(),
			}},
			wantOK: true,
		},
		{
			name: "automatic forward into a discussion group",
			raw: `{"update_id": 5, "message": {
				"message_id": 40, "date": 0,
				"chat": {"id": -110, "type": "supergroup"},
				"sender_chat": {"id": -100, "type": "channel", "title": "News"},
				"is_automatic_forward": true,
				"forward_origin": {"type": "channel", "chat": {"id": -100, "type": "channel"}, "message_id": 10, "date": 0},
				"text": "hi"
			}}`,
			want: model.Event{Kind: model.EventNew, Message: model.Message{
				Chat:          model.Chat(-110),
				ID:            40,
				Text:          "hi",
				Author:        "News",
				AutoForwardOf: &model.MessageRef{Chat: model.Chat(-100), ID: 10},
				Date:          time.Unix(0, 0).UTC(),
			}},
			wantOK: true,
		},
		{
			name: "automatic forward with legacy fields",
			raw: `{"update_id": 6, "message": {
				"message_id": 41, "date": 0,
				"chat": {"id": -110, "type": "supergroup"},
				"is_automatic_forward": true,
				"forward_from_chat": {"id": -100, "type": "channel"},
				"forward_from_message_id": 11,
				"text": "hey"
			}}`,
			want: model.Event{Kind: model.EventNew, Message: model.Message{
				Chat:          model.Chat(-110),
				ID:            41,
				Text:          "hey",
				AutoForwardOf: &model.MessageRef{Chat: model.Chat(-100), ID: 11},
				Date:          time.Unix(0, 0).UTC(),
			}},
			wantOK: true,
		},
		{
			name: "unobserved chat",
			raw:  `{"update_id": 7, "channel_post": {"message_id": 1, "date": 0, "chat": {"id": -999, "type": "channel"}, "text": "x"}}`,
		},
		{
			name: "unsupported update",
			raw:  `{"update_id": 8}`,
		},
	}

	g := newTestGateway(newMockAPI(), -100, -110, -300)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := g.toEvent(decodeUpdate(t, tt.raw))
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("event mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

type sinkFunc func(ctx context.Context, ev model.Event) error

func (f sinkFunc) Submit(ctx context.Context, ev model.Event) error {
	return f(ctx, ev)
}

func TestRunPollsAndSubmits(t *testing.T) {
	api := newMockAPI()
	api.respond("getUpdates", `[
		{"update_id": 100, "channel_post": {"message_id": 1, "date": 0, "chat": {"id": -100, "type": "channel"}, "text": "one"}},
		{"update_id": 101, "channel_post": {"message_id": 1, "date": 0, "chat": {"id": -999, "type": "channel"}, "text": "ignored"}}
	]`)
	api.respond("getUpdates", `[
		{"update_id": 102, "edited_channel_post": {"message_id": 1, "date": 0, "edit_date": 1, "chat": {"id": -100, "type": "channel"}, "text": "two"}}
	]`)
	g := newTestGateway(api, -100)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var texts []string
	sink := sinkFunc(func(_ context.Context, ev model.Event) error {
		mu.Lock()
		defer mu.Unlock()
		texts = append(texts, string(ev.Kind)+":"+ev.Message.Text)
		if len(texts) == 2 {
			cancel()
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Run(ctx, sink) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]string{"new:one", "edit:two"}, texts); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	api.mu.Lock()
	defer api.mu.Unlock()
	if got := api.requests[1].Params["offset"]; got != "102" {
		t.Errorf("second poll offset = %q, want 102", got)
	}
	if got := api.requests[0].Params["allowed_updates"]; got != `["message","edited_message","channel_post","edited_channel_post"]` {
		t.Errorf("allowed_updates = %q", got)
	}
}
