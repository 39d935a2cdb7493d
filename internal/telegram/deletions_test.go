package telegram

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/gotd/td/tg"

	"telemirror/internal/model"
)

func TestDeletionFeed(t *testing.T) {
	tests := []struct {
		name   string
		update *tg.UpdateDeleteChannelMessages
		want   []model.Event
	}{
		{
			name:   "observed channel",
			update: &tg.UpdateDeleteChannelMessages{ChannelID: 1234567890, Messages: []int{5, 6}},
			want:   []model.Event{{Kind: model.EventDelete, Chat: model.Chat(-1001234567890), IDs: []int{5, 6}}},
		},
		{
			name:   "other channel",
			update: &tg.UpdateDeleteChannelMessages{ChannelID: 42, Messages: []int{5}},
		},
		{
			name:   "no messages",
			update: &tg.UpdateDeleteChannelMessages{ChannelID: 1234567890},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got []model.Event
			f := newDeletionFeed([]int64{-1001234567890}, slog.New(slog.NewTextHandler(io.Discard, nil)))
			f.sink = sinkFunc(func(_ context.Context, ev model.Event) error {
				got = append(got, ev)
				return nil
			})

			if err := f.onDeleteChannelMessages(context.Background(), tg.Entities{}, tt.update); err != nil {
				t.Fatalf("handle: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDeletionFeedThroughDispatcher(t *testing.T) {
	var got []model.Event
	f := newDeletionFeed([]int64{-1000000000100}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	f.sink = sinkFunc(func(_ context.Context, ev model.Event) error {
		got = append(got, ev)
		return nil
	})
	d := tg.NewUpdateDispatcher()
	d.OnDeleteChannelMessages(f.onDeleteChannelMessages)

	updates := &tg.Updates{Updates: []tg.UpdateClass{
		&tg.UpdateDeleteChannelMessages{ChannelID: 100, Messages: []int{9}},
	}}
	if err := d.Handle(context.Background(), updates); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	want := []model.Event{{Kind: model.EventDelete, Chat: model.Chat(-1000000000100), IDs: []int{9}}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
