package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"telemirror/internal/model"
)

var baseTime = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

func sampleRecord(chat int64, group string) *model.CorrelationRecord {
	return &model.CorrelationRecord{
		Key: model.CorrelationKey{Source: model.Chat(chat), Group: group},
		Mirrors: []model.MirrorRef{
			{Target: model.Chat(-200), MessageID: 11, SourceID: 1},
			{Target: model.ChannelRef{ChatID: -300, TopicID: 7}, MessageID: 21, SourceID: 1},
		},
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
}

// runStoreContract checks the behaviour every Store backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		s := newStore(t)
		tests := []struct {
			name string
			rec  *model.CorrelationRecord
		}{
			{name: "single message", rec: sampleRecord(-100, "42")},
			{
				name: "album with topic source",
				rec: &model.CorrelationRecord{
					Key: model.CorrelationKey{Source: model.ChannelRef{ChatID: -100, TopicID: 3}, Group: model.AlbumKey("777")},
					Mirrors: []model.MirrorRef{
						{Target: model.Chat(-200), MessageID: 50, SourceID: 10},
						{Target: model.Chat(-200), MessageID: 51, SourceID: 11},
						{Target: model.Chat(-200), MessageID: 52, SourceID: 12},
					},
					CreatedAt: baseTime,
					UpdatedAt: baseTime.Add(time.Minute),
				},
			},
			{
				name: "with thread link",
				rec: &model.CorrelationRecord{
					Key:       model.CorrelationKey{Source: model.Chat(-110), Group: "5"},
					Mirrors:   []model.MirrorRef{{Target: model.Chat(-210), MessageID: 9, SourceID: 5}},
					Thread:    &model.MessageRef{Chat: model.Chat(-100), ID: 42},
					CreatedAt: baseTime,
					UpdatedAt: baseTime,
				},
			},
			{
				name: "no mirrors",
				rec: &model.CorrelationRecord{
					Key:       model.CorrelationKey{Source: model.Chat(-100), Group: "43"},
					Thread:    &model.MessageRef{Chat: model.Chat(-110), ID: 8},
					CreatedAt: baseTime,
					UpdatedAt: baseTime,
				},
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if err := s.Put(ctx, tt.rec); err != nil {
					t.Fatalf("put: %v", err)
				}
				got, err := s.Get(ctx, tt.rec.Key)
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				if diff := cmp.Diff(tt.rec, got); diff != "" {
					t.Errorf("record mismatch (-want +got):\n%s", diff)
				}
			})
		}
	})

	t.Run("get missing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(ctx, model.CorrelationKey{Source: model.Chat(-1), Group: "1"})
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("put replaces", func(t *testing.T) {
		s := newStore(t)
		rec := sampleRecord(-100, "42")
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}

		updated := &model.CorrelationRecord{
			Key:       rec.Key,
			Mirrors:   []model.MirrorRef{{Target: model.Chat(-400), MessageID: 99, SourceID: 1}},
			Thread:    &model.MessageRef{Chat: model.Chat(-110), ID: 3},
			CreatedAt: baseTime,
			UpdatedAt: baseTime.Add(time.Hour),
		}
		if err := s.Put(ctx, updated); err != nil {
			t.Fatalf("second put: %v", err)
		}

		got, err := s.Get(ctx, rec.Key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if diff := cmp.Diff(updated, got); diff != "" {
			t.Errorf("record mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("delete", func(t *testing.T) {
		s := newStore(t)
		keep := sampleRecord(-100, "1")
		gone := sampleRecord(-100, "2")
		for _, r := range []*model.CorrelationRecord{keep, gone} {
			if err := s.Put(ctx, r); err != nil {
				t.Fatalf("put: %v", err)
			}
		}

		if err := s.Delete(ctx, gone.Key); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Get(ctx, gone.Key); !errors.Is(err, ErrNotFound) {
			t.Errorf("get deleted: err = %v, want ErrNotFound", err)
		}
		if _, err := s.Get(ctx, keep.Key); err != nil {
			t.Errorf("get kept: %v", err)
		}
		if err := s.Delete(ctx, gone.Key); err != nil {
			t.Errorf("delete missing: %v", err)
		}
	})

	t.Run("keys are isolated by topic", func(t *testing.T) {
		s := newStore(t)
		plain := sampleRecord(-100, "42")
		topic := sampleRecord(-100, "42")
		topic.Key.Source.TopicID = 5
		topic.Mirrors = topic.Mirrors[:1]

		for _, r := range []*model.CorrelationRecord{plain, topic} {
			if err := s.Put(ctx, r); err != nil {
				t.Fatalf("put: %v", err)
			}
		}
		got, err := s.Get(ctx, plain.Key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if len(got.Mirrors) != 2 {
			t.Errorf("plain key has %d mirrors, want 2", len(got.Mirrors))
		}
	})

	t.Run("returned records are copies", func(t *testing.T) {
		s := newStore(t)
		rec := sampleRecord(-100, "42")
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
		rec.Mirrors[0].MessageID = 1000

		got, err := s.Get(ctx, rec.Key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Mirrors[0].MessageID != 11 {
			t.Errorf("stored record changed through caller's slice")
		}
		got.Mirrors[0].MessageID = 2000

		again, err := s.Get(ctx, rec.Key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if again.Mirrors[0].MessageID != 11 {
			t.Errorf("stored record changed through returned slice")
		}
	})

	t.Run("locate member", func(t *testing.T) {
		s := newStore(t)
		album := &model.CorrelationRecord{
			Key: model.CorrelationKey{Source: model.ChannelRef{ChatID: -100, TopicID: 3}, Group: model.AlbumKey("g")},
			Mirrors: []model.MirrorRef{
				{Target: model.Chat(-200), MessageID: 50, SourceID: 10},
				{Target: model.Chat(-200), MessageID: 51, SourceID: 11},
			},
			CreatedAt: baseTime,
			UpdatedAt: baseTime,
		}
		if err := s.Put(ctx, album); err != nil {
			t.Fatalf("put: %v", err)
		}

		got, err := s.Locate(ctx, -100, 11)
		if err != nil {
			t.Fatalf("locate: %v", err)
		}
		if diff := cmp.Diff(album.Key, got); diff != "" {
			t.Errorf("key mismatch (-want +got):\n%s", diff)
		}
		if _, err := s.Locate(ctx, -100, 99); !errors.Is(err, ErrNotFound) {
			t.Errorf("unknown id: err = %v, want ErrNotFound", err)
		}
		if _, err := s.Locate(ctx, -101, 11); !errors.Is(err, ErrNotFound) {
			t.Errorf("other chat: err = %v, want ErrNotFound", err)
		}

		album.Mirrors = album.Mirrors[:1]
		if err := s.Put(ctx, album); err != nil {
			t.Fatalf("put: %v", err)
		}
		if _, err := s.Locate(ctx, -100, 11); !errors.Is(err, ErrNotFound) {
			t.Errorf("dropped member: err = %v, want ErrNotFound", err)
		}

		if err := s.Delete(ctx, album.Key); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if _, err := s.Locate(ctx, -100, 10); !errors.Is(err, ErrNotFound) {
			t.Errorf("after delete: err = %v, want ErrNotFound", err)
		}
	})

	t.Run("zero timestamps are filled", func(t *testing.T) {
		s := newStore(t)
		rec := &model.CorrelationRecord{Key: model.CorrelationKey{Source: model.Chat(-100), Group: "9"}}
		if err := s.Put(ctx, rec); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := s.Get(ctx, rec.Key)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
			t.Errorf("timestamps not set: %+v", got)
		}
	})
}
