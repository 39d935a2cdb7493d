// Package storage defines the correlation store interface and its implementations.
package storage

import (
	"context"
	"errors"

	"telemirror/internal/model"
)

// ErrNotFound is returned by Get when no record exists for a key.
var ErrNotFound = errors.New("correlation not found")

// Store persists correlation records between source messages and their
// mirrored copies.
type Store interface {
	// Get returns the record for key or ErrNotFound.
	Get(ctx context.Context, key model.CorrelationKey) (*model.CorrelationRecord, error)
	// Put replaces the record stored under rec.Key.
	Put(ctx context.Context, rec *model.CorrelationRecord) error
	// Delete removes the record for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key model.CorrelationKey) error
	// Locate returns the key of the record that holds the copies of message
	// id posted in chat, in any topic, or ErrNotFound.
	Locate(ctx context.Context, chatID int64, id int) (model.CorrelationKey, error)

	Close() error
}
