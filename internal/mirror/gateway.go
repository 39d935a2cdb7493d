package mirror

import (
	"context"

	"telemirror/internal/model"
)

// SendRequest describes one outbound publication.
type SendRequest struct {
	Target model.ChannelRef
	Mode   model.SendMode
	// Message is the filtered content to publish.
	Message model.Message
	// Original is the unfiltered source message; forward mode uses it.
	Original model.Message
	// ReplyTo is a message id in Target, or 0.
	ReplyTo int
}

// Gateway performs the network calls that publish, edit and delete copies.
type Gateway interface {
	// Send publishes a message and returns the new message ids, one per
	// part of the message in order.
	Send(ctx context.Context, req SendRequest) ([]int, error)
	// Edit replaces the text or caption of a published copy.
	Edit(ctx context.Context, target model.ChannelRef, messageID int, msg model.Message) error
	// Delete removes published copies.
	Delete(ctx context.Context, target model.ChannelRef, ids []int) error
}
