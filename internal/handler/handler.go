// Package handler owns the write-and-submit half of the pipeline: each
// handler persists messages of exactly one variant and, for outbound
// variants, enqueues them for delivery. A message reaches the queue only
// after its row is committed with status processing.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"
)

// Store is the slice of the message store the handler writes through.
type Store interface {
	Insert(ctx context.Context, msg message.Message) error
	FindByID(ctx context.Context, typ message.MsgType, msgID int64) (message.Message, error)
	UpdateStatus(ctx context.Context, typ message.MsgType, data message.ProcessedMsg, updatedBy string) error
	SoftDelete(ctx context.Context, typ message.MsgType, msgID int64, updatedBy string) (bool, error)
	Search(ctx context.Context, cond message.SearchCondition) ([]message.Message, error)
}

// Enqueuer is the producer side of the queue client.
type Enqueuer interface {
	Put(ctx context.Context, msg message.Message, pri message.Priority) error
}

type Handler struct {
	typ     message.MsgType
	store   Store
	queue   Enqueuer
	enqueue bool
	actor   string
	logger  *log.Logger
}

func (h *Handler) Type() message.MsgType { return h.typ }

// InsertToDB validates the message, stamps it, and stores it with status
// processing. This is the sole gate for enqueueing.
func (h *Handler) InsertToDB(ctx context.Context, msg message.Message) error {
	if msg.Type() != h.typ {
		return fmt.Errorf("handler for %s got %s message", h.typ, msg.Type())
	}
	if err := message.Validate(msg); err != nil {
		return err
	}
	base := msg.Base()
	base.Status = message.StatusProcessing
	now := time.Now()
	base.CreatedAt = now
	base.UpdatedAt = now
	if base.CreatedBy == "" {
		base.CreatedBy = h.actor
	}
	if base.UpdatedBy == "" {
		base.UpdatedBy = h.actor
	}
	return h.store.Insert(ctx, msg)
}

// Handle persists the message, then enqueues it at its own priority.
// A failed insert short-circuits: the queue is never contacted. For
// variants that skip the queue, storage completes the submission.
func (h *Handler) Handle(ctx context.Context, msg message.Message) error {
	if err := h.InsertToDB(ctx, msg); err != nil {
		return err
	}
	if !h.enqueue {
		return nil
	}
	if err := h.queue.Put(ctx, msg, msg.Base().Priority); err != nil {
		return fmt.Errorf("enqueue %s message %d: %w", h.typ, msg.Base().ID, err)
	}
	return nil
}

// Update marks a message processed or failed after a delivery attempt.
// Missing or deleted rows are a no-op.
func (h *Handler) Update(ctx context.Context, data message.ProcessedMsg) error {
	return h.store.UpdateStatus(ctx, h.typ, data, h.actor)
}

// Get returns the live message with the given ID.
func (h *Handler) Get(ctx context.Context, msgID int64) (message.Message, error) {
	return h.store.FindByID(ctx, h.typ, msgID)
}

// Delete soft-deletes a live message; false means nothing was found.
func (h *Handler) Delete(ctx context.Context, msgID int64) (bool, error) {
	return h.store.SoftDelete(ctx, h.typ, msgID, h.actor)
}

// Search pages the variant's live messages, newest first, with the failure
// log joined into each result's ErrorInfo.
func (h *Handler) Search(ctx context.Context, cond message.SearchCondition) ([]message.Message, error) {
	cond.MsgType = h.typ
	return h.store.Search(ctx, cond)
}
