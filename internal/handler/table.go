package handler

import (
	"fmt"

	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"
)

// Table maps a message-type tag to its handler. Built once at startup and
// validated against the queue's supported payload types.
type Table struct {
	handlers map[message.MsgType]*Handler
}

// NewTable builds the dispatch table. Every type that enqueues must be a
// payload type the queue registry supports; a mismatch is a configuration
// error.
func NewTable(store Store, q Enqueuer, queueReg *message.Registry, actor string, logger *log.Logger) (*Table, error) {
	specs := []struct {
		typ     message.MsgType
		enqueue bool
	}{
		{message.TypeEmail, true},
		{message.TypeSMS, true},
		{message.TypeQQ, true},
		{message.TypeWeChat, true},
		// Txt messages are in-app notices: stored, never enqueued.
		{message.TypeTxt, false},
	}

	handlers := make(map[message.MsgType]*Handler, len(specs))
	for _, spec := range specs {
		if spec.enqueue && !queueReg.Supports(spec.typ) {
			return nil, fmt.Errorf("handler table: %s enqueues but is not a supported queue payload type", spec.typ)
		}
		handlers[spec.typ] = &Handler{
			typ:     spec.typ,
			store:   store,
			queue:   q,
			enqueue: spec.enqueue,
			actor:   actor,
			logger:  logger,
		}
	}
	return &Table{handlers: handlers}, nil
}

// ForType resolves a handler by type tag. Unknown tags yield no handler;
// callers treat that as not-found, never as a crash.
func (t *Table) ForType(typ message.MsgType) (*Handler, bool) {
	h, ok := t.handlers[typ]
	return h, ok
}

// ForMessage resolves the handler for an already-constructed message.
func (t *Table) ForMessage(msg message.Message) (*Handler, bool) {
	return t.ForType(msg.Type())
}
