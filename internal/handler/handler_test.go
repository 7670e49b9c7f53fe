package handler

import (
	"context"
	"errors"
	"testing"

	"github.com/xiaopohou/MessageCenter/internal/log"
	"github.com/xiaopohou/MessageCenter/internal/message"
)

type fakeStore struct {
	inserted []message.Message
	updates  []message.ProcessedMsg
	deleted  []int64
	searched []message.SearchCondition
	found    message.Message

	insertErr error
	findErr   error
}

func (s *fakeStore) Insert(ctx context.Context, msg message.Message) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	msg.Base().ID = int64(len(s.inserted) + 1)
	s.inserted = append(s.inserted, msg)
	return nil
}

func (s *fakeStore) FindByID(ctx context.Context, typ message.MsgType, msgID int64) (message.Message, error) {
	if s.findErr != nil {
		return nil, s.findErr
	}
	return s.found, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, typ message.MsgType, data message.ProcessedMsg, updatedBy string) error {
	s.updates = append(s.updates, data)
	return nil
}

func (s *fakeStore) SoftDelete(ctx context.Context, typ message.MsgType, msgID int64, updatedBy string) (bool, error) {
	s.deleted = append(s.deleted, msgID)
	return true, nil
}

func (s *fakeStore) Search(ctx context.Context, cond message.SearchCondition) ([]message.Message, error) {
	s.searched = append(s.searched, cond)
	return nil, nil
}

type fakeQueue struct {
	puts   []message.Message
	putErr error
}

func (q *fakeQueue) Put(ctx context.Context, msg message.Message, pri message.Priority) error {
	if q.putErr != nil {
		return q.putErr
	}
	q.puts = append(q.puts, msg)
	return nil
}

func newTestTable(t *testing.T, store *fakeStore, q *fakeQueue) *Table {
	t.Helper()
	table, err := NewTable(store, q, message.QueueRegistry(), "tester", log.NewNop())
	if err != nil {
		t.Fatalf("build handler table: %v", err)
	}
	return table
}

func validEmail() *message.EmailMessage {
	msg := message.NewEmailMessage()
	msg.Receiver = "someone@example.com"
	msg.Content = "hello"
	msg.Subject = "greetings"
	msg.Priority = message.PriorityHigher
	return msg
}

func TestHandleStoresThenEnqueues(t *testing.T) {
	store := &fakeStore{}
	q := &fakeQueue{}
	table := newTestTable(t, store, q)
	h, _ := table.ForType(message.TypeEmail)

	msg := validEmail()
	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected 1 insert, got %d", len(store.inserted))
	}
	if len(q.puts) != 1 {
		t.Fatalf("expected 1 enqueue, got %d", len(q.puts))
	}
	base := msg.Base()
	if base.Status != message.StatusProcessing {
		t.Errorf("stored message should be processing, got %s", base.Status)
	}
	if base.CreatedBy != "tester" || base.UpdatedBy != "tester" {
		t.Errorf("actor stamps missing: created_by=%q updated_by=%q", base.CreatedBy, base.UpdatedBy)
	}
	if base.ID == 0 {
		t.Error("insert should assign an ID before enqueue")
	}
}

func TestHandleInsertFailureSkipsQueue(t *testing.T) {
	store := &fakeStore{insertErr: errors.New("db down")}
	q := &fakeQueue{}
	table := newTestTable(t, store, q)
	h, _ := table.ForType(message.TypeEmail)

	if err := h.Handle(context.Background(), validEmail()); err == nil {
		t.Fatal("insert failure should surface")
	}
	if len(q.puts) != 0 {
		t.Errorf("queue must not be contacted after a failed insert, got %d puts", len(q.puts))
	}
}

func TestHandleEnqueueFailureSurfaces(t *testing.T) {
	store := &fakeStore{}
	q := &fakeQueue{putErr: errors.New("broker down")}
	table := newTestTable(t, store, q)
	h, _ := table.ForType(message.TypeEmail)

	if err := h.Handle(context.Background(), validEmail()); err == nil {
		t.Fatal("enqueue failure should surface")
	}
	if len(store.inserted) != 1 {
		t.Errorf("insert should have committed before the enqueue attempt, got %d", len(store.inserted))
	}
}

func TestHandleTxtNeverEnqueues(t *testing.T) {
	store := &fakeStore{}
	q := &fakeQueue{}
	table := newTestTable(t, store, q)
	h, _ := table.ForType(message.TypeTxt)

	msg := message.NewTxtMessage()
	msg.Receiver = "user-12"
	msg.Content = "notice"
	msg.Subject = "hi"
	msg.Sender = "system"
	msg.SenderID = 1
	msg.ReceiverID = 12

	if err := h.Handle(context.Background(), msg); err != nil {
		t.Fatalf("handle txt: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("txt message should still be stored, got %d inserts", len(store.inserted))
	}
	if len(q.puts) != 0 {
		t.Errorf("txt messages never reach the queue, got %d puts", len(q.puts))
	}
}

func TestInsertToDBRejectsWrongType(t *testing.T) {
	store := &fakeStore{}
	table := newTestTable(t, store, &fakeQueue{})
	h, _ := table.ForType(message.TypeSMS)

	if err := h.InsertToDB(context.Background(), validEmail()); err == nil {
		t.Fatal("sms handler must reject an email message")
	}
	if len(store.inserted) != 0 {
		t.Errorf("mismatched message must not be stored, got %d inserts", len(store.inserted))
	}
}

func TestInsertToDBRejectsInvalidMessage(t *testing.T) {
	store := &fakeStore{}
	table := newTestTable(t, store, &fakeQueue{})
	h, _ := table.ForType(message.TypeEmail)

	msg := message.NewEmailMessage() // missing receiver, content, subject
	if err := h.InsertToDB(context.Background(), msg); err == nil {
		t.Fatal("invalid message must fail validation")
	}
	if len(store.inserted) != 0 {
		t.Errorf("invalid message must not be stored, got %d inserts", len(store.inserted))
	}
}

func TestUpdateDelegatesToStore(t *testing.T) {
	store := &fakeStore{}
	table := newTestTable(t, store, &fakeQueue{})
	h, _ := table.ForType(message.TypeQQ)

	data := message.ProcessedMsg{MsgID: 9, IsSuccessed: true}
	if err := h.Update(context.Background(), data); err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(store.updates) != 1 || store.updates[0].MsgID != 9 || !store.updates[0].IsSuccessed {
		t.Errorf("update not passed through: %+v", store.updates)
	}
}

func TestSearchForcesOwnType(t *testing.T) {
	store := &fakeStore{}
	table := newTestTable(t, store, &fakeQueue{})
	h, _ := table.ForType(message.TypeWeChat)

	// Caller-supplied type is overridden; a handler only searches its own
	// variant.
	_, err := h.Search(context.Background(), message.SearchCondition{MsgType: message.TypeEmail})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(store.searched) != 1 || store.searched[0].MsgType != message.TypeWeChat {
		t.Errorf("search condition type not forced: %+v", store.searched)
	}
}
