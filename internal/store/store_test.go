package store

import (
	"testing"

	"github.com/xiaopohou/MessageCenter/internal/message"
)

func TestAttachErrorInfoJoinsPerMessage(t *testing.T) {
	a := message.NewEmailMessage()
	a.ID = 1
	b := message.NewSMSMessage()
	b.ID = 2
	msgs := []message.Message{a, b}

	failures := []message.FailedMessage{
		{ID: 10, MsgID: 1, MsgType: message.TypeEmail, Log: "smtp timeout"},
		{ID: 11, MsgID: 1, MsgType: message.TypeEmail, Log: "smtp refused"},
		{ID: 12, MsgID: 2, MsgType: message.TypeSMS, Log: "gateway 503"},
	}

	AttachErrorInfo(msgs, failures)

	if a.ErrorInfo != "smtp timeout;smtp refused" {
		t.Errorf("expected joined log lines in order, got %q", a.ErrorInfo)
	}
	if b.ErrorInfo != "gateway 503" {
		t.Errorf("expected single log line, got %q", b.ErrorInfo)
	}
}

func TestAttachErrorInfoWithoutFailures(t *testing.T) {
	msg := message.NewQQMessage()
	msg.ID = 5
	msg.ErrorInfo = "stale"

	AttachErrorInfo([]message.Message{msg}, nil)

	if msg.ErrorInfo != "" {
		t.Errorf("a message with no failures should carry an empty error info, got %q", msg.ErrorInfo)
	}
}

func TestAttachErrorInfoIgnoresUnmatchedFailures(t *testing.T) {
	msg := message.NewWeChatMessage()
	msg.ID = 3

	failures := []message.FailedMessage{
		{ID: 20, MsgID: 99, MsgType: message.TypeWeChat, Log: "someone else's failure"},
	}
	AttachErrorInfo([]message.Message{msg}, failures)

	if msg.ErrorInfo != "" {
		t.Errorf("failures for other messages must not leak, got %q", msg.ErrorInfo)
	}
}
