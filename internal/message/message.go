package message

import (
	"time"
)

// MsgType routes a message to its handler and to its delivery client.
// It is fixed at construction time and never inferred from payload data.
type MsgType string

const (
	TypeEmail  MsgType = "email"
	TypeSMS    MsgType = "sms"
	TypeQQ     MsgType = "qq"
	TypeWeChat MsgType = "wechat"
	TypeTxt    MsgType = "txt"
)

func (t MsgType) Valid() bool {
	switch t {
	case TypeEmail, TypeSMS, TypeQQ, TypeWeChat, TypeTxt:
		return true
	}
	return false
}

// Priority is the producer-facing priority scale. Order matters:
// Lower < Normal < Higher < Immediately.
type Priority int

const (
	PriorityLower Priority = iota
	PriorityNormal
	PriorityHigher
	PriorityImmediately
)

func (p Priority) Valid() bool {
	return p >= PriorityLower && p <= PriorityImmediately
}

type Status string

const (
	StatusProcessing Status = "processing"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// Message is implemented by every variant through an embedded BaseMessage.
type Message interface {
	Type() MsgType
	Base() *BaseMessage
}

// BaseMessage carries the lifecycle fields shared by all variants.
type BaseMessage struct {
	ID       int64    `json:"id"`
	MsgType  MsgType  `json:"msg_type"`
	Priority Priority `json:"priority"`
	Status   Status   `json:"status"`

	Receiver string `json:"receiver" validate:"required,max=200"`
	Content  string `json:"content" validate:"required"`

	IsDeleted bool `json:"is_deleted"`

	// ErrorInfo is derived at search time from the failure log.
	// It is never persisted on the message row.
	ErrorInfo string `json:"error_info,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

func (b *BaseMessage) Type() MsgType      { return b.MsgType }
func (b *BaseMessage) Base() *BaseMessage { return b }

type EmailMessage struct {
	BaseMessage
	Subject string `json:"subject" validate:"required,max=100"`
	Cc      string `json:"cc,omitempty"`
	Bcc     string `json:"bcc,omitempty"`
}

func NewEmailMessage() *EmailMessage {
	return &EmailMessage{BaseMessage: BaseMessage{MsgType: TypeEmail}}
}

type SMSMessage struct {
	BaseMessage
}

func NewSMSMessage() *SMSMessage {
	return &SMSMessage{BaseMessage: BaseMessage{MsgType: TypeSMS}}
}

type QQMessage struct {
	BaseMessage
}

func NewQQMessage() *QQMessage {
	return &QQMessage{BaseMessage: BaseMessage{MsgType: TypeQQ}}
}

type WeChatMessage struct {
	BaseMessage
}

func NewWeChatMessage() *WeChatMessage {
	return &WeChatMessage{BaseMessage: BaseMessage{MsgType: TypeWeChat}}
}

// TxtMessage is an in-app notice. It is stored but never enqueued;
// delivery is complete once the row exists.
type TxtMessage struct {
	BaseMessage
	Subject    string `json:"subject" validate:"required,max=100"`
	Readed     bool   `json:"readed"`
	Sender     string `json:"sender" validate:"required,max=20"`
	SenderID   int64  `json:"sender_id"`
	ReceiverID int64  `json:"receiver_id"`
}

func NewTxtMessage() *TxtMessage {
	return &TxtMessage{BaseMessage: BaseMessage{MsgType: TypeTxt}}
}

// ProcessedMsg is the status-update command issued after a delivery attempt.
type ProcessedMsg struct {
	MsgID       int64
	IsSuccessed bool
}

// FailedMessage is one failure-log line for a message, keyed by (MsgID, MsgType).
type FailedMessage struct {
	ID        int64     `json:"id"`
	MsgID     int64     `json:"msg_id"`
	MsgType   MsgType   `json:"msg_type"`
	Log       string    `json:"log"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchCondition filters one variant's collection.
type SearchCondition struct {
	MsgType  MsgType
	Status   *Status
	Receiver string
	Keyword  string
	Page     int
	PageSize int
}

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Normalize clamps paging values and returns limit/offset.
func (c *SearchCondition) Normalize() (limit, offset int) {
	if c.Page < 1 {
		c.Page = 1
	}
	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}
	if c.PageSize > maxPageSize {
		c.PageSize = maxPageSize
	}
	return c.PageSize, (c.Page - 1) * c.PageSize
}
