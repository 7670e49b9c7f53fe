package message

import (
	"fmt"
	"sort"
)

// Wire labels for the message variants. The label is the routing key carried
// on queue envelopes; it is a stable string agreed on at registration time,
// never derived from runtime type names.
const (
	LabelEmail  = "MessageCenter.EmailMessage"
	LabelSMS    = "MessageCenter.SMSMessage"
	LabelQQ     = "MessageCenter.QQMessage"
	LabelWeChat = "MessageCenter.WeChatMessage"
	LabelTxt    = "MessageCenter.TxtMessage"
)

type entry struct {
	label string
	ctor  func() Message
}

// Registry maps message types to wire labels and prototype constructors.
// It is built once at startup and read-only afterwards.
type Registry struct {
	byType  map[MsgType]entry
	byLabel map[string]MsgType
}

func NewRegistry() *Registry {
	return &Registry{
		byType:  make(map[MsgType]entry),
		byLabel: make(map[string]MsgType),
	}
}

func (r *Registry) Register(typ MsgType, label string, ctor func() Message) error {
	if label == "" || ctor == nil {
		return fmt.Errorf("register %s: label and constructor are required", typ)
	}
	if _, ok := r.byType[typ]; ok {
		return fmt.Errorf("register %s: type already registered", typ)
	}
	if _, ok := r.byLabel[label]; ok {
		return fmt.Errorf("register %s: label %q already registered", typ, label)
	}
	r.byType[typ] = entry{label: label, ctor: ctor}
	r.byLabel[label] = typ
	return nil
}

// Supports reports whether a message type is a registered payload type.
func (r *Registry) Supports(typ MsgType) bool {
	_, ok := r.byType[typ]
	return ok
}

// Label returns the wire label for a registered type.
func (r *Registry) Label(typ MsgType) (string, bool) {
	e, ok := r.byType[typ]
	return e.label, ok
}

// ByLabel constructs a fresh prototype for the type behind a wire label.
func (r *Registry) ByLabel(label string) (Message, bool) {
	typ, ok := r.byLabel[label]
	if !ok {
		return nil, false
	}
	return r.byType[typ].ctor(), true
}

// ByType constructs a fresh prototype for a registered type.
func (r *Registry) ByType(typ MsgType) (Message, bool) {
	e, ok := r.byType[typ]
	if !ok {
		return nil, false
	}
	return e.ctor(), true
}

// Types lists registered types in stable order.
func (r *Registry) Types() []MsgType {
	types := make([]MsgType, 0, len(r.byType))
	for t := range r.byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

func (r *Registry) Len() int { return len(r.byType) }

// QueueRegistry registers the variants carried through the queue.
// Txt messages are in-app notices and are not queue payloads.
func QueueRegistry() *Registry {
	r := NewRegistry()
	mustRegister(r, TypeEmail, LabelEmail, func() Message { return NewEmailMessage() })
	mustRegister(r, TypeSMS, LabelSMS, func() Message { return NewSMSMessage() })
	mustRegister(r, TypeQQ, LabelQQ, func() Message { return NewQQMessage() })
	mustRegister(r, TypeWeChat, LabelWeChat, func() Message { return NewWeChatMessage() })
	return r
}

// FullRegistry registers every variant, including txt, for store decoding
// and API dispatch.
func FullRegistry() *Registry {
	r := QueueRegistry()
	mustRegister(r, TypeTxt, LabelTxt, func() Message { return NewTxtMessage() })
	return r
}

func mustRegister(r *Registry, typ MsgType, label string, ctor func() Message) {
	if err := r.Register(typ, label, ctor); err != nil {
		panic(err)
	}
}
