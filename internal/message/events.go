package message

import (
	"encoding/json"
	"fmt"
)

// EventKind is the discriminator of a real-time frame.
type EventKind string

// Client to server
const (
	KindCustomerConnect EventKind = "customer_connect"
	KindAdminJoin       EventKind = "admin_join"
	KindAdminLeave      EventKind = "admin_leave"
	KindSendMessage     EventKind = "send_message"
	KindMarkRead        EventKind = "mark_read"
)

// Server to client
const (
	KindMessageDelivered     EventKind = "message_delivered"
	KindMessageAck           EventKind = "message_ack"
	KindRefreshChats         EventKind = "refresh_chats"
	KindAdminPresenceChanged EventKind = "admin_presence_changed"
	KindError                EventKind = "error"
)

// Envelope is the wire frame: a kind tag plus its kind-specific payload.
type Envelope struct {
	Kind EventKind       `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ClientEvent is an inbound event. Concrete types are the structs below.
type ClientEvent interface {
	Kind() EventKind
	clientEvent()
}

// ServerEvent is an outbound event. Concrete types are the structs below.
type ServerEvent interface {
	Kind() EventKind
	serverEvent()
}

// CustomerConnect announces a customer identity on a connection.
type CustomerConnect struct {
	CustomerID  string `json:"customerId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
}

// AdminJoin adds the connection to the admin set.
type AdminJoin struct{}

// AdminLeave removes the connection from the admin set.
type AdminLeave struct{}

// SendMessage submits a message to a customer's session.
type SendMessage struct {
	CustomerID string      `json:"customerId"`
	Sender     SenderType  `json:"sender"`
	Content    string      `json:"content"`
	Type       ContentType `json:"type"`
}

// MarkRead flags a session's customer messages as seen by an admin.
type MarkRead struct {
	CustomerID string `json:"customerId"`
}

func (CustomerConnect) Kind() EventKind { return KindCustomerConnect }
func (AdminJoin) Kind() EventKind       { return KindAdminJoin }
func (AdminLeave) Kind() EventKind      { return KindAdminLeave }
func (SendMessage) Kind() EventKind     { return KindSendMessage }
func (MarkRead) Kind() EventKind        { return KindMarkRead }

func (CustomerConnect) clientEvent() {}
func (AdminJoin) clientEvent()       {}
func (AdminLeave) clientEvent()      {}
func (SendMessage) clientEvent()     {}
func (MarkRead) clientEvent()        {}

// MessageDelivered pushes a persisted message to its recipients.
type MessageDelivered struct {
	Message Message `json:"message"`
}

// MessageAck confirms a submission to the connection that sent it.
type MessageAck struct {
	Message Message `json:"message"`
}

// RefreshChats tells admin consoles that a session changed.
type RefreshChats struct {
	CustomerID  string   `json:"customerId"`
	LastMessage *Message `json:"lastMessage,omitempty"`
}

// AdminPresenceChanged reports whether at least one admin is connected.
type AdminPresenceChanged struct {
	Online bool `json:"online"`
}

// ErrorEvent reports a failed request back to its sender.
type ErrorEvent struct {
	Error *ErrorInfo `json:"error"`
}

func (MessageDelivered) Kind() EventKind     { return KindMessageDelivered }
func (MessageAck) Kind() EventKind           { return KindMessageAck }
func (RefreshChats) Kind() EventKind         { return KindRefreshChats }
func (AdminPresenceChanged) Kind() EventKind { return KindAdminPresenceChanged }
func (ErrorEvent) Kind() EventKind           { return KindError }

func (MessageDelivered) serverEvent()     {}
func (MessageAck) serverEvent()           {}
func (RefreshChats) serverEvent()         {}
func (AdminPresenceChanged) serverEvent() {}
func (ErrorEvent) serverEvent()           {}

// DecodeClientEvent parses a frame into its concrete client event.
// Malformed frames and unknown kinds yield a *ValidationError.
func DecodeClientEvent(data []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ValidationError{Field: "frame", Message: "frame is not valid JSON"}
	}
	if env.Kind == "" {
		return nil, &ValidationError{Field: "kind", Message: "kind is required"}
	}

	var ev ClientEvent
	switch env.Kind {
	case KindCustomerConnect:
		var e CustomerConnect
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindAdminJoin:
		ev = AdminJoin{}
	case KindAdminLeave:
		ev = AdminLeave{}
	case KindSendMessage:
		var e SendMessage
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	case KindMarkRead:
		var e MarkRead
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		ev = e
	default:
		return nil, &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown event kind: %s", env.Kind)}
	}
	return ev, nil
}

// EncodeClientEvent builds the frame for a client event.
func EncodeClientEvent(ev ClientEvent) ([]byte, error) {
	return encode(ev.Kind(), ev)
}

// EncodeServerEvent builds the frame for a server event.
func EncodeServerEvent(ev ServerEvent) ([]byte, error) {
	return encode(ev.Kind(), ev)
}

// DecodeServerEvent parses a server frame. Used by clients and tests.
func DecodeServerEvent(data []byte) (ServerEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	switch env.Kind {
	case KindMessageDelivered:
		var e MessageDelivered
		err := decodeData(env.Data, &e)
		return e, err
	case KindMessageAck:
		var e MessageAck
		err := decodeData(env.Data, &e)
		return e, err
	case KindRefreshChats:
		var e RefreshChats
		err := decodeData(env.Data, &e)
		return e, err
	case KindAdminPresenceChanged:
		var e AdminPresenceChanged
		err := decodeData(env.Data, &e)
		return e, err
	case KindError:
		var e ErrorEvent
		err := decodeData(env.Data, &e)
		return e, err
	default:
		return nil, fmt.Errorf("unknown server event kind: %s", env.Kind)
	}
}

func encode(kind EventKind, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Data: data})
}

func decodeData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ValidationError{Field: "data", Message: fmt.Sprintf("malformed payload: %v", err)}
	}
	return nil
}
