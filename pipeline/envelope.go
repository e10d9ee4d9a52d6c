package pipeline

import (
	"encoding/json"
	"time"

	"ainp/crypto"
)

// SupportedVersion is the single protocol version this broker speaks.
const SupportedVersion = "1.0"

// Envelope message types.
const (
	MsgIntent    = "INTENT"
	MsgResult    = "RESULT"
	MsgError     = "ERROR"
	MsgNegotiate = "NEGOTIATE"
	MsgAck       = "ACK"
)

// Intent payload types. The set is closed: an unknown @type is rejected, not
// silently accepted.
const (
	IntentEmailMessage = "EMAIL_MESSAGE"
	IntentChatMessage  = "CHAT_MESSAGE"
	IntentNotification = "NOTIFICATION"
	IntentTaskRequest  = "TASK_REQUEST"
)

// Envelope is the signed ingress unit. The signature covers the JCS
// canonicalization of the envelope with the sig field removed.
type Envelope struct {
	ID              string          `json:"id"`
	TraceID         string          `json:"trace_id,omitempty"`
	Version         string          `json:"version,omitempty"`
	FromDID         string          `json:"from_did"`
	ToDID           string          `json:"to_did,omitempty"`
	MsgType         string          `json:"msg_type"`
	TTLMillis       int64           `json:"ttl_ms"`
	TimestampMillis int64           `json:"timestamp_ms"`
	Sig             string          `json:"sig,omitempty"`
	Payload         json.RawMessage `json:"payload"`
}

// Intent is the payload of an INTENT envelope. Email and chat messages share
// one shape; the email facets are optional.
type Intent struct {
	Type           string    `json:"@type"`
	IntentID       string    `json:"intent_id,omitempty"`
	Description    string    `json:"description,omitempty"`
	Embedding      []float32 `json:"embedding,omitempty"`
	Tags           []string  `json:"tags,omitempty"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Subject        string    `json:"subject,omitempty"`
	Body           string    `json:"body,omitempty"`
	Attachments    []string  `json:"attachments,omitempty"`
}

// IsMessage reports whether the intent persists into the mailbox.
func (i *Intent) IsMessage() bool {
	switch i.Type {
	case IntentEmailMessage, IntentChatMessage:
		return true
	}
	return false
}

// IsEmail reports whether the intent is subject to the email guards.
func (i *Intent) IsEmail() bool { return i.Type == IntentEmailMessage }

// knownIntentType reports whether the @type discriminator is one we accept.
func knownIntentType(t string) bool {
	switch t {
	case IntentEmailMessage, IntentChatMessage, IntentNotification, IntentTaskRequest:
		return true
	}
	return false
}

// Timestamp returns the envelope timestamp as wall time.
func (e *Envelope) Timestamp() time.Time {
	return time.UnixMilli(e.TimestampMillis)
}

// Expiry returns the instant the envelope goes stale.
func (e *Envelope) Expiry() time.Time {
	return time.UnixMilli(e.TimestampMillis + e.TTLMillis)
}

// SigningBytes canonicalizes the envelope with sig removed. Both signing and
// verification run over these exact bytes.
func (e *Envelope) SigningBytes() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	delete(fields, "sig")
	return crypto.Canonicalize(fields)
}

// Intent decodes the payload of an INTENT envelope.
func (e *Envelope) Intent() (*Intent, error) {
	var intent Intent
	if err := json.Unmarshal(e.Payload, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

func validMsgType(t string) bool {
	switch t {
	case MsgIntent, MsgResult, MsgError, MsgNegotiate, MsgAck:
		return true
	}
	return false
}
