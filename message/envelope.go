// Package message defines the JSON wire envelope spoken on subscriber
// connections.
//
// Every message, inbound or outbound, is an Envelope with a type
// discriminator, an ISO-8601 timestamp, and a type-specific data object.
package message

import (
	"encoding/json"
	"time"

	"github.com/linesport/oddstream/errors"
)

// Inbound message types
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeMarketData  = "market-data"
	TypePing        = "ping"
)

// Outbound message types
const (
	TypeSubscriptionConfirmed   = "subscription-confirmed"
	TypeUnsubscriptionConfirmed = "unsubscription-confirmed"
	TypePong                    = "pong"
	TypeError                   = "error"
)

// Envelope wraps all wire messages with type discrimination
type Envelope struct {
	Type      string          `json:"type"`
	Timestamp string          `json:"timestamp"` // ISO-8601
	Data      json.RawMessage `json:"data,omitempty"`
}

// SubscriptionData carries the channel list for subscribe/unsubscribe
// requests and their confirmations
type SubscriptionData struct {
	Channels []string `json:"channels"`
}

// ErrorData carries a human-readable error back to the client
type ErrorData struct {
	Message string `json:"message"`
}

// New builds an envelope of the given type around data, stamping the
// current time. It panics only on unmarshalable data, which is a
// programmer error.
func New(msgType string, data any) Envelope {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			panic(err)
		}
		raw = b
	}
	return Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Data:      raw,
	}
}

// Parse decodes and structurally validates an inbound envelope
func Parse(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Parse", "decode message")
	}
	if env.Type == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Envelope", "Parse", "missing message type")
	}
	return &env, nil
}

// Encode marshals the envelope for the wire
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Encode", "marshal message")
	}
	return b, nil
}
