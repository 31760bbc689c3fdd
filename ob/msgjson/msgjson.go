// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package msgjson defines the JSON envelope exchanged between gossip peers.
// Every frame on a peer link is a Message; the topic and type select the
// payload's concrete form. Unknown topics and types are dropped by receivers
// rather than treated as protocol errors, so new message kinds can roll out
// incrementally across a peer set.
package msgjson

import (
	"encoding/json"
	"fmt"

	"nexex.org/obnode/ob"
)

// TopicOrderEvent is the topic carrying order book gossip.
const TopicOrderEvent = "ob_event"

// TypeOrderAccepted is the order-gossip message type announcing an order
// accepted to a market's book.
const TypeOrderAccepted = "order_accepted"

// Message is the wire envelope.
type Message struct {
	// Topic routes the message to a consumer.
	Topic string `json:"topic"`
	// Type selects the payload's concrete form within the topic.
	Type string `json:"type"`
	// Payload is the type-specific payload.
	Payload json.RawMessage `json:"payload"`
}

// OrderAccepted is the payload of a TypeOrderAccepted message.
type OrderAccepted struct {
	MarketID string    `json:"marketId"`
	Order    *ob.Order `json:"order"`
}

// NewMessage creates a Message with the marshaled payload.
func NewMessage(topic, msgType string, payload interface{}) (*Message, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("error marshaling %s payload: %w", msgType, err)
	}
	return &Message{
		Topic:   topic,
		Type:    msgType,
		Payload: b,
	}, nil
}

// DecodeMessage decodes a raw frame into a Message.
func DecodeMessage(b []byte) (*Message, error) {
	msg := new(Message)
	if err := json.Unmarshal(b, msg); err != nil {
		return nil, fmt.Errorf("error decoding message envelope: %w", err)
	}
	return msg, nil
}

// Unmarshal decodes the payload into the provided type.
func (msg *Message) Unmarshal(payload interface{}) error {
	return json.Unmarshal(msg.Payload, payload)
}
