package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Provider kinds. A kind selects the envelope format and the handler set.
const (
	KindPayments = "payments"
	KindEmail    = "email"
)

var ErrMalformed = errors.New("malformed envelope")

// Envelope is one provider event extracted from a request body.
type Envelope struct {
	ExternalEventID string
	EventType       string
	Payload         json.RawMessage
}

// Parse splits a verified request body into events according to the provider kind.
// A payments body carries a single event; an email body carries a batch.
func Parse(kind string, body []byte) ([]Envelope, error) {
	switch kind {
	case KindPayments:
		env, err := parsePayment(body)
		if err != nil {
			return nil, err
		}
		return []Envelope{env}, nil
	case KindEmail:
		return parseEmailBatch(body)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
}

func parsePayment(body []byte) (Envelope, error) {
	var head struct {
		EventID string `json:"event_id"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(body, &head); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(head.EventID) == "" || strings.TrimSpace(head.Type) == "" {
		return Envelope{}, fmt.Errorf("%w: event_id and type are required", ErrMalformed)
	}
	return Envelope{ExternalEventID: head.EventID, EventType: head.Type, Payload: append(json.RawMessage(nil), body...)}, nil
}

func parseEmailBatch(body []byte) ([]Envelope, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrMalformed)
	}

	out := make([]Envelope, 0, len(raw))
	for i, item := range raw {
		var head struct {
			SGEventID string `json:"sg_event_id"`
			Event     string `json:"event"`
		}
		if err := json.Unmarshal(item, &head); err != nil {
			return nil, fmt.Errorf("%w: item %d: %v", ErrMalformed, i, err)
		}
		if head.SGEventID == "" || head.Event == "" {
			return nil, fmt.Errorf("%w: item %d: sg_event_id and event are required", ErrMalformed, i)
		}
		out = append(out, Envelope{ExternalEventID: head.SGEventID, EventType: head.Event, Payload: item})
	}
	return out, nil
}
