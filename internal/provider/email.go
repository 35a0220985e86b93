package provider

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EmailEvent is one item of an email provider batch.
type EmailEvent struct {
	Email       string `json:"email"`
	Timestamp   int64  `json:"timestamp"`
	Event       string `json:"event"`
	SGEventID   string `json:"sg_event_id"`
	SGMessageID string `json:"sg_message_id"`
	Reason      string `json:"reason"`
	Status      string `json:"status"` // SMTP status, e.g. 5.1.1
	Type        string `json:"type"`   // bounce|blocked
	URL         string `json:"url"`
	UserAgent   string `json:"useragent"`
	IP          string `json:"ip"`
}

// HardBounce reports a permanent failure: a 5.x.x SMTP status or an invalid-address reason.
func (e EmailEvent) HardBounce() bool {
	return strings.HasPrefix(e.Status, "5.") || strings.Contains(strings.ToLower(e.Reason), "invalid")
}

func DecodeEmailEvent(payload []byte) (EmailEvent, error) {
	var e EmailEvent
	if err := json.Unmarshal(payload, &e); err != nil {
		return EmailEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if e.Email == "" {
		return EmailEvent{}, fmt.Errorf("%w: missing email", ErrMalformed)
	}
	return e, nil
}
