package jobs

import (
	"strings"
	"time"

	domain "github.com/feiralivre/api/internal/domain"
)

// lookupEventMessage is the wire payload shared by every lookup event transport.
type lookupEventMessage struct {
	PostalCode string    `json:"postalCode"`
	Outcome    string    `json:"outcome"`
	Confidence string    `json:"confidence,omitempty"`
	City       string    `json:"city,omitempty"`
	StateCode  string    `json:"stateCode,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

func newLookupEventMessage(event domain.PostalLookupEvent) lookupEventMessage {
	occurred := event.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return lookupEventMessage{
		PostalCode: strings.TrimSpace(event.PostalCode),
		Outcome:    string(event.Outcome),
		Confidence: string(event.Confidence),
		City:       strings.TrimSpace(event.City),
		StateCode:  strings.TrimSpace(event.StateCode),
		OccurredAt: occurred.UTC(),
	}
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
