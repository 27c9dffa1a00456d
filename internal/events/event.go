// Package events batches analytics events, records them in the write-ahead
// log and hands batches to the network sender.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/TimurManjosov/flagship-go/internal/persistence"
)

// Event is an analytics event as sent to the server.
type Event struct {
	ID         string         `json:"id"`
	Type       string         `json:"eventType"`
	Data       map[string]any `json:"eventData,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	UserID     string         `json:"userId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty"`
	SDKVersion string         `json:"sdkVersion"`
}

// Sender delivers a batch of events.
type Sender interface {
	SendEvents(ctx context.Context, events []Event) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, events []Event) error

func (f SenderFunc) SendEvents(ctx context.Context, events []Event) error { return f(ctx, events) }

// Store is the subset of the persistence store the queue depends on.
type Store interface {
	Persist(ev persistence.Event) error
	MarkSending(ids []string) error
	MarkSent(ids []string) error
	MarkPending(ids []string) error
	Recover() ([]persistence.Event, error)
}

func toRecord(ev Event) (persistence.Event, error) {
	rec := persistence.Event{
		ID:         ev.ID,
		EventType:  ev.Type,
		Timestamp:  ev.Timestamp.UnixMilli(),
		UserID:     ev.UserID,
		SessionID:  ev.SessionID,
		SDKVersion: ev.SDKVersion,
		Status:     persistence.StatusPending,
	}
	if len(ev.Data) > 0 {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return persistence.Event{}, err
		}
		rec.EventData = data
	}
	return rec, nil
}

func fromRecord(rec persistence.Event) Event {
	ev := Event{
		ID:         rec.ID,
		Type:       rec.EventType,
		Timestamp:  time.UnixMilli(rec.Timestamp).UTC(),
		UserID:     rec.UserID,
		SessionID:  rec.SessionID,
		SDKVersion: rec.SDKVersion,
	}
	if len(rec.EventData) > 0 {
		_ = json.Unmarshal(rec.EventData, &ev.Data)
	}
	return ev
}

func eventIDs(batch []Event) []string {
	ids := make([]string, len(batch))
	for i, ev := range batch {
		ids[i] = ev.ID
	}
	return ids
}
