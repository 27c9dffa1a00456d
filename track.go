package flagship

import (
	"context"
	"strings"

	"github.com/TimurManjosov/flagship-go/internal/events"
	"github.com/TimurManjosov/flagship-go/internal/version"
)

// Track queues an analytics event for the current user and session. Data
// keys that look like secrets are masked. Delivery failures are logged, never
// returned; events that cannot be sent stay in the event log when
// persistence is on.
func (c *Client) Track(eventType string, data map[string]any) {
	if c.queue == nil || strings.TrimSpace(eventType) == "" {
		return
	}
	c.mu.RLock()
	userID, sessionID := c.evalCtx.UserID, c.sessionID
	c.mu.RUnlock()

	c.queue.Add(events.Event{
		Type:       eventType,
		Data:       data,
		UserID:     userID,
		SessionID:  sessionID,
		SDKVersion: version.SDK,
	})
}

// Flush sends every queued event now.
func (c *Client) Flush(ctx context.Context) error {
	if c.queue == nil {
		return nil
	}
	return c.queue.Flush(ctx)
}
