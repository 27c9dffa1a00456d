package flagship

import (
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// EvaluationContext describes the current user. Attributes listed in
// PrivateAttributes, and any attribute whose name starts with "_", are used
// locally but never sent to the server.
type EvaluationContext struct {
	UserID            string
	Attributes        map[string]any
	PrivateAttributes []string
}

func (ec EvaluationContext) clone() EvaluationContext {
	return EvaluationContext{
		UserID:            ec.UserID,
		Attributes:        maps.Clone(ec.Attributes),
		PrivateAttributes: slices.Clone(ec.PrivateAttributes),
	}
}

// wire returns the context as sent to the server, private attributes removed.
func (ec EvaluationContext) wire() map[string]any {
	if ec.UserID == "" && len(ec.Attributes) == 0 {
		return nil
	}
	out := make(map[string]any, 2)
	if ec.UserID != "" {
		out["userId"] = ec.UserID
	}
	attrs := make(map[string]any, len(ec.Attributes))
	for k, v := range ec.Attributes {
		if strings.HasPrefix(k, "_") || slices.Contains(ec.PrivateAttributes, k) {
			continue
		}
		attrs[k] = v
	}
	if len(attrs) > 0 {
		out["attributes"] = attrs
	}
	return out
}

// Identify sets the user and merges attrs into the current attributes.
func (c *Client) Identify(userID string, attrs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evalCtx.UserID = userID
	if c.evalCtx.Attributes == nil {
		c.evalCtx.Attributes = make(map[string]any, len(attrs))
	}
	maps.Copy(c.evalCtx.Attributes, attrs)
	c.logger.Debug().Str("user_id", userID).Msg("[client] user identified")
}

// SetContext replaces the evaluation context.
func (c *Client) SetContext(ec EvaluationContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evalCtx = ec.clone()
}

// GetContext returns a copy of the evaluation context.
func (c *Client) GetContext() EvaluationContext {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evalCtx.clone()
}

// ClearContext drops the user and every attribute.
func (c *Client) ClearContext() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evalCtx = EvaluationContext{}
}

// Reset clears the context and starts a new session.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evalCtx = EvaluationContext{}
	c.sessionID = uuid.NewString()
}

func (c *Client) wireContext() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.evalCtx.wire()
}
