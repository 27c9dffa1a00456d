package flagship

import (
	"context"
	"strings"
	"time"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
	"github.com/TimurManjosov/flagship-go/internal/flags"
	"github.com/TimurManjosov/flagship-go/internal/snapshot"
)

// Evaluate resolves key, falling back in order: fresh cache, server, stale
// cache, defaultValue. It never fails. A non-nil defaultValue also fixes the
// expected type: a flag of another type yields the default with
// ReasonTypeMismatch.
func (c *Client) Evaluate(ctx context.Context, key string, defaultValue any) EvaluationResult {
	res := c.resolve(ctx, key, defaultValue)
	c.metrics.Evaluation(string(res.Reason))
	return res
}

func (c *Client) resolve(ctx context.Context, key string, def any) EvaluationResult {
	if strings.TrimSpace(key) == "" {
		return fallback(key, def, flags.ReasonError)
	}

	stale, fresh, hasStale := c.cache.Lookup(key)
	if c.opts.CacheEnabled {
		c.metrics.CacheLookup(fresh)
		if fresh {
			return result(stale, def, flags.ReasonCached)
		}
	}

	if c.transport == nil || c.closed.Load() {
		if hasStale {
			return result(stale, def, flags.ReasonOffline)
		}
		return fallback(key, def, flags.ReasonDefault)
	}

	st, err := c.fetch(ctx, key)
	switch {
	case err == nil:
		reason := st.Reason
		if reason == "" {
			reason = flags.ReasonServer
		}
		return result(st, def, reason)
	case apierr.IsCode(err, apierr.CodeNotFound):
		return fallback(key, def, flags.ReasonFlagNotFound)
	case hasStale:
		c.logger.Debug().Err(err).Str("flag", key).Msg("[client] serving stale value")
		return result(stale, def, flags.ReasonStaleCache)
	default:
		c.logger.Debug().Err(err).Str("flag", key).Msg("[client] serving default value")
		return fallback(key, def, flags.ReasonDefault)
	}
}

// fetch asks the server for key. Concurrent misses on one key share a call,
// which runs detached from any single caller and is bounded by the retry
// budget. A caller whose ctx ends stops waiting without cancelling it.
func (c *Client) fetch(ctx context.Context, key string) (flags.State, error) {
	evalCtx := c.wireContext()
	ch := c.inflight.DoChan(key, func() (any, error) {
		budget := c.opts.Timeout * time.Duration(max(c.opts.RetryAttempts, 1))
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), budget)
		defer cancel()

		st, err := c.transport.Evaluate(callCtx, key, evalCtx)
		if err != nil {
			return flags.State{}, err
		}
		c.apply(snapshot.SourceEvaluate, []flags.State{st}, nil)
		return st, nil
	})

	select {
	case <-ctx.Done():
		return flags.State{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return flags.State{}, r.Err
		}
		return r.Val.(flags.State), nil
	}
}

// EvaluateAll asks the server for every flag under the current context and
// caches the answer. Offline, closed, or when the server cannot be reached it
// returns the cached flags instead.
func (c *Client) EvaluateAll(ctx context.Context) map[string]FlagState {
	if c.transport != nil && !c.closed.Load() {
		all, err := c.transport.EvaluateAll(ctx, c.wireContext())
		if err != nil {
			c.logger.Debug().Err(err).Msg("[client] serving cached flags")
		} else {
			c.apply(snapshot.SourceEvaluate, all, nil)
		}
	}
	return c.AllFlags()
}

func result(st flags.State, def any, reason flags.Reason) EvaluationResult {
	res := EvaluationResult{
		FlagKey:   st.Key,
		Value:     st.Value,
		Enabled:   st.Enabled,
		Reason:    reason,
		Version:   st.Version,
		Timestamp: time.Now(),
	}
	switch {
	case !st.Enabled:
		res.Value = def
		res.Reason = flags.ReasonDisabled
	case def != nil && flags.InferType(st.Value) != flags.InferType(def):
		res.Value = def
		res.Reason = flags.ReasonTypeMismatch
	}
	return res
}

func fallback(key string, def any, reason flags.Reason) EvaluationResult {
	return EvaluationResult{FlagKey: key, Value: def, Reason: reason, Timestamp: time.Now()}
}

// GetBoolValue returns the boolean value of key or def.
func (c *Client) GetBoolValue(ctx context.Context, key string, def bool) bool {
	if v, ok := c.Evaluate(ctx, key, def).Value.(bool); ok {
		return v
	}
	return def
}

// GetStringValue returns the string value of key or def.
func (c *Client) GetStringValue(ctx context.Context, key string, def string) string {
	if v, ok := c.Evaluate(ctx, key, def).Value.(string); ok {
		return v
	}
	return def
}

// GetNumberValue returns the numeric value of key or def.
func (c *Client) GetNumberValue(ctx context.Context, key string, def float64) float64 {
	res := c.Evaluate(ctx, key, def)
	if v, ok := (flags.State{Value: res.Value}).AsNumber(); ok {
		return v
	}
	return def
}

// GetIntValue returns the value of key as an integer, or def when the flag
// is not a whole number.
func (c *Client) GetIntValue(ctx context.Context, key string, def int64) int64 {
	res := c.Evaluate(ctx, key, def)
	if v, ok := (flags.State{Value: res.Value}).AsInt(); ok {
		return v
	}
	return def
}

// GetJSONValue returns the object value of key or def.
func (c *Client) GetJSONValue(ctx context.Context, key string, def map[string]any) map[string]any {
	res := c.Evaluate(ctx, key, def)
	if v, ok := (flags.State{Value: res.Value}).AsJSON(); ok {
		return v
	}
	return def
}
