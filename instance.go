package flagship

import (
	"context"
	"sync"

	"github.com/TimurManjosov/flagship-go/internal/apierr"
)

var (
	instanceMu sync.Mutex
	instance   *Client
)

// Initialize builds the process-wide client and initializes it. A second
// call fails until Shutdown. An initialization error is returned alongside
// the usable client.
func Initialize(ctx context.Context, opts Options) (*Client, error) {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance != nil {
		return nil, apierr.New(apierr.CodeConfigInvalid, "flagship is already initialized")
	}
	c, err := NewClient(opts)
	if err != nil {
		return nil, err
	}
	instance = c
	return c, c.Initialize(ctx)
}

// Instance returns the process-wide client, or nil before Initialize.
func Instance() *Client {
	instanceMu.Lock()
	defer instanceMu.Unlock()
	return instance
}

// Shutdown closes the process-wide client and clears it.
func Shutdown(ctx context.Context) error {
	instanceMu.Lock()
	c := instance
	instance = nil
	instanceMu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close(ctx)
}
