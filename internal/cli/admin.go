package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	flagship "github.com/TimurManjosov/flagship-go"
)

// AdminClient manages flags on a devserver through its /admin routes.
type AdminClient struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
}

// NewAdminClient creates a new admin client
func NewAdminClient(baseURL, token string) *AdminClient {
	return &AdminClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// PutFlag creates or replaces a flag. A nil enabled means enabled.
func (c *AdminClient) PutFlag(ctx context.Context, key string, value any, enabled *bool) (*flagship.FlagState, error) {
	body, err := json.Marshal(map[string]any{"value": value, "enabled": enabled})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, "/admin/flags/"+url.PathEscape(key), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var st flagship.FlagState
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &st, nil
}

// ListFlags retrieves every flag
func (c *AdminClient) ListFlags(ctx context.Context) ([]flagship.FlagState, error) {
	resp, err := c.do(ctx, http.MethodGet, "/admin/flags", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}

	var result struct {
		Flags []flagship.FlagState `json:"flags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return result.Flags, nil
}

// DeleteFlag deletes a flag
func (c *AdminClient) DeleteFlag(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, "/admin/flags/"+url.PathEscape(key), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return apiError(resp)
	}
	return nil
}

func (c *AdminClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

func apiError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(bodyBytes)))
}
