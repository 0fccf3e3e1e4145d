// Package collector ships the one concrete backend binding: a generic HTTP
// agent collector. Everything else the cache talks to stays behind the
// cache.Collector interface.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"invd/services/cache"
)

const defaultClientTimeout = 30 * time.Second

// HTTPCollector fetches inventory records from a per-provider agent endpoint
// exposing GET {base}/inventory/{scope}/{host}?level={level}.
type HTTPCollector struct {
	base   string
	scope  cache.Scope
	client *http.Client
}

// NewHTTPCollector creates a collector for one provider endpoint and scope.
// client may be nil; a default with a conservative timeout is used. The
// orchestrator's per-host budget still applies through ctx.
func NewHTTPCollector(base string, scope cache.Scope, client *http.Client) (*HTTPCollector, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return nil, errors.New("collector endpoint is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid collector endpoint: %w", err)
	}
	if client == nil {
		client = &http.Client{Timeout: defaultClientTimeout}
	}
	return &HTTPCollector{base: base, scope: scope, client: client}, nil
}

// Collect implements cache.Collector.
func (c *HTTPCollector) Collect(ctx context.Context, hostID, level string) ([]cache.Record, error) {
	if c == nil {
		return nil, errors.New("nil collector")
	}

	endpoint := fmt.Sprintf("%s/inventory/%s/%s?level=%s",
		c.base, url.PathEscape(string(c.scope)), url.PathEscape(hostID), url.QueryEscape(level))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		// Surface the context cause so deadline hits classify as timeouts.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned %s for host %s", resp.Status, hostID)
	}

	var body struct {
		Records []cache.Record `json:"records"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode agent response for host %s: %w", hostID, err)
	}
	return body.Records, nil
}
