// Package dcpeer defines the consumer-side interface to the configuration
// cache peer ("DC") — the external subsystem holding the canonical runtime
// view of proxy groups and proxy heartbeats (see SPEC_FULL.md §4.10). PGM
// both reads from it and pushes revision updates to it.
//
// HTTPClient is a small JSON-over-HTTP implementation, styled after the
// same request/response conventions internal/ipc uses on the server side.
package dcpeer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// GroupDef is a proxy-group definition as published by the DC peer.
type GroupDef struct {
	GroupID       uint64 `json:"groupid"`
	FailoverDelay int64  `json:"failover_delay"`
	MinOnline     int    `json:"min_online"`
	SyncRevision  uint64 `json:"sync_revision"`
	Revision      uint64 `json:"revision"`
}

// ProxyRef identifies a proxy whose LastAccess should be refreshed in
// place by GetGroupProxyLastAccess.
type ProxyRef struct {
	ProxyID    uint64
	LastAccess int64 // refreshed in place
}

// Client is the consumer-side configuration-cache peer interface (§6).
type Client interface {
	// GetProxyGroups performs a bulk pull of current group definitions.
	// Groups missing from the returned set must be treated as removed by
	// the caller (their SyncRevision will not be refreshed).
	GetProxyGroups(ctx context.Context) ([]GroupDef, uint64, error)

	// GetGroupProxyLastAccess refreshes LastAccess on each entry in place.
	GetGroupProxyLastAccess(ctx context.Context, proxies []*ProxyRef) error

	// UpdateGroupHPMapRevision publishes the new host-mapping revision for
	// the listed groups.
	UpdateGroupHPMapRevision(ctx context.Context, groupIDs []uint64, revision uint64) error
}

// ErrTransient wraps a DC peer failure that should be treated as
// CONFIG_PEER_TRANSIENT: skip this tick, retry on the next.
type ErrTransient struct {
	Op  string
	Err error
}

func (e *ErrTransient) Error() string {
	return fmt.Sprintf("dcpeer: %s: %v", e.Op, e.Err)
}

func (e *ErrTransient) Unwrap() error { return e.Err }

// HTTPClient talks to a DC peer exposed as a small JSON HTTP service.
type HTTPClient struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPClient creates a client bound to baseURL (e.g. "http://127.0.0.1:10052").
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) GetProxyGroups(ctx context.Context) ([]GroupDef, uint64, error) {
	var out struct {
		Groups   []GroupDef `json:"groups"`
		Revision uint64     `json:"revision"`
	}
	if err := c.getJSON(ctx, "/proxy-groups", &out); err != nil {
		return nil, 0, &ErrTransient{Op: "get_proxy_groups", Err: err}
	}
	return out.Groups, out.Revision, nil
}

func (c *HTTPClient) GetGroupProxyLastAccess(ctx context.Context, proxies []*ProxyRef) error {
	if len(proxies) == 0 {
		return nil
	}
	ids := make([]uint64, len(proxies))
	for i, p := range proxies {
		ids[i] = p.ProxyID
	}

	var resp struct {
		LastAccess map[string]int64 `json:"lastaccess"`
	}
	if err := c.postJSON(ctx, "/group-proxy-lastaccess", struct {
		ProxyIDs []uint64 `json:"proxyids"`
	}{ids}, &resp); err != nil {
		return &ErrTransient{Op: "get_group_proxy_lastaccess", Err: err}
	}

	for _, p := range proxies {
		if v, ok := resp.LastAccess[fmt.Sprint(p.ProxyID)]; ok {
			p.LastAccess = v
		}
	}
	return nil
}

func (c *HTTPClient) UpdateGroupHPMapRevision(ctx context.Context, groupIDs []uint64, revision uint64) error {
	if len(groupIDs) == 0 {
		return nil
	}
	err := c.postJSON(ctx, "/update-group-hpmap-revision", struct {
		GroupIDs []uint64 `json:"groupids"`
		Revision uint64   `json:"revision"`
	}{groupIDs, revision}, nil)
	if err != nil {
		return &ErrTransient{Op: "update_group_hpmap_revision", Err: err}
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("dc peer returned %s", resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
