package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ZapClient speaks the ZAP JSON API. All calls are plain GETs returning small
// JSON documents.
type ZapClient struct {
	baseURL string
	hc      *http.Client
}

func NewZapClient(baseURL string) *ZapClient {
	return &ZapClient{
		baseURL: baseURL,
		hc:      &http.Client{Timeout: 30 * time.Second},
	}
}

// ZapAlert is one finding as the scan API reports it.
type ZapAlert struct {
	Alert       string `json:"alert"`
	Risk        string `json:"risk"`
	URL         string `json:"url"`
	Param       string `json:"param"`
	Description string `json:"description"`
	Solution    string `json:"solution"`
	Reference   string `json:"reference"`
}

func (c *ZapClient) getJSON(ctx context.Context, path string, params url.Values, dest any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decode %s reply: %w", path, err)
	}
	return nil
}

// Version probes the scan engine. A successful reply means it is ready.
func (c *ZapClient) Version(ctx context.Context) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := c.getJSON(ctx, "/JSON/core/view/version/", nil, &out); err != nil {
		return "", err
	}
	return out.Version, nil
}

// StartScan kicks off an active scan and returns the engine's scan id.
func (c *ZapClient) StartScan(ctx context.Context, target string) (string, error) {
	params := url.Values{
		"url":         {target},
		"recurse":     {"true"},
		"inScopeOnly": {"false"},
	}
	var out struct {
		Scan string `json:"scan"`
	}
	if err := c.getJSON(ctx, "/JSON/ascan/action/scan/", params, &out); err != nil {
		return "", err
	}
	if out.Scan == "" {
		return "", fmt.Errorf("scan of %s: engine returned no scan id", target)
	}
	return out.Scan, nil
}

// Status returns scan progress as a percentage.
func (c *ZapClient) Status(ctx context.Context, scanID string) (int, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/JSON/ascan/view/status/", url.Values{"scanId": {scanID}}, &out); err != nil {
		return 0, err
	}
	progress, err := strconv.Atoi(out.Status)
	if err != nil {
		return 0, fmt.Errorf("scan %s: non-numeric status %q", scanID, out.Status)
	}
	return progress, nil
}

// Alerts fetches every finding the engine has accumulated.
func (c *ZapClient) Alerts(ctx context.Context) ([]ZapAlert, error) {
	var out struct {
		Alerts []ZapAlert `json:"alerts"`
	}
	if err := c.getJSON(ctx, "/JSON/core/view/alerts/", nil, &out); err != nil {
		return nil, err
	}
	return out.Alerts, nil
}
