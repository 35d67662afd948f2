package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hemostat/internal/agent"
	"github.com/hemostat/internal/models"
	"github.com/hemostat/internal/schema"
)

// APIClient talks to the hemostat dashboard API. The token comes from a prior
// login and rides every request as a bearer header.
type APIClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func New(baseURL, token string) *APIClient {
	return &APIClient{
		baseURL: baseURL,
		token:   token,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *APIClient) doRequest(method, path string, body any) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			return nil, fmt.Errorf("server: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("server: status %d", resp.StatusCode)
	}
	return respBody, nil
}

func getInto[T any](c *APIClient, path string) (T, error) {
	var out T
	resp, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(resp, &out); err != nil {
		return out, err
	}
	return out, nil
}

func (c *APIClient) Login(username, password string) (string, error) {
	resp, err := c.doRequest(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
	if err != nil {
		return "", err
	}
	var result struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(resp, &result); err != nil {
		return "", err
	}
	return result.Token, nil
}

func (c *APIClient) Containers() ([]schema.ContainerSample, error) {
	return getInto[[]schema.ContainerSample](c, "/api/v1/containers")
}

func (c *APIClient) Events(kind string, limit int) ([]schema.EventRecord, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/events"
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	return getInto[[]schema.EventRecord](c, path)
}

func (c *APIClient) Audit(container string, limit int) ([]schema.AuditEntry, error) {
	path := fmt.Sprintf("/api/v1/containers/%s/audit?limit=%d", url.PathEscape(container), limit)
	return getInto[[]schema.AuditEntry](c, path)
}

func (c *APIClient) History(container string, limit int) ([]schema.HealthAlert, error) {
	path := fmt.Sprintf("/api/v1/containers/%s/history?limit=%d", url.PathEscape(container), limit)
	return getInto[[]schema.HealthAlert](c, path)
}

func (c *APIClient) Agents() ([]agent.Heartbeat, error) {
	return getInto[[]agent.Heartbeat](c, "/api/v1/agents")
}

func (c *APIClient) Reports(limit int) ([]models.RemediationReport, error) {
	return getInto[[]models.RemediationReport](c, fmt.Sprintf("/api/v1/reports?limit=%d", limit))
}

func (c *APIClient) GenerateReport(hours int) (*models.RemediationReport, error) {
	resp, err := c.doRequest(http.MethodPost, "/api/v1/reports/generate", map[string]int{"hours": hours})
	if err != nil {
		return nil, err
	}
	var rep models.RemediationReport
	if err := json.Unmarshal(resp, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}
