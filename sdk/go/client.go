package planlinesdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Planline HTTP API client.
type Client struct {
	BaseURL           string
	VerificationToken string
	BearerToken       string
	HTTPClient        *http.Client
	Timeout           time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Spec is one unit of work inside a plan.
type Spec struct {
	Purpose     string   `json:"purpose"`
	Vision      string   `json:"vision"`
	Must        []string `json:"must,omitempty"`
	Dont        []string `json:"dont,omitempty"`
	Nice        []string `json:"nice,omitempty"`
	Assumptions []string `json:"assumptions,omitempty"`
}

// PlanCreateResult is the ingestion response body.
type PlanCreateResult struct {
	PlanID string `json:"plan_id"`
	Status string `json:"status"`
}

// SpecStatus is one spec of the plan status view.
type SpecStatus struct {
	SpecIndex int     `json:"spec_index"`
	Status    string  `json:"status"`
	Stage     *string `json:"stage,omitempty"`
	UpdatedAt string  `json:"updated_at"`
}

// PlanStatus is the plan status view.
type PlanStatus struct {
	PlanID           string       `json:"plan_id"`
	OverallStatus    string       `json:"overall_status"`
	CreatedAt        string       `json:"created_at"`
	UpdatedAt        string       `json:"updated_at"`
	TotalSpecs       int          `json:"total_specs"`
	CompletedSpecs   int          `json:"completed_specs"`
	CurrentSpecIndex *int         `json:"current_spec_index"`
	Specs            []SpecStatus `json:"specs"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePlan ingests a plan. Created is true on a fresh 201; an identical
// replay returns 200 with Created false.
func (c *Client) CreatePlan(ctx context.Context, planID string, specs []Spec) (PlanCreateResult, bool, error) {
	body := map[string]any{"id": planID, "specs": specs}
	var resp PlanCreateResult
	status, err := c.do(ctx, http.MethodPost, "plans", body, &resp)
	return resp, status == http.StatusCreated, err
}

// GetPlan fetches the plan status view.
func (c *Client) GetPlan(ctx context.Context, planID string, includeStage bool) (PlanStatus, error) {
	var resp PlanStatus
	endpoint := fmt.Sprintf("plans/%s?include_stage=%t", url.PathEscape(planID), includeStage)
	_, err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Health checks service liveness.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, "health", nil, nil)
	return err
}

// PostSpecStatus wraps a status payload in a push envelope and posts it to
// the webhook. Useful for local fleets and tests.
func (c *Client) PostSpecStatus(ctx context.Context, messageID, planID string, specIndex int, status, stage string) error {
	inner := map[string]any{
		"plan_id":    planID,
		"spec_index": specIndex,
		"status":     status,
	}
	if stage != "" {
		inner["stage"] = stage
	}
	data, err := json.Marshal(inner)
	if err != nil {
		return err
	}
	envelope := map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": messageID,
		},
	}
	_, err = c.do(ctx, http.MethodPost, "pubsub/spec-status", envelope, nil)
	return err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) (int, error) {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.VerificationToken != "":
		req.Header.Set("x-goog-pubsub-verification-token", c.VerificationToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return resp.StatusCode, json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
