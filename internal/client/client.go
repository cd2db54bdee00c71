// Package client is a small HTTP client for the policy API used by policyctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/TimurManjosov/gopolicy/internal/evaluation"
	"github.com/TimurManjosov/gopolicy/internal/pagination"
	"github.com/TimurManjosov/gopolicy/internal/policy"
	"github.com/TimurManjosov/gopolicy/internal/rules"
)

// Client is an HTTP client for the policy API
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response. Code and Errors come from the server's
// structured error body when it has one.
type APIError struct {
	Status  int
	Code    string
	Message string
	Errors  []string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("API error (status %d", e.Status)
	if e.Code != "" {
		msg += ", " + e.Code
	}
	msg += "): " + e.Message
	if len(e.Errors) > 0 {
		msg += ": " + strings.Join(e.Errors, "; ")
	}
	return msg
}

// ListOptions filter a rule listing. Zero values are left to the server.
type ListOptions struct {
	PolicyType rules.PolicyType
	Active     *bool
	Page       int
	Size       int
}

// ListRules retrieves one page of rules
func (c *Client) ListRules(ctx context.Context, opts ListOptions) (*pagination.Page[rules.Rule], error) {
	q := url.Values{}
	if opts.PolicyType != "" {
		q.Set("policyType", string(opts.PolicyType))
	}
	if opts.Active != nil {
		q.Set("active", strconv.FormatBool(*opts.Active))
	}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Size > 0 {
		q.Set("size", strconv.Itoa(opts.Size))
	}
	var page pagination.Page[rules.Rule]
	if err := c.do(ctx, http.MethodGet, "/v1/rules", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetRule retrieves a single rule by id
func (c *Client) GetRule(ctx context.Context, id string) (*rules.Rule, error) {
	var r rules.Rule
	if err := c.do(ctx, http.MethodGet, "/v1/rules/"+url.PathEscape(id), nil, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ToggleRule sets a rule's active flag, or flips it when active is nil.
func (c *Client) ToggleRule(ctx context.Context, id string, active *bool) (*rules.Rule, error) {
	q := url.Values{}
	if active != nil {
		q.Set("active", strconv.FormatBool(*active))
	}
	var r rules.Rule
	if err := c.do(ctx, http.MethodPost, "/v1/rules/"+url.PathEscape(id)+"/toggle", q, nil, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Evaluate runs the active rule of a policy type.
func (c *Client) Evaluate(ctx context.Context, policyType string, input map[string]any) (*evaluation.Result, error) {
	if input == nil {
		input = map[string]any{}
	}
	var res evaluation.Result
	body := map[string]any{"data": input}
	if err := c.do(ctx, http.MethodPost, "/v1/policies/"+url.PathEscape(policyType)+"/evaluate", nil, body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Schema retrieves the input and result fields of a policy type's active rule.
func (c *Client) Schema(ctx context.Context, policyType string) (*policy.PolicySchema, error) {
	var s policy.PolicySchema
	if err := c.do(ctx, http.MethodGet, "/v1/policies/"+url.PathEscape(policyType)+"/schema", nil, nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	apiErr := &APIError{Status: resp.StatusCode}
	var body struct {
		Message string   `json:"message"`
		Code    any      `json:"code"`
		Errors  []string `json:"errors"`
	}
	if json.Unmarshal(bodyBytes, &body) == nil && body.Message != "" {
		apiErr.Message = body.Message
		apiErr.Errors = body.Errors
		if code, ok := body.Code.(string); ok {
			apiErr.Code = code
		}
		return apiErr
	}
	apiErr.Message = strings.TrimSpace(string(bodyBytes))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
