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
)

type Client struct {
	BaseURL    string
	AdminToken string
	HTTP       *http.Client
}

func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AdminToken: adminToken,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response. Kind and Reason are set when the server
// answered with a business outcome rather than a plain error.
type APIError struct {
	Status  int
	Message string
	Kind    string
	Reason  string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return fmt.Sprintf("api status %d: %s", e.Status, e.Message)
}

func (c *Client) Company(ctx context.Context, id int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/companies/%d", id), "", nil, &out, "")
	return out, err
}

func (c *Client) Stakes(ctx context.Context, companyID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/companies/%d/stakes", companyID), "", nil, &out, "")
	return out, err
}

func (c *Client) Reports(ctx context.Context, companyID int64, limit int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/companies/%d/reports?limit=%d", companyID, limit), "", nil, &out, "")
	return out, err
}

// ReportsText fetches the plain-text rendering of recent reports.
func (c *Client) ReportsText(ctx context.Context, companyID int64, limit int) (string, error) {
	q := url.Values{"limit": {fmt.Sprint(limit)}, "format": {"text"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/v1/companies/%d/reports?%s", c.BaseURL, companyID, q.Encode()), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 300 {
		return "", decodeAPIError(resp.StatusCode, raw)
	}
	return string(raw), nil
}

func (c *Client) Invest(ctx context.Context, companyID, holderID, amount int64, idem string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/companies/%d/invest", companyID), "", map[string]any{
		"holder_id": holderID,
		"amount":    amount,
	}, &out, idem)
	return out, err
}

func (c *Client) User(ctx context.Context, id int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/users/%d", id), "", nil, &out, "")
	return out, err
}

func (c *Client) Leaderboard(ctx context.Context, board string, limit int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/leaderboard/%s?limit=%d", url.PathEscape(board), limit), "", nil, &out, "")
	return out, err
}

func (c *Client) CreateUser(ctx context.Context, name string, balance int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/users", c.AdminToken, map[string]any{
		"name":    name,
		"balance": balance,
	}, &out, "")
	return out, err
}

func (c *Client) CreateCompany(ctx context.Context, ownerID int64, name, companyType string) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/companies", c.AdminToken, map[string]any{
		"owner_id": ownerID,
		"name":     name,
		"type":     companyType,
	}, &out, "")
	return out, err
}

func (c *Client) Adjust(ctx context.Context, kind string, id, delta int64, retries int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/admin/accounts/%s/%d/adjust", url.PathEscape(kind), id), c.AdminToken, map[string]any{
		"delta":   delta,
		"retries": retries,
	}, &out, "")
	return out, err
}

func (c *Client) Buffs(ctx context.Context, companyID int64) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodGet, fmt.Sprintf("/v1/companies/%d/buffs", companyID), "", nil, &out, "")
	return out, err
}

// GrantBuff grants a shop item. pct and hours only apply to market_analysis.
func (c *Client) GrantBuff(ctx context.Context, companyID int64, item string, pct float64, hours int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/admin/companies/%d/buffs", companyID), c.AdminToken, map[string]any{
		"item":  item,
		"pct":   pct,
		"hours": hours,
	}, &out, "")
	return out, err
}

func (c *Client) StartAd(ctx context.Context, companyID int64, tier string, boostPct float64, hours int) (map[string]any, error) {
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, fmt.Sprintf("/v1/admin/companies/%d/ads", companyID), c.AdminToken, map[string]any{
		"tier":      tier,
		"boost_pct": boostPct,
		"hours":     hours,
	}, &out, "")
	return out, err
}

// RunSettlement settles date, or today (UTC) when date is empty.
func (c *Client) RunSettlement(ctx context.Context, date string) (map[string]any, error) {
	body := map[string]any{}
	if date != "" {
		body["date"] = date
	}
	var out map[string]any
	err := c.jsonRequest(ctx, http.MethodPost, "/v1/admin/settlement/run", c.AdminToken, body, &out, "")
	return out, err
}

func (c *Client) jsonRequest(ctx context.Context, method, path, accessToken string, in any, out any, idem string) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}
	if idem != "" {
		req.Header.Set("Idempotency-Key", idem)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return decodeAPIError(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeAPIError(status int, raw []byte) *APIError {
	apiErr := &APIError{Status: status, Message: strings.TrimSpace(string(raw))}
	var body struct {
		Error  string `json:"error"`
		Kind   string `json:"kind"`
		Reason string `json:"reason"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			apiErr.Message = body.Error
		}
		apiErr.Kind, apiErr.Reason = body.Kind, body.Reason
	}
	return apiErr
}
