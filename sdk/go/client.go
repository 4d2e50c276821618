package taskledgersdk

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
)

// Client is a minimal Taskledger HTTP API client.
type Client struct {
	BaseURL  string
	BasePath string
	// BearerToken authenticates admin calls (backfill, rebuild).
	BearerToken string
	// WebhookSecret is sent on DeliverWebhook.
	WebhookSecret string
	HTTPClient    *http.Client
	Timeout       time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v1",
		Timeout:  30 * time.Second,
	}
}

// Event is a decoded program event.
type Event struct {
	ID          string            `json:"id"`
	Signature   string            `json:"signature"`
	Slot        uint64            `json:"slot"`
	BlockTime   int64             `json:"blockTime"`
	EventName   string            `json:"eventName"`
	Data        map[string]string `json:"data"`
	TaskAddress string            `json:"taskAddress,omitempty"`
}

// HistoricalTask is a closed task.
type HistoricalTask struct {
	Address          string `json:"address"`
	Title            string `json:"title"`
	DescriptionHash  string `json:"descriptionHash"`
	DeliverableHash  string `json:"deliverableHash"`
	Creator          string `json:"creator"`
	TaskIndex        string `json:"taskIndex"`
	BountyLamports   string `json:"bountyLamports"`
	Deadline         int64  `json:"deadline"`
	FinalStatus      string `json:"finalStatus"`
	Agent            string `json:"agent"`
	PayoutLamports   string `json:"payoutLamports"`
	FeeLamports      string `json:"feeLamports"`
	RefundedLamports string `json:"refundedLamports"`
	CreatedAt        int64  `json:"createdAt"`
	ClosedAt         int64  `json:"closedAt"`
	UpdatedAt        string `json:"updatedAt,omitempty"`
}

type Stats struct {
	TotalEvents          int            `json:"totalEvents"`
	TotalHistoricalTasks int            `json:"totalHistoricalTasks"`
	ByStatus             map[string]int `json:"byStatus"`
	LastEventTime        *int64         `json:"lastEventTime"`
	ApprovedCount        int            `json:"approvedCount"`
	CancelledCount       int            `json:"cancelledCount"`
	ExpiredCount         int            `json:"expiredCount"`
	DisputeResolvedCount int            `json:"disputeResolvedCount"`
	WebhookConfigured    bool           `json:"webhookConfigured"`
}

type BackfillResult struct {
	RunID               string `json:"runId"`
	SignaturesScanned   int    `json:"signaturesScanned"`
	TransactionsFetched int    `json:"transactionsFetched"`
	EventsParsed        int    `json:"eventsParsed"`
	EventsIngested      int    `json:"eventsIngested"`
	Errors              int    `json:"errors"`
	DurationMs          int64  `json:"durationMs"`
}

type RebuildResult struct {
	Tasks      int   `json:"tasks"`
	DurationMs int64 `json:"durationMs"`
}

type WebhookResult struct {
	OK           bool `json:"ok"`
	Transactions int  `json:"transactions"`
	Parsed       int  `json:"parsed"`
	Ingested     int  `json:"ingested"`
	Titles       int  `json:"titles"`
	Rebuilt      int  `json:"rebuilt"`
}

// HistoryQuery filters ListHistory. Zero values are omitted.
type HistoryQuery struct {
	Status  string
	Creator string
	Agent   string
	Limit   int
	Offset  int
}

type HistoryPage struct {
	Tasks  []HistoricalTask `json:"tasks"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

type TaskDetail struct {
	Task   HistoricalTask `json:"task"`
	Events []Event        `json:"events"`
}

type Description struct {
	DescriptionHash string  `json:"descriptionHash"`
	Content         string  `json:"content"`
	TaskAddress     *string `json:"taskAddress,omitempty"`
	Creator         *string `json:"creator,omitempty"`
}

// Deliverable is submitted work text keyed by its SHA-256 hash.
type Deliverable struct {
	DeliverableHash string  `json:"deliverableHash"`
	Content         string  `json:"content"`
	TaskAddress     *string `json:"taskAddress,omitempty"`
	Agent           *string `json:"agent,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) Status(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "indexer/status", nil, &resp)
	return resp, err
}

// RecentEvents returns the newest events, newest first.
func (c *Client) RecentEvents(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "indexer/events"
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) Backfill(ctx context.Context, limit int, before string) (BackfillResult, error) {
	body := map[string]any{}
	if limit > 0 {
		body["limit"] = limit
	}
	if before != "" {
		body["before"] = before
	}
	var resp BackfillResult
	err := c.do(ctx, http.MethodPost, "history/backfill", body, &resp)
	return resp, err
}

func (c *Client) Rebuild(ctx context.Context) (RebuildResult, error) {
	var resp RebuildResult
	err := c.do(ctx, http.MethodPost, "history/rebuild", nil, &resp)
	return resp, err
}

func (c *Client) ListHistory(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	v := url.Values{}
	if q.Status != "" {
		v.Set("status", q.Status)
	}
	if q.Creator != "" {
		v.Set("creator", q.Creator)
	}
	if q.Agent != "" {
		v.Set("agent", q.Agent)
	}
	if q.Limit > 0 {
		v.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		v.Set("offset", strconv.Itoa(q.Offset))
	}
	endpoint := "history/tasks"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp HistoryPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) HistoryTask(ctx context.Context, address string) (TaskDetail, error) {
	var resp TaskDetail
	err := c.do(ctx, http.MethodGet, "history/tasks/"+url.PathEscape(address), nil, &resp)
	return resp, err
}

func (c *Client) HistoryStats(ctx context.Context) (Stats, error) {
	var resp Stats
	err := c.do(ctx, http.MethodGet, "history/stats", nil, &resp)
	return resp, err
}

func (c *Client) StoreDescription(ctx context.Context, d Description) (Description, error) {
	var resp Description
	err := c.do(ctx, http.MethodPost, "descriptions", d, &resp)
	return resp, err
}

func (c *Client) Description(ctx context.Context, hash string) (Description, error) {
	var resp Description
	err := c.do(ctx, http.MethodGet, "descriptions/"+url.PathEscape(hash), nil, &resp)
	return resp, err
}

func (c *Client) StoreDeliverable(ctx context.Context, d Deliverable) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodPost, "descriptions/deliverables", d, &resp)
	return resp, err
}

func (c *Client) Deliverable(ctx context.Context, hash string) (Deliverable, error) {
	var resp Deliverable
	err := c.do(ctx, http.MethodGet, "descriptions/deliverables/"+url.PathEscape(hash), nil, &resp)
	return resp, err
}

// DeliverWebhook posts a raw Helius payload, as the webhook provider would.
func (c *Client) DeliverWebhook(ctx context.Context, payload []byte) (WebhookResult, error) {
	var resp WebhookResult
	err := c.do(ctx, http.MethodPost, "webhook/helius", json.RawMessage(payload), &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case strings.HasPrefix(endpoint, "webhook/") && c.WebhookSecret != "":
		req.Header.Set("Authorization", "Bearer "+c.WebhookSecret)
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}
