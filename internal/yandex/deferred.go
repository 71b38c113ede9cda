// Package yandex implements the deferred (asynchronous) web-search client:
// operation creation behind a nightly quiet window and sliding-window rate
// limits, operation polling, and base64 XML payload decoding. It also holds
// the IAM token exchange used to authenticate both endpoints.
package yandex

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"
)

const (
	searchAsyncURL = "https://searchapi.api.cloud.yandex.net/v2/web/searchAsync"
	operationURL   = "https://operation.api.cloud.yandex.net/operations"
)

// DefaultRegion is the country-wide region code used when a query carries none.
const DefaultRegion = 225

// QueryParams describes one deferred search request.
type QueryParams struct {
	QueryText string
	Region    int
	Page      int
}

// Operation is the deferred-search job state returned by both endpoints.
type Operation struct {
	ID       string             `json:"id"`
	Done     bool               `json:"done"`
	Response *OperationResponse `json:"response,omitempty"`
	Error    *OperationError    `json:"error,omitempty"`
}

// OperationResponse holds the completed payload, a base64-encoded XML blob.
type OperationResponse struct {
	RawData string `json:"rawData"`
}

// OperationError is the server-side failure detail of an operation.
type OperationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// DecodeRawData base64-decodes the XML payload of a completed operation.
func (o *Operation) DecodeRawData() ([]byte, error) {
	if o.Response == nil || o.Response.RawData == "" {
		return nil, ErrMissingRawData
	}
	data, err := base64.StdEncoding.DecodeString(o.Response.RawData)
	if err != nil {
		return nil, fmt.Errorf("decode rawData: %w", err)
	}
	return data, nil
}

// NightWindow restricts operation creation to a local-time interval.
// Start and End are hours; End is exclusive. A Start greater than End means
// the window spans midnight.
type NightWindow struct {
	Enabled  bool
	Start    int
	End      int
	Location *time.Location
}

// DefaultNightWindow allows creation between 00:00 and 07:59 local time.
func DefaultNightWindow(loc *time.Location) NightWindow {
	if loc == nil {
		loc = time.UTC
	}
	return NightWindow{Enabled: true, Start: 0, End: 8, Location: loc}
}

// Contains reports whether t falls inside the window.
func (w NightWindow) Contains(t time.Time) bool {
	if !w.Enabled {
		return true
	}
	loc := w.Location
	if loc == nil {
		loc = time.UTC
	}
	hour := t.In(loc).Hour()
	if w.Start <= w.End {
		return hour >= w.Start && hour < w.End
	}
	return hour >= w.Start || hour < w.End
}

// ClientConfig wires a deferred-search client together.
type ClientConfig struct {
	FolderID    string
	Tokens      TokenProvider
	HTTP        HTTPDoer
	NightWindow NightWindow
	// CreateRules and StatusRules default to DefaultRules when nil.
	CreateRules []Rule
	StatusRules []Rule
}

// Client talks to the deferred search API. Creation and status polling have
// independent rate limiters.
type Client struct {
	folderID      string
	tokens        TokenProvider
	http          HTTPDoer
	nightWindow   NightWindow
	createLimiter *SlidingLimiter
	statusLimiter *SlidingLimiter
	now           func() time.Time

	searchURL    string
	operationURL string
}

// NewClient builds a client. The token provider is required.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("yandex client requires a token provider")
	}
	httpc := cfg.HTTP
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	createRules := cfg.CreateRules
	if createRules == nil {
		createRules = DefaultRules()
	}
	statusRules := cfg.StatusRules
	if statusRules == nil {
		statusRules = DefaultRules()
	}
	return &Client{
		folderID:      cfg.FolderID,
		tokens:        cfg.Tokens,
		http:          httpc,
		nightWindow:   cfg.NightWindow,
		createLimiter: NewSlidingLimiter(createRules),
		statusLimiter: NewSlidingLimiter(statusRules),
		now:           time.Now,
		searchURL:     searchAsyncURL,
		operationURL:  operationURL,
	}, nil
}

// CreateDeferredSearch submits a new asynchronous search. Outside the night
// window it returns ErrNightWindow without touching the network.
func (c *Client) CreateDeferredSearch(ctx context.Context, params QueryParams) (*Operation, error) {
	if !c.nightWindow.Contains(c.now()) {
		return nil, ErrNightWindow
	}
	if err := c.createLimiter.Acquire(ctx); err != nil {
		return nil, err
	}

	region := params.Region
	if region <= 0 {
		region = DefaultRegion
	}

	payload := map[string]any{
		"query": map[string]any{
			"searchType":  "SEARCH_TYPE_RU",
			"queryText":   params.QueryText,
			"familyMode":  "FAMILY_MODE_MODERATE",
			"page":        strconv.Itoa(params.Page),
			"fixTypoMode": "FIX_TYPO_MODE_ON",
		},
		"sortSpec": map[string]any{
			"sortMode":  "SORT_MODE_BY_RELEVANCE",
			"sortOrder": "SORT_ORDER_DESC",
		},
		"groupSpec": map[string]any{
			"groupMode":    "GROUP_MODE_DEEP",
			"groupsOnPage": 100,
			"docsInGroup":  1,
		},
		"maxPassages":    3,
		"region":         strconv.Itoa(region),
		"l10n":           "LOCALIZATION_RU",
		"folderId":       c.folderID,
		"responseFormat": "FORMAT_XML",
	}

	op, err := c.doJSON(ctx, http.MethodPost, c.searchURL, payload)
	if err != nil {
		return nil, err
	}
	log.Printf("[Yandex] Created deferred search %s for %q (region %d)", op.ID, params.QueryText, region)
	return op, nil
}

// GetOperation polls the current state of an operation.
func (c *Client) GetOperation(ctx context.Context, operationID string) (*Operation, error) {
	if operationID == "" {
		return nil, fmt.Errorf("operation id is empty")
	}
	if err := c.statusLimiter.Acquire(ctx); err != nil {
		return nil, err
	}
	return c.doJSON(ctx, http.MethodGet, c.operationURL+"/"+operationID, nil)
}

// WaitUntilReady polls until the operation is done or the deadline passes.
// On deadline it returns an *OperationTimeoutError; the operation stays
// running server-side.
func (c *Client) WaitUntilReady(ctx context.Context, operationID string, interval, deadline time.Duration) (*Operation, error) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	start := c.now()
	for {
		op, err := c.GetOperation(ctx, operationID)
		if err != nil {
			return nil, err
		}
		if op.Done {
			return op, nil
		}
		waited := c.now().Sub(start)
		if deadline > 0 && waited+interval > deadline {
			return nil, &OperationTimeoutError{OperationID: operationID, Waited: waited}
		}
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, err
		}
	}
}

func (c *Client) doJSON(ctx context.Context, method, url string, payload any) (*Operation, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yandex request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var op Operation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("decode operation: %w", err)
	}
	return &op, nil
}
