package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// APIError surfaces non-2xx responses from the server together with the
// structured error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Fqid       string
	Expected   int64
	Actual     int64
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
}

//nolint:errorlint
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	}
	return false
}

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrTimeout  = errors.New("no change within timeout")
)

type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, http: httpClient}
}

// Wire types mirror the server's JSON surface.

type Mutation struct {
	Kind     string                     `json:"kind"`
	Fqid     string                     `json:"fqid"`
	Fields   map[string]json.RawMessage `json:"fields,omitempty"`
	Expected int64                      `json:"expected_position"`
}

type WriteRequest struct {
	Mutations []Mutation `json:"mutations"`
}

type Record struct {
	Fqid     string                     `json:"fqid"`
	Fields   map[string]json.RawMessage `json:"fields"`
	Position int64                      `json:"position"`
	Deleted  bool                       `json:"deleted"`
}

type ChangeEvent struct {
	Position       int64      `json:"position"`
	MigrationIndex int        `json:"migration_index"`
	Mutations      []Mutation `json:"mutations"`
}

// Write commits a request and returns the assigned position.
func (c *Client) Write(ctx context.Context, req WriteRequest) (int64, error) {
	var out struct {
		Position int64 `json:"position"`
	}
	if err := c.postJSON(ctx, "/v1/write", req, &out); err != nil {
		return 0, err
	}
	return out.Position, nil
}

// Create is a one-mutation convenience around Write.
func (c *Client) Create(ctx context.Context, fqid string, fields map[string]json.RawMessage) (int64, error) {
	return c.Write(ctx, WriteRequest{Mutations: []Mutation{{Kind: "create", Fqid: fqid, Fields: fields}}})
}

// Update is a one-mutation convenience around Write.
func (c *Client) Update(ctx context.Context, fqid string, expected int64, fields map[string]json.RawMessage) (int64, error) {
	return c.Write(ctx, WriteRequest{Mutations: []Mutation{{
		Kind: "update", Fqid: fqid, Expected: expected, Fields: fields,
	}}})
}

// Delete tombstones an instance.
func (c *Client) Delete(ctx context.Context, fqid string, expected int64) (int64, error) {
	return c.Write(ctx, WriteRequest{Mutations: []Mutation{{Kind: "delete", Fqid: fqid, Expected: expected}}})
}

// Get retrieves the current record; returns ErrNotFound on 404.
func (c *Client) Get(ctx context.Context, fqid string) (Record, error) {
	var rec Record
	if err := c.postJSON(ctx, "/v1/read/get", map[string]string{"fqid": fqid}, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// GetMany resolves a batch; missing instances are absent from the map.
func (c *Client) GetMany(ctx context.Context, fqids []string) (map[string]Record, error) {
	out := make(map[string]Record)
	if err := c.postJSON(ctx, "/v1/read/get_many", map[string]any{"fqids": fqids}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Filter returns the collection's records whose field equals value.
func (c *Client) Filter(ctx context.Context, collection, field string, value any) ([]Record, error) {
	var out struct {
		Records []Record `json:"records"`
	}
	body := map[string]any{"collection": collection, "field": field, "value": value}
	if err := c.postJSON(ctx, "/v1/read/filter", body, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// WaitForChange long-polls for the next event past since; ErrTimeout when
// the window elapses.
func (c *Client) WaitForChange(ctx context.Context, since int64, timeout time.Duration) (ChangeEvent, error) {
	endpoint := fmt.Sprintf("%s/v1/changes?since=%d&timeout=%s", c.baseURL, since, url.QueryEscape(timeout.String()))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ChangeEvent{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return ChangeEvent{}, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		var ev ChangeEvent
		if err := json.NewDecoder(resp.Body).Decode(&ev); err != nil {
			return ChangeEvent{}, err
		}
		return ev, nil
	case http.StatusNoContent:
		return ChangeEvent{}, ErrTimeout
	default:
		return ChangeEvent{}, newAPIError(resp)
	}
}

// Truncate wipes the datastore; only available in dev mode.
func (c *Client) Truncate(ctx context.Context) error {
	return c.postJSON(ctx, "/v1/truncate", struct{}{}, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body, into any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return newAPIError(resp)
	}
	if into == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

func newAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	var envelope struct {
		Error struct {
			Code     string `json:"code"`
			Message  string `json:"message"`
			Fqid     string `json:"fqid"`
			Expected int64  `json:"expected_position"`
			Actual   int64  `json:"actual_position"`
		} `json:"error"`
	}
	if body, err := io.ReadAll(resp.Body); err == nil {
		if json.Unmarshal(body, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Fqid = envelope.Error.Fqid
			apiErr.Expected = envelope.Error.Expected
			apiErr.Actual = envelope.Error.Actual
		} else {
			apiErr.Message = string(body)
		}
	}
	return apiErr
}
