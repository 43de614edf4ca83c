// Package quickbase is a thin client for the Quickbase records API,
// covering the upsert and query calls the sync engine needs.
package quickbase

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const defaultBaseURL = "https://api.quickbase.com/v1"

// Client is the concrete RecordService backed by the Quickbase REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string // overridable for tests
	realm      string
	token      string
	log        zerolog.Logger
}

// NewClient creates a client for the given realm (without the
// ".quickbase.com" suffix) authenticated by a user token.
func NewClient(realm, token string, log zerolog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    defaultBaseURL,
		realm:      realm,
		token:      token,
		log:        log,
	}
}

type upsertRequest struct {
	To             string   `json:"to"`
	Data           []Record `json:"data"`
	MergeFieldID   int      `json:"mergeFieldId,omitempty"`
	FieldsToReturn []int    `json:"fieldsToReturn,omitempty"`
}

// Upsert implements RecordService.
func (c *Client) Upsert(ctx context.Context, tableID string, records []Record, mergeFieldID int, fieldsToReturn []int) (*UpsertResult, error) {
	body := upsertRequest{
		To:             tableID,
		Data:           records,
		MergeFieldID:   mergeFieldID,
		FieldsToReturn: fieldsToReturn,
	}

	var result UpsertResult
	if err := c.do(ctx, http.MethodPost, "/records", body, &result); err != nil {
		return nil, fmt.Errorf("Upsert: %w", err)
	}
	return &result, nil
}

type queryRequest struct {
	From   string `json:"from"`
	Select []int  `json:"select"`
	Where  string `json:"where,omitempty"`
}

type queryResponse struct {
	Data []Record `json:"data"`
}

// Query implements RecordService.
func (c *Client) Query(ctx context.Context, tableID string, selectFields []int, where string) ([]Record, error) {
	body := queryRequest{From: tableID, Select: selectFields, Where: where}

	var result queryResponse
	if err := c.do(ctx, http.MethodPost, "/records/query", body, &result); err != nil {
		return nil, fmt.Errorf("Query: %w", err)
	}
	return result.Data, nil
}

// do sends one API request. Status 200 and 207 (multi-status, carrying
// per-line errors in the metadata) both count as success.
func (c *Client) do(ctx context.Context, method, endpoint string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("QB-Realm-Hostname", c.realm+".quickbase.com")
	req.Header.Set("Authorization", "QB-USER-TOKEN "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusMultiStatus {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 500))
		c.log.Error().
			Int("status", resp.StatusCode).
			Str("endpoint", endpoint).
			Str("body", string(snippet)).
			Msg("Quickbase API error")
		return fmt.Errorf("%s %s: status %d", method, endpoint, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// fieldKey renders a field id the way record payloads key them.
func fieldKey(fieldID int) string {
	return strconv.Itoa(fieldID)
}

var _ RecordService = (*Client)(nil)
