package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"herbcert/internal/domain"
)

// ErrUnavailable means the archive service could not be reached. Archive
// writes are reported but never block completion: the ledger record is the
// source of truth and the archive can be reconciled later.
var ErrUnavailable = errors.New("archive unavailable")

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// Entry is the archived copy of a completed certification.
type Entry struct {
	Record    domain.MeasurementRecord `json:"record"`
	Verdict   domain.Verdict           `json:"verdict"`
	CID       string                   `json:"cid"`
	TxHash    string                   `json:"tx_hash"`
	LicenseID string                   `json:"license_id"`
}

// Store upserts the archived entry, keyed by batch id. Safe to retry.
func (c *Client) Store(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode archive entry: %w", err)
	}
	u := c.BaseURL + "/batches/" + url.PathEscape(e.Record.BatchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	return nil
}
