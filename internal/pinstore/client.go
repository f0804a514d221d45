package pinstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"herbcert/internal/domain"
)

// ErrUnavailable means the pin service could not be reached or failed
// server-side. Uploads are safe to retry: pinning is idempotent per content.
var ErrUnavailable = errors.New("pin store unavailable")

var ErrNotFound = errors.New("pin not found")

type Client struct {
	APIBase    string
	APIKey     string
	APISecret  string
	GatewayURL string
	HTTP       *http.Client
}

func New(apiBase, apiKey, apiSecret, gatewayURL string) *Client {
	return &Client{
		APIBase:    strings.TrimRight(apiBase, "/"),
		APIKey:     apiKey,
		APISecret:  apiSecret,
		GatewayURL: strings.TrimRight(gatewayURL, "/"),
		HTTP:       &http.Client{Timeout: 60 * time.Second},
	}
}

// Pin is one pinned object as reported by the service.
type Pin struct {
	CID       string `json:"cid"`
	Name      string `json:"name"`
	BatchID   string `json:"batch_id"`
	LicenseID string `json:"license_id"`
	PinnedAt  string `json:"pinned_at" format:"date-time"`
}

type pinMetadata struct {
	Name      string            `json:"name"`
	KeyValues map[string]string `json:"keyvalues"`
}

type pinFileResponse struct {
	IpfsHash  string `json:"IpfsHash"`
	Timestamp string `json:"Timestamp"`
}

type pinListResponse struct {
	Rows []struct {
		IpfsHash string `json:"ipfs_pin_hash"`
		Metadata struct {
			Name      string            `json:"name"`
			KeyValues map[string]string `json:"keyvalues"`
		} `json:"metadata"`
		DatePinned string `json:"date_pinned"`
	} `json:"rows"`
}

func (c *Client) auth(req *http.Request) {
	req.Header.Set("pinata_api_key", c.APIKey)
	req.Header.Set("pinata_secret_api_key", c.APISecret)
}

// Upload pins the artifact and returns its content address. The pin carries
// licenseId and batchId metadata so it can be found again without local state.
func (c *Client) Upload(ctx context.Context, art domain.CertificateArtifact, licenseID string) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", fmt.Sprintf("certificate-%s.png", art.BatchID))
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(art.Bytes); err != nil {
		return "", err
	}
	meta, err := json.Marshal(pinMetadata{
		Name: fmt.Sprintf("certificate-%s", art.BatchID),
		KeyValues: map[string]string{
			"licenseId": licenseID,
			"batchId":   art.BatchID,
		},
	})
	if err != nil {
		return "", err
	}
	if err := mw.WriteField("pinataMetadata", string(meta)); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.APIBase+"/pinning/pinFileToIPFS", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.auth(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var out pinFileResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if out.IpfsHash == "" {
		return "", fmt.Errorf("%w: empty hash in response", ErrUnavailable)
	}
	return out.IpfsHash, nil
}

// List returns pins whose metadata matches the license, newest first.
func (c *Client) List(ctx context.Context, licenseID string) ([]Pin, error) {
	q := url.Values{}
	q.Set("status", "pinned")
	if licenseID != "" {
		q.Set("metadata[keyvalues]", fmt.Sprintf(`{"licenseId":{"value":%q,"op":"eq"}}`, licenseID))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.APIBase+"/data/pinList?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	c.auth(req)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var out pinListResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	pins := make([]Pin, 0, len(out.Rows))
	for _, row := range out.Rows {
		pins = append(pins, Pin{
			CID:       row.IpfsHash,
			Name:      row.Metadata.Name,
			BatchID:   row.Metadata.KeyValues["batchId"],
			LicenseID: row.Metadata.KeyValues["licenseId"],
			PinnedAt:  row.DatePinned,
		})
	}
	return pins, nil
}

// FindByBatch looks up an existing pin for a batch under the license.
func (c *Client) FindByBatch(ctx context.Context, licenseID, batchID string) (Pin, error) {
	pins, err := c.List(ctx, licenseID)
	if err != nil {
		return Pin{}, err
	}
	for _, p := range pins {
		if p.BatchID == batchID {
			return p, nil
		}
	}
	return Pin{}, ErrNotFound
}

// URL returns the public gateway URL for a content address.
func (c *Client) URL(cid string) string {
	return c.GatewayURL + "/ipfs/" + cid
}
