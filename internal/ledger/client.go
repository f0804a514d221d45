package ledger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"herbcert/internal/domain"
)

// ErrUnavailable means the ledger gateway could not be reached or the
// transaction was not confirmed in time. The record may or may not have
// landed; callers must check HasRecord before resubmitting.
var ErrUnavailable = errors.New("ledger unavailable")

// ErrRejected means the ledger evaluated the transaction and refused it,
// for example because the batch id is already recorded. Not retryable.
var ErrRejected = errors.New("ledger rejected transaction")

// Signer authorizes ledger submissions on behalf of the lab.
type Signer interface {
	Sign(payload []byte) (string, error)
	Address() string
}

// HMACSigner signs payloads with the lab's shared gateway secret.
type HMACSigner struct {
	Account string
	Secret  []byte
}

func (s HMACSigner) Sign(payload []byte) (string, error) {
	mac := hmac.New(sha256.New, s.Secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s HMACSigner) Address() string { return s.Account }

type Client struct {
	RPCURL          string
	ContractAddress string
	ChainID         int64
	ConfirmTimeout  time.Duration
	Signer          Signer
	HTTP            *http.Client

	// The gateway account is nonce-ordered; concurrent submissions from the
	// same signer would race on the nonce, so submissions are serialized.
	submitMu sync.Mutex
}

func New(rpcURL, contractAddress string, chainID int64, confirmTimeout time.Duration, signer Signer) *Client {
	if confirmTimeout <= 0 {
		confirmTimeout = 90 * time.Second
	}
	return &Client{
		RPCURL:          strings.TrimRight(rpcURL, "/"),
		ContractAddress: contractAddress,
		ChainID:         chainID,
		ConfirmTimeout:  confirmTimeout,
		Signer:          signer,
		HTTP:            &http.Client{Timeout: 30 * time.Second},
	}
}

type submitRequest struct {
	ChainID   int64  `json:"chain_id"`
	Contract  string `json:"contract"`
	Method    string `json:"method"`
	From      string `json:"from"`
	Record    Record `json:"record"`
	Signature string `json:"signature"`
}

type submitResponse struct {
	TxHash    string `json:"tx_hash"`
	Confirmed bool   `json:"confirmed"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error"`
}

// Submit records a batch on the ledger and waits for confirmation.
func (c *Client) Submit(ctx context.Context, rec Record) (domain.LedgerReceipt, error) {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	recordJSON, err := json.Marshal(rec)
	if err != nil {
		return domain.LedgerReceipt{}, fmt.Errorf("encode record: %w", err)
	}
	sig, err := c.Signer.Sign(recordJSON)
	if err != nil {
		return domain.LedgerReceipt{}, fmt.Errorf("sign record: %w", err)
	}
	body, err := json.Marshal(submitRequest{
		ChainID:   c.ChainID,
		Contract:  c.ContractAddress,
		Method:    "recordAllData",
		From:      c.Signer.Address(),
		Record:    rec,
		Signature: sig,
	})
	if err != nil {
		return domain.LedgerReceipt{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.ConfirmTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RPCURL+"/transactions", bytes.NewReader(body))
	if err != nil {
		return domain.LedgerReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return domain.LedgerReceipt{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.LedgerReceipt{}, fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(msg)))
	default:
		return domain.LedgerReceipt{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.LedgerReceipt{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	if out.Error != "" {
		return domain.LedgerReceipt{}, fmt.Errorf("%w: %s", ErrRejected, out.Error)
	}
	if !out.Confirmed {
		return domain.LedgerReceipt{}, fmt.Errorf("%w: tx %s not confirmed within %s", ErrUnavailable, out.TxHash, c.ConfirmTimeout)
	}
	return domain.LedgerReceipt{
		TxHash:         out.TxHash,
		Confirmed:      true,
		ChainTimestamp: out.Timestamp,
	}, nil
}

type recordStatusResponse struct {
	Exists bool   `json:"exists"`
	TxHash string `json:"tx_hash"`
}

// HasRecord reports whether a batch is already anchored. Used to guard
// against duplicate submissions after an ambiguous failure.
func (c *Client) HasRecord(ctx context.Context, batchID string) (bool, string, error) {
	u := fmt.Sprintf("%s/contracts/%s/records/%s", c.RPCURL, c.ContractAddress, url.PathEscape(batchID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, "", err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false, "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, "", nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	var out recordStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, "", fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return out.Exists, out.TxHash, nil
}
