package pinstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"herbcert/internal/domain"
	"herbcert/internal/pinstore"
)

func TestUploadSendsMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pinning/pinFileToIPFS" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("pinata_api_key") != "key" || r.Header.Get("pinata_secret_api_key") != "secret" {
			t.Errorf("auth headers missing")
		}
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			t.Fatalf("parse multipart: %v", err)
		}
		f, _, err := r.FormFile("file")
		if err != nil {
			t.Fatalf("file part: %v", err)
		}
		data, _ := io.ReadAll(f)
		if string(data) != "png-bytes" {
			t.Errorf("file content mismatch: %q", data)
		}
		var meta struct {
			Name      string            `json:"name"`
			KeyValues map[string]string `json:"keyvalues"`
		}
		if err := json.Unmarshal([]byte(r.FormValue("pinataMetadata")), &meta); err != nil {
			t.Fatalf("metadata: %v", err)
		}
		if meta.KeyValues["batchId"] != "BATCH-9" || meta.KeyValues["licenseId"] != "LAB-001" {
			t.Errorf("keyvalues mismatch: %+v", meta.KeyValues)
		}
		json.NewEncoder(w).Encode(map[string]string{"IpfsHash": "QmAbc123"})
	}))
	defer srv.Close()

	c := pinstore.New(srv.URL, "key", "secret", "https://gw.example.com")
	art := domain.CertificateArtifact{BatchID: "BATCH-9", ContentType: "image/png", Bytes: []byte("png-bytes")}
	cid, err := c.Upload(context.Background(), art, "LAB-001")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if cid != "QmAbc123" {
		t.Fatalf("unexpected cid %q", cid)
	}
}

func TestUploadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()
	c := pinstore.New(srv.URL, "k", "s", "https://gw")
	_, err := c.Upload(context.Background(), domain.CertificateArtifact{BatchID: "b", Bytes: []byte("x")}, "LAB")
	if !errors.Is(err, pinstore.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestListAndFindByBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/data/pinList" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		filter := r.URL.Query().Get("metadata[keyvalues]")
		if filter == "" {
			t.Errorf("expected keyvalues filter")
		}
		json.NewEncoder(w).Encode(map[string]any{
			"rows": []map[string]any{
				{
					"ipfs_pin_hash": "QmOne",
					"date_pinned":   "2026-02-01T10:00:00Z",
					"metadata": map[string]any{
						"name":      "certificate-BATCH-1",
						"keyvalues": map[string]string{"batchId": "BATCH-1", "licenseId": "LAB-001"},
					},
				},
				{
					"ipfs_pin_hash": "QmTwo",
					"date_pinned":   "2026-02-02T10:00:00Z",
					"metadata": map[string]any{
						"name":      "certificate-BATCH-2",
						"keyvalues": map[string]string{"batchId": "BATCH-2", "licenseId": "LAB-001"},
					},
				},
			},
		})
	}))
	defer srv.Close()

	c := pinstore.New(srv.URL, "k", "s", "https://gw.example.com")
	pins, err := c.List(context.Background(), "LAB-001")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pins) != 2 || pins[0].CID != "QmOne" || pins[1].BatchID != "BATCH-2" {
		t.Fatalf("unexpected pins: %+v", pins)
	}

	pin, err := c.FindByBatch(context.Background(), "LAB-001", "BATCH-2")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if pin.CID != "QmTwo" {
		t.Fatalf("unexpected pin: %+v", pin)
	}

	_, err = c.FindByBatch(context.Background(), "LAB-001", "BATCH-404")
	if !errors.Is(err, pinstore.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestGatewayURL(t *testing.T) {
	c := pinstore.New("https://api", "k", "s", "https://gw.example.com/")
	if got := c.URL("QmX"); got != "https://gw.example.com/ipfs/QmX" {
		t.Fatalf("unexpected url %q", got)
	}
}
