package azure

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/ballotdesk/ballotdesk/internal/config"
)

type storedBlob struct {
	content      []byte
	metadata     map[string]string
	contentType  string
	lastModified time.Time
}

type blobServer struct {
	mu    sync.Mutex
	blobs map[string]*storedBlob
}

func (b *blobServer) get(key string) *storedBlob {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blobs[key]
}

// newTestStorage points an AzureStorage at a server speaking enough of the Blob
// REST API for block uploads, property reads and deletes. Blobs under
// "locked/" answer HEAD with 403.
func newTestStorage(t *testing.T) (*AzureStorage, *blobServer) {
	t.Helper()

	bs := &blobServer{blobs: map[string]*storedBlob{}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// path: /container/blob...
		key := strings.TrimPrefix(r.URL.Path, "/")

		switch r.Method {
		case http.MethodPut:
			data, _ := io.ReadAll(r.Body)
			meta := map[string]string{}
			for k, v := range r.Header {
				lk := strings.ToLower(k)
				if strings.HasPrefix(lk, "x-ms-meta-") && len(v) > 0 {
					meta[strings.TrimPrefix(lk, "x-ms-meta-")] = v[0]
				}
			}
			bs.mu.Lock()
			bs.blobs[key] = &storedBlob{
				content:      data,
				metadata:     meta,
				contentType:  r.Header.Get("x-ms-blob-content-type"),
				lastModified: time.Now().UTC(),
			}
			bs.mu.Unlock()
			w.WriteHeader(http.StatusCreated)

		case http.MethodHead:
			if strings.HasPrefix(key, "container/locked/") {
				w.Header().Set("x-ms-error-code", "AuthorizationFailure")
				w.WriteHeader(http.StatusForbidden)
				return
			}
			b := bs.get(key)
			if b == nil {
				w.Header().Set("x-ms-error-code", "BlobNotFound")
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Length", fmt.Sprintf("%d", len(b.content)))
			w.Header().Set("Last-Modified", b.lastModified.Format(http.TimeFormat))
			w.WriteHeader(http.StatusOK)

		case http.MethodDelete:
			bs.mu.Lock()
			_, ok := bs.blobs[key]
			delete(bs.blobs, key)
			bs.mu.Unlock()
			if !ok {
				w.Header().Set("x-ms-error-code", "BlobNotFound")
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusAccepted)

		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	client, err := azblob.NewClientWithNoCredential(srv.URL, nil)
	if err != nil {
		t.Fatalf("failed to create azblob client: %v", err)
	}
	return &AzureStorage{client: client, containerName: "container"}, bs
}

func TestUploadExistsDelete(t *testing.T) {
	s, bs := newTestStorage(t)
	ctx := context.Background()
	data := []byte(`{"id":7,"action":"DELETE"}` + "\n")

	res, err := s.Upload(ctx, "audit-archive/batch.ndjson", bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if res.Size != int64(len(data)) || len(res.Checksum) != 64 {
		t.Fatalf("result = %+v", res)
	}

	stored := bs.get("container/audit-archive/batch.ndjson")
	if stored == nil {
		t.Fatal("blob not stored")
	}
	if !bytes.Equal(stored.content, data) {
		t.Errorf("content = %q", stored.content)
	}
	if stored.metadata["sha256"] != res.Checksum {
		t.Errorf("sha256 metadata = %q, want %q", stored.metadata["sha256"], res.Checksum)
	}
	if stored.contentType != archiveContentType {
		t.Errorf("content type = %q", stored.contentType)
	}

	exists, err := s.Exists(ctx, "audit-archive/batch.ndjson")
	if err != nil || !exists {
		t.Fatalf("Exists = %v, %v; want true, nil", exists, err)
	}

	if err := s.Delete(ctx, "audit-archive/batch.ndjson"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	exists, err = s.Exists(ctx, "audit-archive/batch.ndjson")
	if err != nil || exists {
		t.Fatalf("Exists after delete = %v, %v; want false, nil", exists, err)
	}
}

func TestDelete_MissingBlobIsNotAnError(t *testing.T) {
	s, _ := newTestStorage(t)
	if err := s.Delete(context.Background(), "never-written.ndjson"); err != nil {
		t.Errorf("Delete() = %v, want nil", err)
	}
}

func TestExists_PropagatesAccessErrors(t *testing.T) {
	s, _ := newTestStorage(t)
	exists, err := s.Exists(context.Background(), "locked/report.ndjson")
	if err == nil || exists {
		t.Errorf("Exists = %v, %v; want false with error", exists, err)
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.AzureStorageConfig
	}{
		{"missing account name", config.AzureStorageConfig{AccountKey: "a2V5", ContainerName: "c"}},
		{"missing account key", config.AzureStorageConfig{AccountName: "acct", ContainerName: "c"}},
		{"missing container", config.AzureStorageConfig{AccountName: "acct", AccountKey: "a2V5"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			if _, err := New(&cfg); err == nil {
				t.Error("New() = nil error, want error")
			}
		})
	}
}
