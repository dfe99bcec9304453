package sync

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/models"
)

// BlobClient uploads photo bytes to the blob endpoint over HTTP.
type BlobClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewBlobClient creates a BlobClient. Uploads get a longer timeout than
// record calls since photo payloads run to megabytes.
func NewBlobClient(baseURL string, timeout time.Duration) *BlobClient {
	return &BlobClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// UploadPhoto uploads the photo bytes keyed by capture and photo id.
// Replaying the same key overwrites the same object, so retries are
// safe. Returns the object URL.
func (c *BlobClient) UploadPhoto(ctx context.Context, token string, photo *models.Photo, data []byte) (string, error) {
	url := fmt.Sprintf("%s/photos/%s/%s", c.baseURL, photo.CaptureID, photo.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", photo.MimeType)
	req.Header.Set("Content-Length", fmt.Sprintf("%d", len(data)))
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError("upload", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", statusError("upload", resp)
	}

	if loc := resp.Header.Get("Location"); loc != "" {
		return loc, nil
	}
	return url, nil
}

// StaticTokenSource serves a fixed token. Refresh re-reads nothing and
// returns the same token; suitable for long-lived service credentials.
type StaticTokenSource struct {
	token string
}

// NewStaticTokenSource creates a StaticTokenSource.
func NewStaticTokenSource(token string) *StaticTokenSource {
	return &StaticTokenSource{token: token}
}

func (s *StaticTokenSource) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", errors.New(errors.ErrSyncAuthFailed, "no token configured")
	}
	return s.token, nil
}

func (s *StaticTokenSource) Refresh(ctx context.Context) (string, error) {
	return s.Token(ctx)
}
