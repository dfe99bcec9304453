package sync

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/fibrefield/fieldsync/internal/errors"
	"github.com/fibrefield/fieldsync/internal/models"
)

// RemoteClient is the JSON REST client for the capture record API.
type RemoteClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewRemoteClient creates a RemoteClient with bounded timeouts.
func NewRemoteClient(baseURL string, timeout time.Duration) *RemoteClient {
	return &RemoteClient{
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

// UpsertCapture creates or updates a capture keyed by its local id. The
// server treats a replayed id as the same record, so retries after a
// lost response do not duplicate.
func (c *RemoteClient) UpsertCapture(ctx context.Context, token string, capture *models.Capture) (*RemoteRecord, error) {
	body, err := json.Marshal(capture)
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to encode capture", err)
	}

	url := fmt.Sprintf("%s/api/v1/captures/%s", c.baseURL, capture.ID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError("upsert", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, statusError("upsert", resp)
	}

	var record RemoteRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, errors.Wrap(errors.ErrSyncNetwork, "failed to decode upsert response", err)
	}
	return &record, nil
}

// DeleteCapture removes a capture remotely. A 404 counts as success:
// the record is gone either way.
func (c *RemoteClient) DeleteCapture(ctx context.Context, token, remoteID string) error {
	url := fmt.Sprintf("%s/api/v1/captures/%s", c.baseURL, remoteID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to build request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return transportError("delete", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	}
	return statusError("delete", resp)
}

// transportError maps a transport-level failure onto the sync taxonomy.
func transportError(op string, err error) error {
	var nerr net.Error
	if stderrors.As(err, &nerr) && nerr.Timeout() {
		return errors.Wrap(errors.ErrSyncTimeout, op+" timed out", err)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(errors.ErrSyncTimeout, op+" timed out", err)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.Wrap(errors.ErrSyncCancelled, op+" cancelled", err)
	}
	return errors.Wrap(errors.ErrSyncNetwork, op+" request failed", err)
}

// statusError maps an HTTP status onto the sync taxonomy.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := fmt.Sprintf("%s failed with status %d: %s", op, resp.StatusCode, bytes.TrimSpace(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return errors.New(errors.ErrSyncAuthFailed, msg)
	case resp.StatusCode == http.StatusConflict ||
		resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnprocessableEntity:
		return errors.New(errors.ErrSyncRejected, msg)
	case resp.StatusCode >= 500:
		return errors.New(errors.ErrSyncNetwork, msg)
	}
	return errors.New(errors.ErrSyncNetwork, msg)
}
