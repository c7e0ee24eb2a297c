// Package transport uploads queued mutations to the relief server over HTTP.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/reliefsync/backend/internal/errors"
	"github.com/kimhsiao/reliefsync/backend/internal/models"
	syncengine "github.com/kimhsiao/reliefsync/backend/internal/sync"
)

// UploadRequest is the body of POST /api/sync/{entityType}/{entityId}.
type UploadRequest struct {
	ItemID      string         `json:"item_id"`
	Action      models.Action  `json:"action"`
	BaseVersion int64          `json:"base_version"`
	Payload     models.Payload `json:"payload"`
}

// ConflictResponse is the 409 body. Server is null when the entity is gone.
type ConflictResponse struct {
	Error  string         `json:"error,omitempty"`
	Server *models.Record `json:"server"`
}

// maxErrorBody bounds how much of a failed response ends up in an error.
const maxErrorBody = 512

// BlobSource supplies media content for MEDIA uploads. storage.BlobStore
// implements it.
type BlobSource interface {
	Open(checksum string) (io.ReadCloser, int64, error)
}

// Client implements sync.RemoteAPI against the relief server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	blobs   BlobSource
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithToken sends a bearer token with every upload.
func WithToken(token string) Option {
	return func(cl *Client) { cl.token = token }
}

// WithBlobs sends the stored media file ahead of each MEDIA mutation.
func WithBlobs(b BlobSource) Option {
	return func(cl *Client) { cl.blobs = b }
}

// New creates a Client for baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrValidation, "invalid server url %q", baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

var _ syncengine.RemoteAPI = (*Client)(nil)

// Upload sends one queued mutation.
func (c *Client) Upload(ctx context.Context, item *models.QueueItem) (*models.Record, error) {
	if err := c.uploadMedia(ctx, item); err != nil {
		return nil, err
	}

	body, err := json.Marshal(UploadRequest{
		ItemID:      item.ID,
		Action:      item.Action,
		BaseVersion: item.BaseVersion,
		Payload:     item.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("encode upload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/sync/%s/%s", c.baseURL,
		url.PathEscape(string(item.Type)), url.PathEscape(item.EntityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var rec models.Record
		if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
			return nil, fmt.Errorf("decode accepted record: %w", err)
		}
		return &rec, nil
	case http.StatusConflict:
		var cr ConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
			return nil, fmt.Errorf("decode conflict response: %w", err)
		}
		return nil, &syncengine.ConflictError{ItemID: item.ID, Server: cr.Server}
	default:
		return nil, statusError(resp)
	}
}

// uploadMedia PUTs the file behind a MEDIA item to /api/media/{checksum}.
// The server treats a repeated PUT of the same checksum as a no-op.
func (c *Client) uploadMedia(ctx context.Context, item *models.QueueItem) error {
	media := item.Payload.Media
	if c.blobs == nil || media == nil || media.Checksum == "" || item.Action == models.ActionDelete {
		return nil
	}

	rc, size, err := c.blobs.Open(media.Checksum)
	if err != nil {
		return fmt.Errorf("open media %s: %w", media.Checksum, err)
	}
	defer rc.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		c.baseURL+"/api/media/"+url.PathEscape(media.Checksum), rc)
	if err != nil {
		return fmt.Errorf("build media request: %w", err)
	}
	req.ContentLength = size
	contentType := media.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		return nil
	default:
		return statusError(resp)
	}
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("server returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
}
