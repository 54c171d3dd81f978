package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteConfig configures the optional remote object store mirror.
// Availability is decided once at startup from credential presence.
type RemoteConfig struct {
	Endpoint  string
	Bucket    string
	AccessKey string
}

// Enabled reports whether remote credentials are configured.
func (c RemoteConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKey != ""
}

// RemoteStore talks to the remote object store: object put, time-limited
// signed-read-URL issuance, and delete.
type RemoteStore struct {
	cfg        RemoteConfig
	httpClient *http.Client
}

// NewRemoteStore creates a client for the configured store.
func NewRemoteStore(cfg RemoteConfig) *RemoteStore {
	return &RemoteStore{
		cfg:        RemoteConfig{Endpoint: strings.TrimRight(cfg.Endpoint, "/"), Bucket: cfg.Bucket, AccessKey: cfg.AccessKey},
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (r *RemoteStore) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", r.cfg.Endpoint, r.cfg.Bucket, key)
}

// Upload puts an object and returns its canonical URL.
func (r *RemoteStore) Upload(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) (string, error) {
	url := r.objectURL(key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating upload request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+r.cfg.AccessKey)
	for k, v := range metadata {
		req.Header.Set("X-Object-Meta-"+k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("uploading object %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("upload of %s returned status %d: %s", key, resp.StatusCode, body)
	}
	return url, nil
}

// SignedReadURL requests a short-lived read URL for an object.
func (r *RemoteStore) SignedReadURL(ctx context.Context, key string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.objectURL(key)+"?presign=get", nil)
	if err != nil {
		return "", fmt.Errorf("creating presign request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.AccessKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("requesting signed url for %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("presign of %s returned status %d: %s", key, resp.StatusCode, body)
	}

	var signed struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("decoding presign response: %w", err)
	}
	if signed.URL == "" {
		return "", fmt.Errorf("presign of %s returned no url", key)
	}
	return signed.URL, nil
}

// Fetch downloads the bytes behind a signed read URL.
func (r *RemoteStore) Fetch(ctx context.Context, signedURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating fetch request: %w", err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching object: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// Delete removes an object. Missing objects are not an error.
func (r *RemoteStore) Delete(ctx context.Context, key string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, r.objectURL(key), nil)
	if err != nil {
		return fmt.Errorf("creating delete request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.cfg.AccessKey)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deleting object %s: %w", key, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("delete of %s returned status %d", key, resp.StatusCode)
	}
	return nil
}
