package provider

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

// ProxyVideoClient performs the proxy-mediated asynchronous video call. The
// provider's handshake needs a symmetric secret that must never leave the
// trusted boundary, so user key material goes to a local signing service per
// call; that service mints a short-lived signed credential, performs the real
// submit, and returns a task id. Status polls go to the signing service too,
// never to the provider directly.
type ProxyVideoClient struct {
	proxyURL     string
	accessKey    string
	secretKey    string
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int
}

// NewProxyVideoClient creates a client for the signing service at proxyURL.
func NewProxyVideoClient(proxyURL, accessKey, secretKey string) *ProxyVideoClient {
	return &ProxyVideoClient{
		proxyURL:     strings.TrimRight(proxyURL, "/"),
		accessKey:    accessKey,
		secretKey:    secretKey,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,
	}
}

// WithPollCadence overrides the poll interval and ceiling (used by tests).
func (c *ProxyVideoClient) WithPollCadence(interval time.Duration, maxPolls int) *ProxyVideoClient {
	if interval > 0 {
		c.pollInterval = interval
	}
	if maxPolls > 0 {
		c.maxPolls = maxPolls
	}
	return c
}

type createTaskRequest struct {
	AccessKey string        `json:"accessKey"`
	SecretKey string        `json:"secretKey"`
	Body      proxyTaskBody `json:"body"`
}

type proxyTaskBody struct {
	Prompt   string `json:"prompt"`
	Model    string `json:"model,omitempty"`
	Duration int    `json:"duration,omitempty"`
}

type createTaskResponse struct {
	TaskID string `json:"taskId"`
}

type taskStatusResponse struct {
	Status    string `json:"status"` // submitted, processing, succeed, failed
	ResultURL string `json:"resultUrl,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Generate submits through the signing service and polls it by task id.
func (c *ProxyVideoClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if c.accessKey == "" || c.secretKey == "" {
		return nil, &Error{Kind: KindMissingCredentials, Msg: "proxy video access/secret key is not configured"}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &Error{Kind: KindInvalidInput, Msg: "prompt is empty"}
	}

	taskID, err := c.createTask(ctx, req)
	if err != nil {
		return nil, err
	}

	resultURL, err := c.pollTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	data, err := c.download(ctx, resultURL)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, MIME: "video/mp4"}, nil
}

func (c *ProxyVideoClient) createTask(ctx context.Context, req Request) (string, error) {
	payload := createTaskRequest{
		AccessKey: c.accessKey,
		SecretKey: c.secretKey,
		Body: proxyTaskBody{
			Prompt:   req.Prompt,
			Model:    req.Model,
			Duration: req.Duration,
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.proxyURL+"/tasks", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("creating proxy task: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading create-task response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", rejected(resp.StatusCode, respBody)
	}

	var created createTaskResponse
	if err := json.Unmarshal(respBody, &created); err != nil {
		return "", fmt.Errorf("decoding create-task response: %w", err)
	}
	if created.TaskID == "" {
		return "", &Error{Kind: KindUnknown, Msg: "signing service returned no task id"}
	}
	return created.TaskID, nil
}

func (c *ProxyVideoClient) pollTask(ctx context.Context, taskID string) (string, error) {
	for attempt := 0; attempt < c.maxPolls; attempt++ {
		select {
		case <-ctx.Done():
			return "", &Error{Kind: KindCancelled, Msg: "video generation cancelled", Err: ctx.Err()}
		case <-time.After(c.pollInterval):
		}

		status, err := c.fetchStatus(ctx, taskID)
		if err != nil {
			return "", err
		}
		switch status.Status {
		case "succeed", "succeeded", "completed":
			if status.ResultURL == "" {
				return "", &Error{Kind: KindUnknown, Msg: "task succeeded without a result url"}
			}
			return status.ResultURL, nil
		case "failed":
			msg := status.Error
			if msg == "" {
				msg = "task failed"
			}
			return "", &Error{Kind: KindProviderRejected, Msg: msg}
		}
	}
	return "", &Error{Kind: KindTimeout, Msg: fmt.Sprintf("task %s still pending after %d polls", taskID, c.maxPolls)}
}

func (c *ProxyVideoClient) fetchStatus(ctx context.Context, taskID string) (*taskStatusResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.proxyURL+"/tasks/"+taskID, nil)
	if err != nil {
		return nil, fmt.Errorf("creating status request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("checking task status: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rejected(resp.StatusCode, respBody)
	}

	var status taskStatusResponse
	if err := json.Unmarshal(respBody, &status); err != nil {
		return nil, fmt.Errorf("decoding status response: %w", err)
	}
	return &status, nil
}

func (c *ProxyVideoClient) download(ctx context.Context, url string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("downloading result: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, rejected(resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading result bytes: %w", err)
	}
	if len(data) == 0 {
		return nil, &Error{Kind: KindUnknown, Msg: "result download returned no bytes"}
	}
	return data, nil
}
