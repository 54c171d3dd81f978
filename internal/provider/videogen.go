package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	defaultVideoBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultVideoModel   = "veo-3.0-generate-001"

	// Video jobs finish in minutes, not seconds.
	defaultPollInterval = 10 * time.Second
	defaultMaxPolls     = 60
)

// VideoClient performs the direct asynchronous video call: submit, receive an
// operation name, poll until done, then download the signed result URI with
// an auth header.
type VideoClient struct {
	apiKey       string
	baseURL      string
	model        string
	httpClient   *http.Client
	pollInterval time.Duration
	maxPolls     int
}

// NewVideoClient creates a client with the given API key.
func NewVideoClient(apiKey string) *VideoClient {
	return &VideoClient{
		apiKey:       apiKey,
		baseURL:      defaultVideoBaseURL,
		model:        defaultVideoModel,
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		pollInterval: defaultPollInterval,
		maxPolls:     defaultMaxPolls,
	}
}

// NewVideoClientWithBaseURL creates a client pointing at a custom base URL,
// with a fast poll cadence for tests.
func NewVideoClientWithBaseURL(apiKey, baseURL string, pollInterval time.Duration, maxPolls int) *VideoClient {
	c := NewVideoClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	if pollInterval > 0 {
		c.pollInterval = pollInterval
	}
	if maxPolls > 0 {
		c.maxPolls = maxPolls
	}
	return c
}

type videoSubmitRequest struct {
	Instances  []videoInstance `json:"instances"`
	Parameters *videoParams    `json:"parameters,omitempty"`
}

type videoInstance struct {
	Prompt string           `json:"prompt"`
	Image  *imageInlineData `json:"image,omitempty"`
}

type videoParams struct {
	DurationSeconds int `json:"durationSeconds,omitempty"`
}

type operationResponse struct {
	Name  string `json:"name"`
	Done  bool   `json:"done"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Response *struct {
		GenerateVideoResponse struct {
			GeneratedSamples []struct {
				Video struct {
					URI string `json:"uri"`
				} `json:"video"`
			} `json:"generatedSamples"`
		} `json:"generateVideoResponse"`
	} `json:"response,omitempty"`
}

// Generate submits the job, polls the operation to completion, and downloads
// the result bytes. The context is checked before every poll iteration; an
// exhausted attempt ceiling yields a Timeout error, never an indefinite pend.
func (c *VideoClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if c.apiKey == "" {
		return nil, &Error{Kind: KindMissingCredentials, Msg: "video provider API key is not configured"}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &Error{Kind: KindInvalidInput, Msg: "prompt is empty"}
	}

	opName, err := c.submit(ctx, req)
	if err != nil {
		return nil, err
	}

	resultURI, err := c.poll(ctx, opName)
	if err != nil {
		return nil, err
	}

	data, err := c.download(ctx, resultURI)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, MIME: "video/mp4"}, nil
}

func (c *VideoClient) submit(ctx context.Context, req Request) (string, error) {
	inst := videoInstance{Prompt: req.Prompt}
	if len(req.ReferenceImages) > 0 {
		inst.Image = &imageInlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(req.ReferenceImages[0]),
		}
	}
	payload := videoSubmitRequest{Instances: []videoInstance{inst}}
	if req.Duration > 0 {
		payload.Parameters = &videoParams{DurationSeconds: req.Duration}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	url := fmt.Sprintf("%s/models/%s:predictLongRunning", c.baseURL, model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submitting video job: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", rejected(resp.StatusCode, respBody)
	}

	var op operationResponse
	if err := json.Unmarshal(respBody, &op); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if op.Name == "" {
		return "", &Error{Kind: KindUnknown, Msg: "submit response carries no operation name"}
	}
	return op.Name, nil
}

func (c *VideoClient) poll(ctx context.Context, opName string) (string, error) {
	for attempt := 0; attempt < c.maxPolls; attempt++ {
		// Cancellation is checked before each iteration.
		select {
		case <-ctx.Done():
			return "", &Error{Kind: KindCancelled, Msg: "video generation cancelled", Err: ctx.Err()}
		case <-time.After(c.pollInterval):
		}

		op, err := c.fetchOperation(ctx, opName)
		if err != nil {
			return "", err
		}
		if !op.Done {
			continue
		}
		if op.Error != nil {
			return "", &Error{Kind: KindProviderRejected, Msg: fmt.Sprintf("video generation failed: %s", op.Error.Message)}
		}
		if op.Response != nil {
			for _, s := range op.Response.GenerateVideoResponse.GeneratedSamples {
				if s.Video.URI != "" {
					return s.Video.URI, nil
				}
			}
		}
		return "", &Error{Kind: KindUnknown, Msg: "operation completed without a result video"}
	}
	return "", &Error{Kind: KindTimeout, Msg: fmt.Sprintf("video job still pending after %d polls", c.maxPolls)}
}

func (c *VideoClient) fetchOperation(ctx context.Context, opName string) (*operationResponse, error) {
	url := fmt.Sprintf("%s/%s", c.baseURL, strings.TrimPrefix(opName, "/"))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating poll request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("polling operation: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rejected(resp.StatusCode, respBody)
	}

	var op operationResponse
	if err := json.Unmarshal(respBody, &op); err != nil {
		return nil, fmt.Errorf("decoding poll response: %w", err)
	}
	return &op, nil
}

func (c *VideoClient) download(ctx context.Context, uri string) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

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
