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
	defaultImageBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultImageModel   = "gemini-2.5-flash-image"
	imageCallTimeout    = 120 * time.Second
)

// ImageClient performs the synchronous image generation call:
// one request, one response, payload located by the ordered extractors.
type ImageClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewImageClient creates a client with the given API key.
func NewImageClient(apiKey string) *ImageClient {
	return &ImageClient{
		apiKey:     apiKey,
		baseURL:    defaultImageBaseURL,
		model:      defaultImageModel,
		httpClient: &http.Client{Timeout: imageCallTimeout},
	}
}

// NewImageClientWithBaseURL creates a client pointing at a custom base URL (for testing).
func NewImageClientWithBaseURL(apiKey, baseURL string) *ImageClient {
	c := NewImageClient(apiKey)
	c.baseURL = strings.TrimRight(baseURL, "/")
	return c
}

type imagePart struct {
	Text       string           `json:"text,omitempty"`
	InlineData *imageInlineData `json:"inlineData,omitempty"`
}

type imageInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type imageGenRequest struct {
	Contents []struct {
		Parts []imagePart `json:"parts"`
	} `json:"contents"`
	GenerationConfig *imageGenConfig `json:"generationConfig,omitempty"`
}

type imageGenConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
}

// Generate sends the prompt and reference images and returns decoded image bytes.
func (c *ImageClient) Generate(ctx context.Context, req Request) (*Result, error) {
	if c.apiKey == "" {
		return nil, &Error{Kind: KindMissingCredentials, Msg: "image provider API key is not configured"}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &Error{Kind: KindInvalidInput, Msg: "prompt is empty"}
	}

	parts := []imagePart{{Text: req.Prompt}}
	for _, ref := range req.ReferenceImages {
		parts = append(parts, imagePart{InlineData: &imageInlineData{
			MimeType: "image/png",
			Data:     base64.StdEncoding.EncodeToString(ref),
		}})
	}

	var payload imageGenRequest
	payload.Contents = append(payload.Contents, struct {
		Parts []imagePart `json:"parts"`
	}{Parts: parts})
	if req.AspectRatio != "" {
		payload.GenerationConfig = &imageGenConfig{AspectRatio: req.AspectRatio}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, rejected(resp.StatusCode, respBody)
	}

	data, mime, err := ExtractImage(respBody)
	if err != nil {
		return nil, err
	}
	return &Result{Data: data, MIME: mime}, nil
}
