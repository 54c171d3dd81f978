package provider

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// imageExtractor is one known response shape for the synchronous image call.
// Different provider versions and models nest the payload differently, so the
// client tries extractors in order and takes the first match.
type imageExtractor struct {
	name    string
	extract func(body []byte) (data string, mime string, ok bool)
}

var imageExtractors = []imageExtractor{
	{name: "candidates/parts/inlineData", extract: extractInlineData},
	{name: "candidates/parts/inline_data", extract: extractInlineDataSnake},
	{name: "predictions/bytesBase64Encoded", extract: extractPrediction},
	{name: "images/b64", extract: extractImagesField},
}

// ExtractImage locates base64 image bytes in a provider response by trying
// every known shape in order, failing only once none match.
func ExtractImage(body []byte) ([]byte, string, error) {
	for _, ex := range imageExtractors {
		b64, mime, ok := ex.extract(body)
		if !ok {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return nil, "", fmt.Errorf("decoding %s payload: %w", ex.name, err)
		}
		if len(data) == 0 {
			continue
		}
		if mime == "" {
			mime = "image/png"
		}
		return data, mime, nil
	}
	return nil, "", &Error{Kind: KindUnknown, Msg: "no known image payload shape in provider response"}
}

func extractInlineData(body []byte) (string, string, bool) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					InlineData *struct {
						MimeType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", false
	}
	for _, c := range resp.Candidates {
		for _, p := range c.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				return p.InlineData.Data, p.InlineData.MimeType, true
			}
		}
	}
	return "", "", false
}

func extractInlineDataSnake(body []byte) (string, string, bool) {
	var resp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					InlineData *struct {
						MimeType string `json:"mime_type"`
						Data     string `json:"data"`
					} `json:"inline_data"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", false
	}
	for _, c := range resp.Candidates {
		for _, p := range c.Content.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				return p.InlineData.Data, p.InlineData.MimeType, true
			}
		}
	}
	return "", "", false
}

func extractPrediction(body []byte) (string, string, bool) {
	var resp struct {
		Predictions []struct {
			BytesBase64Encoded string `json:"bytesBase64Encoded"`
			MimeType           string `json:"mimeType"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", false
	}
	for _, p := range resp.Predictions {
		if p.BytesBase64Encoded != "" {
			return p.BytesBase64Encoded, p.MimeType, true
		}
	}
	return "", "", false
}

func extractImagesField(body []byte) (string, string, bool) {
	var resp struct {
		Images []struct {
			B64JSON  string `json:"b64_json"`
			Data     string `json:"data"`
			MimeType string `json:"mimeType"`
		} `json:"images"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", "", false
	}
	for _, img := range resp.Images {
		if img.B64JSON != "" {
			return img.B64JSON, img.MimeType, true
		}
		if img.Data != "" {
			return img.Data, img.MimeType, true
		}
	}
	return "", "", false
}
