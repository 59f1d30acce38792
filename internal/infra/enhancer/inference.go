package enhancer

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrob/video-upscaler/internal/domain/entity"
	"github.com/patrob/video-upscaler/internal/domain/port"
)

type inferRequest struct {
	Model    string `json:"model"`
	Prompt   string `json:"prompt"`
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
}

type inferResponse struct {
	Images []string `json:"images"`
}

// HTTPClient calls an image-enhancement service that accepts one base64
// image per request and answers with zero or more base64 images.
type HTTPClient struct {
	endpoint string
	http     *http.Client
}

func NewHTTPClient(endpoint string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Infer(ctx context.Context, req port.InferenceRequest) (*port.InferenceResponse, error) {
	body, err := json.Marshal(inferRequest{
		Model:    req.Model,
		Prompt:   req.Prompt,
		Image:    base64.StdEncoding.EncodeToString(req.Image),
		MimeType: req.MimeType,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal inference request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, entity.Wrap(entity.ErrServiceUnreachable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, entity.Wrap(entity.ErrServiceUnreachable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d: %s", entity.ErrInvalidResponse, resp.StatusCode, snippet(payload))
	}

	var decoded inferResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, entity.Wrap(entity.ErrInvalidResponse, err)
	}

	out := &port.InferenceResponse{Images: make([][]byte, 0, len(decoded.Images))}
	for i, img := range decoded.Images {
		raw, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return nil, fmt.Errorf("%w: image %d: %w", entity.ErrInvalidResponse, i, err)
		}
		out.Images = append(out.Images, raw)
	}
	return out, nil
}

func snippet(b []byte) string {
	const limit = 256
	if len(b) > limit {
		return string(b[:limit]) + "..."
	}
	return string(b)
}
