package eval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPInvoker calls a model-serving endpoint over HTTP. The endpoint takes a
// JSON body {"model_id": ..., "prompt": ...} and returns a ModelResponse.
type HTTPInvoker struct {
	endpoint string
	client   *http.Client
}

// NewHTTPInvoker creates an invoker against the given endpoint URL.
func NewHTTPInvoker(endpoint string, timeout time.Duration) *HTTPInvoker {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPInvoker{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Invoke sends the prompt to the serving endpoint and decodes the response.
func (h *HTTPInvoker) Invoke(ctx context.Context, modelID, prompt string) (*ModelResponse, error) {
	payload, err := json.Marshal(map[string]string{
		"model_id": modelID,
		"prompt":   prompt,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("model endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode, body)
	}

	var out ModelResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode model response: %w", err)
	}
	return &out, nil
}
