package primitive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/everydev1618/threads/action"
	"github.com/everydev1618/threads/condition"
)

// HTTP calls a remote endpoint. Metadata:
//
//	method: POST
//	url: https://api.example.com/v1/search?q=${params.query}
//	headers: {"Authorization": "Bearer ${params.token}"}
//	timeout: 20s
//
// GET and DELETE send no body; other methods send params as JSON.
type HTTP struct {
	Client *http.Client
}

// Run implements Primitive.
func (h HTTP) Run(ctx context.Context, req Request) (*action.Result, error) {
	url := meta(req.Item, "url", req.Params)
	if url == "" {
		return nil, fmt.Errorf("primitive %s: no url configured", itemID(req))
	}
	method := strings.ToUpper(meta(req.Item, "method", req.Params))
	if method == "" {
		method = http.MethodGet
	}

	ctx, cancel := context.WithTimeout(ctx, metaDuration(req.Item, "timeout", DefaultTimeout))
	defer cancel()

	var body io.Reader
	if method != http.MethodGet && method != http.MethodDelete {
		b, err := json.Marshal(paramsOrEmpty(req.Params))
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if hdrs, ok := req.Item.Metadata["headers"].(map[string]any); ok {
		vars := map[string]any{"params": req.Params}
		for k, v := range hdrs {
			httpReq.Header.Set(k, condition.Render(condition.Stringify(v), vars))
		}
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxOutput+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	data := map[string]any{
		"status_code": resp.StatusCode,
		"body":        truncate(string(raw)),
	}
	var parsed any
	if json.Unmarshal(raw, &parsed) == nil {
		data["json"] = parsed
	}
	if resp.StatusCode >= 400 {
		return &action.Result{
			Status: action.StatusError,
			Data:   data,
			Error:  fmt.Sprintf("%s %s: %s", method, url, resp.Status),
		}, nil
	}
	return action.Success(data), nil
}
