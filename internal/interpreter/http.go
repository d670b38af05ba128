package interpreter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type httpClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient talks to the report interpreter REST API rooted at baseURL
// (for example http://localhost:8080/api).
func NewHTTPClient(baseURL string, client *http.Client) Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &httpClient{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

func (c *httpClient) Interpret(ctx context.Context, req CommandRequest) (CommandResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return CommandResult{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/voice/process", bytes.NewReader(body))
	if err != nil {
		return CommandResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return CommandResult{}, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return CommandResult{}, fmt.Errorf("read interpreter response: %w", err)
	}

	var result CommandResult
	decodeErr := json.Unmarshal(data, &result)

	if resp.StatusCode >= 300 {
		// The interpreter reports semantic failures with an error status and
		// a regular body; keep its message when there is one.
		if decodeErr == nil && result.Message != "" {
			result.Success = false
			return result, nil
		}
		return CommandResult{}, fmt.Errorf("interpreter returned status %s", resp.Status)
	}
	if decodeErr != nil {
		return CommandResult{}, fmt.Errorf("decode interpreter response: %w", decodeErr)
	}
	return result, nil
}

func (c *httpClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/voice/test", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("interpreter health returned status %s", resp.Status)
	}
	return nil
}
