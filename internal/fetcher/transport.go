package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stockdl/downloader/internal/task"
)

// DefaultBaseURL is the production endpoint for the upstream market-data
// API, used by cmd/downloader unless a test double replaces Transport.
const DefaultBaseURL = "https://api.tushare.pro"

// HTTPTransport is the default Transport: a thin POST-JSON client over
// net/http. The remote API's wire format is explicitly out of this
// fetcher's scope (spec §1); this struct is the one concrete
// implementation of the seam Transport defines, deliberately built on
// the standard library since no third-party HTTP client is mandated by
// the spec or exercised elsewhere in the pack.
type HTTPTransport struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPTransport constructs an HTTPTransport with a sane default
// client timeout; callers needing different behavior set Client directly.
func NewHTTPTransport(baseURL, token string) *HTTPTransport {
	return &HTTPTransport{
		BaseURL: baseURL,
		Token:   token,
		Client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type apiRequest struct {
	APIName string         `json:"api_name"`
	Token   string         `json:"token"`
	Params  map[string]any `json:"params"`
}

type apiResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data *struct {
		Fields []string        `json:"fields"`
		Items  [][]any         `json:"items"`
	} `json:"data"`
}

// Call POSTs a JSON envelope naming the endpoint and its params, and
// decodes the tabular (fields, items) response shape into a DataFrame.
// A response whose data is null (rather than an empty items list) is
// passed through as a nil DataFrame, letting the fetcher's quirk
// handling decide whether that's legitimate.
func (t *HTTPTransport) Call(ctx context.Context, endpoint string, params map[string]any) (task.DataFrame, error) {
	body, err := json.Marshal(apiRequest{APIName: endpoint, Token: t.Token, Params: params})
	if err != nil {
		return nil, fmt.Errorf("transport: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("transport: %s returned status %d: %s", endpoint, resp.StatusCode, raw)
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("%s", parsed.Msg)
	}
	if parsed.Data == nil {
		return nil, nil
	}

	df := make(task.DataFrame, 0, len(parsed.Data.Items))
	for _, item := range parsed.Data.Items {
		row := make(task.Row, len(parsed.Data.Fields))
		for i, field := range parsed.Data.Fields {
			if i < len(item) {
				row[field] = item[i]
			}
		}
		df = append(df, row)
	}
	return df, nil
}
