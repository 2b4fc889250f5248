package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/airenas/go-app/pkg/goapp"
)

// Client calls a chat completion service
type Client struct {
	httpclient *http.Client
	url        string
	key        string
	model      string
	timeout    time.Duration
}

// NewClient creates a completion client
func NewClient(url, key, model string) (*Client, error) {
	res := Client{}
	if url == "" {
		return nil, fmt.Errorf("no url")
	}
	if model == "" {
		return nil, fmt.Errorf("no model")
	}
	res.url = url
	res.key = key
	res.model = model
	res.timeout = time.Second * 120
	res.httpclient = &http.Client{Transport: newTransport()}
	return &res, nil
}

type (
	chatMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	chatRequest struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Temperature float64       `json:"temperature"`
	}

	chatResponse struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
)

// Complete does one completion call and returns the raw model text.
// The call is not retried here, the invoker decides on retries.
func (sp *Client) Complete(ctx context.Context, prompt string) (string, error) {
	if prompt == "" {
		return "", fmt.Errorf("no prompt")
	}
	b, err := json.Marshal(chatRequest{Model: sp.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}}})
	if err != nil {
		return "", fmt.Errorf("can't marshal request: %w", err)
	}
	ctx, cancelF := context.WithTimeout(ctx, sp.timeout)
	defer cancelF()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sp.url, bytes.NewReader(b))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if sp.key != "" {
		req.Header.Set("Authorization", "Bearer "+sp.key)
	}
	goapp.Log.Debug().Str("url", sp.url).Str("model", sp.model).Msg("call")
	resp, err := sp.httpclient.Do(req)
	if err != nil {
		return "", fmt.Errorf("can't call: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 10000))
		_ = resp.Body.Close()
	}()
	if err := goapp.ValidateHTTPResp(resp, 100); err != nil {
		return "", fmt.Errorf("can't invoke '%s': %w", req.URL.String(), err)
	}
	var respData chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&respData); err != nil {
		return "", fmt.Errorf("can't decode response: %w", err)
	}
	if respData.Error != nil {
		return "", fmt.Errorf("completion error: %s", respData.Error.Message)
	}
	if len(respData.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return respData.Choices[0].Message.Content, nil
}

func newTransport() http.RoundTripper {
	// default roundripper is not well suited for our case
	// it has just 2 idle connections per host, so try to tune a bit
	res := http.DefaultTransport.(*http.Transport).Clone()
	res.MaxConnsPerHost = 100
	res.MaxIdleConns = 50
	res.MaxIdleConnsPerHost = 50
	res.IdleConnTimeout = 90 * time.Second
	return res
}
