package asr

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultMaxFileSize is the largest audio file the services accept
const DefaultMaxFileSize = 10 * 1024 * 1024

// Config contains the HTTP settings shared by the backends
type Config struct {
	Provider      string
	BaseURL       string
	APIKey        string
	Model         string
	Timeout       time.Duration
	MaxConcurrent int
	MaxFileSize   int64
	EnableITN     bool // inverse text normalization (dashscope)
	EnableLID     bool // language identification (dashscope)
}

// client provides the HTTP plumbing of a backend: a bounded number of
// in-flight requests, auth headers and request statistics
type client struct {
	provider   string
	config     Config
	httpClient *http.Client
	semaphore  chan struct{}

	// Statistics
	totalRequests   uint64
	successRequests uint64
	failedRequests  uint64
	totalTokens     uint64
	avgResponseTime time.Duration

	mu sync.RWMutex
}

// ClientStats represents backend statistics
type ClientStats struct {
	Provider        string        `json:"provider"`
	TotalRequests   uint64        `json:"total_requests"`
	SuccessRequests uint64        `json:"success_requests"`
	FailedRequests  uint64        `json:"failed_requests"`
	SuccessRate     float64       `json:"success_rate"`
	TotalTokens     uint64        `json:"total_tokens"`
	AvgResponseTime time.Duration `json:"avg_response_time"`
	ActiveRequests  int           `json:"active_requests"`
}

func newClient(provider string, config Config) (*client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("%s: base URL cannot be empty", provider)
	}
	if config.APIKey == "" {
		return nil, fmt.Errorf("%s: API key cannot be empty", provider)
	}
	if config.Model == "" {
		return nil, fmt.Errorf("%s: model cannot be empty", provider)
	}
	if config.Timeout <= 0 {
		config.Timeout = 180 * time.Second
	}
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 4
	}
	if config.MaxFileSize <= 0 {
		config.MaxFileSize = DefaultMaxFileSize
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	httpClient := &http.Client{
		Timeout: config.Timeout,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}

	return &client{
		provider:   provider,
		config:     config,
		httpClient: httpClient,
		semaphore:  make(chan struct{}, config.MaxConcurrent),
	}, nil
}

// readAudio validates and loads the audio file of a request
func (c *client) readAudio(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, &Error{Provider: c.provider, Message: "audio file not accessible", Err: err}
	}
	if !info.Mode().IsRegular() {
		return nil, &Error{Provider: c.provider, Message: fmt.Sprintf("not a regular file: %s", path)}
	}
	if info.Size() > c.config.MaxFileSize {
		return nil, &Error{Provider: c.provider, Message: fmt.Sprintf("file size %d exceeds %d bytes", info.Size(), c.config.MaxFileSize)}
	}
	if info.Size() == 0 {
		return nil, &Error{Provider: c.provider, Message: fmt.Sprintf("empty audio file: %s", path)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Provider: c.provider, Message: "failed to read audio file", Err: err}
	}
	return data, nil
}

// do sends the request and returns the response body of a 2xx answer. The
// request ID is taken from the response headers when the service sets one.
func (c *client) do(ctx context.Context, req *http.Request) ([]byte, string, error) {
	select {
	case c.semaphore <- struct{}{}:
		defer func() { <-c.semaphore }()
	case <-ctx.Done():
		return nil, "", ctx.Err()
	}

	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "voicer/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", &Error{Provider: c.provider, Message: "HTTP request failed", Retryable: ctx.Err() == nil, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", &Error{Provider: c.provider, StatusCode: resp.StatusCode, Message: "failed to read response body", Retryable: true, Err: err}
	}

	requestID := firstHeader(resp.Header, "X-Request-Id", "X-Siliconcloud-Trace-Id", "X-Dashscope-Request-Id")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, requestID, &Error{
			Provider:   c.provider,
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 400),
			Retryable:  retryableStatus(resp.StatusCode),
		}
	}

	return body, requestID, nil
}

func firstHeader(h http.Header, keys ...string) string {
	for _, k := range keys {
		if v := h.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// ensureRequestID returns id, or a generated one when the service sent none
func ensureRequestID(id string) string {
	if id != "" {
		return id
	}
	return uuid.New().String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	// back off to a rune boundary
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

func (c *client) record(success bool, tokens int, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests++
	if !success {
		c.failedRequests++
		return
	}
	c.successRequests++
	if tokens > 0 {
		c.totalTokens += uint64(tokens)
	}

	// Simple moving average
	if c.avgResponseTime == 0 {
		c.avgResponseTime = elapsed
	} else {
		c.avgResponseTime = (c.avgResponseTime + elapsed) / 2
	}
}

// GetStats returns current backend statistics
func (c *client) GetStats() ClientStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	successRate := float64(0)
	if c.totalRequests > 0 {
		successRate = float64(c.successRequests) / float64(c.totalRequests) * 100
	}

	return ClientStats{
		Provider:        c.provider,
		TotalRequests:   c.totalRequests,
		SuccessRequests: c.successRequests,
		FailedRequests:  c.failedRequests,
		SuccessRate:     successRate,
		TotalTokens:     c.totalTokens,
		AvgResponseTime: c.avgResponseTime,
		ActiveRequests:  len(c.semaphore),
	}
}
