package asr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// OpenAI is a backend for OpenAI compatible /v1/audio/transcriptions
// endpoints (OpenAI, SiliconFlow and local whisper servers)
type OpenAI struct {
	*client
}

var _ Recognizer = (*OpenAI)(nil)

type transcriptionResponse struct {
	Text  string `json:"text"`
	Usage *struct {
		TotalTokens  int `json:"total_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage,omitempty"`
}

// NewOpenAI creates an OpenAI compatible backend
func NewOpenAI(config Config) (*OpenAI, error) {
	provider := config.Provider
	if provider == "" {
		provider = "openai"
	}
	c, err := newClient(provider, config)
	if err != nil {
		return nil, err
	}
	return &OpenAI{client: c}, nil
}

// Recognize uploads the audio file as multipart form data
func (o *OpenAI) Recognize(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	result, err := o.recognize(ctx, req)
	if err != nil {
		o.record(false, 0, time.Since(start))
		return nil, err
	}

	result.Latency = time.Since(start)
	o.record(true, result.TokensUsed, result.Latency)
	return result, nil
}

func (o *OpenAI) recognize(ctx context.Context, req *Request) (*Result, error) {
	audio, err := o.readAudio(req.AudioPath)
	if err != nil {
		return nil, err
	}

	body, contentType, err := o.createMultipartRequest(req, audio)
	if err != nil {
		return nil, &Error{Provider: o.provider, Message: "failed to create multipart request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.config.BaseURL+"/v1/audio/transcriptions", body)
	if err != nil {
		return nil, &Error{Provider: o.provider, Message: "failed to create HTTP request", Err: err}
	}
	httpReq.Header.Set("Content-Type", contentType)

	respBody, requestID, err := o.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}

	var resp transcriptionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &Error{Provider: o.provider, Message: "failed to parse response JSON", Err: err}
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, &Error{Provider: o.provider, Err: ErrEmptyResult}
	}

	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.TotalTokens
		if tokens == 0 {
			tokens = resp.Usage.OutputTokens
		}
	}

	return &Result{
		Text:       text,
		TokensUsed: tokens,
		RequestID:  ensureRequestID(requestID),
		Provider:   o.provider,
		Model:      o.config.Model,
	}, nil
}

// createMultipartRequest creates a multipart/form-data request body
func (o *OpenAI) createMultipartRequest(req *Request, audio []byte) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	fileWriter, err := writer.CreateFormFile("file", filepath.Base(req.AudioPath))
	if err != nil {
		return nil, "", fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := fileWriter.Write(audio); err != nil {
		return nil, "", fmt.Errorf("failed to write audio data: %w", err)
	}

	fields := [][2]string{
		{"model", o.config.Model},
		{"response_format", "json"},
	}
	if req.Language != "" {
		fields = append(fields, [2]string{"language", req.Language})
	}
	if req.Prompt != "" {
		fields = append(fields, [2]string{"prompt", req.Prompt})
	}

	for _, f := range fields {
		if err := writer.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("failed to write field %s: %w", f[0], err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close multipart writer: %w", err)
	}

	return &buf, writer.FormDataContentType(), nil
}
