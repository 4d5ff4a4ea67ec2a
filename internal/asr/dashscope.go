package asr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"
)

// DashScope is a backend for the DashScope (Qwen ASR) compatible-mode chat
// completions endpoint. The audio is sent inline as a base64 data URI.
type DashScope struct {
	*client
}

var _ Recognizer = (*DashScope)(nil)

type dashscopeRequest struct {
	Model      string             `json:"model"`
	Messages   []dashscopeMessage `json:"messages"`
	Stream     bool               `json:"stream"`
	ASROptions dashscopeOptions   `json:"asr_options"`
}

type dashscopeMessage struct {
	Role    string          `json:"role"`
	Content []dashscopePart `json:"content"`
}

type dashscopePart struct {
	Type       string          `json:"type"`
	Text       string          `json:"text,omitempty"`
	InputAudio *dashscopeAudio `json:"input_audio,omitempty"`
}

type dashscopeAudio struct {
	Data string `json:"data"`
}

type dashscopeOptions struct {
	Language  string `json:"language,omitempty"`
	EnableITN bool   `json:"enable_itn"`
	EnableLID bool   `json:"enable_lid"`
}

type dashscopeResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content json.RawMessage `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *struct {
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage,omitempty"`
}

// NewDashScope creates a DashScope backend
func NewDashScope(config Config) (*DashScope, error) {
	c, err := newClient("dashscope", config)
	if err != nil {
		return nil, err
	}
	return &DashScope{client: c}, nil
}

// Recognize sends the audio and the context prompt as one chat completion
func (d *DashScope) Recognize(ctx context.Context, req *Request) (*Result, error) {
	start := time.Now()

	result, err := d.recognize(ctx, req)
	if err != nil {
		d.record(false, 0, time.Since(start))
		return nil, err
	}

	result.Latency = time.Since(start)
	d.record(true, result.TokensUsed, result.Latency)
	return result, nil
}

func (d *DashScope) recognize(ctx context.Context, req *Request) (*Result, error) {
	audio, err := d.readAudio(req.AudioPath)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(d.buildRequest(req, audio))
	if err != nil {
		return nil, &Error{Provider: d.provider, Message: "failed to encode request", Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.config.BaseURL+"/compatible-mode/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: d.provider, Message: "failed to create HTTP request", Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	respBody, requestID, err := d.do(ctx, httpReq)
	if err != nil {
		return nil, err
	}

	var resp dashscopeResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, &Error{Provider: d.provider, Message: "failed to parse response JSON", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &Error{Provider: d.provider, Message: "response has no choices"}
	}

	text, err := messageText(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &Error{Provider: d.provider, Message: "unexpected message content", Err: err}
	}
	if text == "" {
		return nil, &Error{Provider: d.provider, Err: ErrEmptyResult}
	}

	tokens := 0
	if resp.Usage != nil {
		tokens = resp.Usage.CompletionTokens
		if tokens == 0 {
			tokens = resp.Usage.TotalTokens
		}
	}

	if requestID == "" {
		requestID = resp.ID
	}

	return &Result{
		Text:       text,
		TokensUsed: tokens,
		RequestID:  ensureRequestID(requestID),
		Provider:   d.provider,
		Model:      d.config.Model,
	}, nil
}

func (d *DashScope) buildRequest(req *Request, audio []byte) dashscopeRequest {
	var messages []dashscopeMessage
	if req.Prompt != "" {
		messages = append(messages, dashscopeMessage{
			Role:    "system",
			Content: []dashscopePart{{Type: "text", Text: req.Prompt}},
		})
	}
	messages = append(messages, dashscopeMessage{
		Role: "user",
		Content: []dashscopePart{{
			Type:       "input_audio",
			InputAudio: &dashscopeAudio{Data: dataURI(req.AudioPath, audio)},
		}},
	})

	return dashscopeRequest{
		Model:    d.config.Model,
		Messages: messages,
		ASROptions: dashscopeOptions{
			Language:  req.Language,
			EnableITN: d.config.EnableITN,
			EnableLID: d.config.EnableLID,
		},
	}
}

// dataURI encodes audio as data:<mime>;base64,<payload>
func dataURI(path string, audio []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", audioMIME(path), base64.StdEncoding.EncodeToString(audio))
}

func audioMIME(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".m4a", ".mp4":
		return "audio/mp4"
	case ".flac":
		return "audio/flac"
	default:
		return "audio/ogg"
	}
}

// messageText accepts both a plain string and a list of content parts
func messageText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}

	var parts []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, p := range parts {
		b.WriteString(p.Text)
	}
	return strings.TrimSpace(b.String()), nil
}
