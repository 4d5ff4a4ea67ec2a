package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// stub is a local OpenAI-compatible transcription endpoint for manual
// end-to-end runs without a cloud account
type stub struct {
	logger   *slog.Logger
	text     string
	delay    time.Duration
	failRate float64
	requests atomic.Uint64
	rand     *rand.Rand
}

type transcriptionResponse struct {
	Text  string `json:"text"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

func (s *stub) handleTranscription(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, `{"error":{"message":"error parsing form"}}`, http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, `{"error":{"message":"file is required"}}`, http.StatusBadRequest)
		return
	}
	defer file.Close()

	size, err := io.Copy(io.Discard, file)
	if err != nil {
		http.Error(w, `{"error":{"message":"error reading audio file"}}`, http.StatusInternalServerError)
		return
	}

	s.logger.Info("Transcription request",
		slog.Uint64("n", n),
		slog.String("request_id", requestID),
		slog.String("filename", header.Filename),
		slog.Int64("size", size),
		slog.String("model", r.FormValue("model")),
		slog.String("language", r.FormValue("language")),
		slog.Int("prompt_chars", len([]rune(r.FormValue("prompt")))),
	)

	time.Sleep(s.delay)

	if s.failRate > 0 && s.rand.Float64() < s.failRate {
		s.logger.Warn("Injecting failure", slog.String("request_id", requestID))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"error":{"message":"injected failure"}}`)
		return
	}

	var resp transcriptionResponse
	resp.Text = fmt.Sprintf("%s (%s, request %d)", s.text, header.Filename, n)
	resp.Usage.TotalTokens = len([]rune(resp.Text))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func main() {
	var (
		addr     string
		text     string
		delay    time.Duration
		failRate float64
	)

	cmd := &cobra.Command{
		Use:   "asr-stub",
		Short: "Local OpenAI-compatible transcription endpoint for testing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if failRate < 0 || failRate > 1 {
				return fmt.Errorf("--fail-rate must be between 0 and 1, got %f", failRate)
			}

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			s := &stub{
				logger:   logger,
				text:     text,
				delay:    delay,
				failRate: failRate,
				rand:     rand.New(rand.NewSource(time.Now().UnixNano())),
			}

			mux := http.NewServeMux()
			mux.HandleFunc("POST /v1/audio/transcriptions", s.handleTranscription)

			logger.Info("ASR stub listening",
				slog.String("address", addr),
				slog.String("base_url", "http://"+addr),
			)
			return http.ListenAndServe(addr, mux)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9000", "Listen address")
	cmd.Flags().StringVar(&text, "text", "This is a test transcription", "Text returned for every segment")
	cmd.Flags().DurationVar(&delay, "delay", 200*time.Millisecond, "Simulated processing time")
	cmd.Flags().Float64Var(&failRate, "fail-rate", 0, "Fraction of requests answered with 503")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
