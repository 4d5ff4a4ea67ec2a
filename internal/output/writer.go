package output

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Supported output formats
const (
	FormatText = "txt"
	FormatSRT  = "srt"
	FormatJSON = "json"
)

// Entry is one recognized segment of a transcript
type Entry struct {
	ID         string  `json:"id"`
	Start      float64 `json:"start"` // seconds
	End        float64 `json:"end"`
	Text       string  `json:"text,omitempty"`
	Success    bool    `json:"success"`
	Error      string  `json:"error,omitempty"`
	TokensUsed int     `json:"tokens_used,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
}

// Transcript is the aggregated result of one run
type Transcript struct {
	Source      string    `json:"source"`
	Scenario    string    `json:"scenario,omitempty"`
	Text        string    `json:"text"`
	SuccessRate float64   `json:"success_rate"`
	Duration    float64   `json:"duration"` // seconds of input audio
	CreatedAt   time.Time `json:"created_at"`
	Segments    []Entry   `json:"segments"`
}

// Writer saves transcripts into a directory in one or more formats
type Writer struct {
	dir     string
	formats []string
}

// NewWriter creates a writer for dir. An empty format list means text only.
func NewWriter(dir string, formats []string) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("output dir is required")
	}
	clean, err := NormalizeFormats(formats)
	if err != nil {
		return nil, err
	}

	return &Writer{dir: dir, formats: clean}, nil
}

// NormalizeFormats lowercases and deduplicates formats and rejects unknown
// ones. An empty list means text only.
func NormalizeFormats(formats []string) ([]string, error) {
	if len(formats) == 0 {
		return []string{FormatText}, nil
	}

	seen := make(map[string]bool, len(formats))
	clean := make([]string, 0, len(formats))
	for _, f := range formats {
		f = strings.ToLower(strings.TrimSpace(f))
		switch f {
		case FormatText, FormatSRT, FormatJSON:
		default:
			return nil, fmt.Errorf("unknown output format %q", f)
		}
		if !seen[f] {
			seen[f] = true
			clean = append(clean, f)
		}
	}
	return clean, nil
}

// Dir returns the output directory
func (w *Writer) Dir() string {
	return w.dir
}

// Save writes t as <dir>/<name>.<format> for every configured format and
// returns the written paths keyed by format
func (w *Writer) Save(name string, t *Transcript) (map[string]string, error) {
	if name == "" {
		return nil, fmt.Errorf("output name is required")
	}

	files := make(map[string]string, len(w.formats))
	var errs []string
	for _, f := range w.formats {
		path := filepath.Join(w.dir, name+"."+f)

		var err error
		switch f {
		case FormatText:
			err = WriteText(path, t)
		case FormatSRT:
			err = WriteSRT(path, t)
		case FormatJSON:
			err = WriteJSON(path, t)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", f, err))
			continue
		}
		files[f] = path
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return files, fmt.Errorf("transcript write errors: %s", strings.Join(errs, "; "))
	}
	return files, nil
}

// WriteText writes the aggregated text
func WriteText(path string, t *Transcript) error {
	return atomicWrite(path, []byte(t.Text))
}

// WriteSRT writes the successfully recognized segments as SubRip subtitles
func WriteSRT(path string, t *Transcript) error {
	var b strings.Builder
	n := 0
	for _, e := range t.Segments {
		if !e.Success || e.Text == "" {
			continue
		}
		if n > 0 {
			b.WriteByte('\n')
		}
		n++
		fmt.Fprintf(&b, "%d\n", n)
		fmt.Fprintf(&b, "%s --> %s\n", formatSRTTimestamp(e.Start), formatSRTTimestamp(e.End))
		fmt.Fprintf(&b, "%s\n", e.Text)
	}
	return atomicWrite(path, []byte(b.String()))
}

// WriteJSON writes the whole transcript including failed segments
func WriteJSON(path string, t *Transcript) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}
	return atomicWrite(path, append(data, '\n'))
}

// formatSRTTimestamp formats seconds as HH:MM:SS,mmm
func formatSRTTimestamp(seconds float64) string {
	d := time.Duration(seconds * float64(time.Second)).Round(time.Millisecond)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	ms := int(d.Milliseconds()) % 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms)
}

// atomicWrite writes data to path atomically using a temp file + rename
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmpFile, err := os.CreateTemp(dir, ".transcript-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("syncing transcript: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing transcript: %w", err)
	}
	tmpFile = nil

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming transcript: %w", err)
	}
	return nil
}
