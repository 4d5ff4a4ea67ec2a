package output

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func sampleTranscript() *Transcript {
	return &Transcript{
		Source:      "meeting.m4a",
		Scenario:    "Weekly sync",
		Text:        "Hello, welcome to the meeting. Let's discuss the agenda.",
		SuccessRate: 2.0 / 3.0,
		Duration:    3725.5,
		CreatedAt:   time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		Segments: []Entry{
			{ID: "segment_000", Start: 0, End: 5.23, Text: "Hello, welcome to the meeting.", Success: true, TokensUsed: 12},
			{ID: "segment_001", Start: 5.5, End: 60, Success: false, Error: "HTTP 500"},
			{ID: "segment_002", Start: 3600, End: 3725.5, Text: "Let's discuss the agenda.", Success: true},
		},
	}
}

func TestWriteText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.txt")
	if err := WriteText(path, sampleTranscript()); err != nil {
		t.Fatalf("WriteText: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "Hello, welcome to the meeting. Let's discuss the agenda." {
		t.Errorf("unexpected text %q", data)
	}
}

func TestWriteSRT(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.srt")
	if err := WriteSRT(path, sampleTranscript()); err != nil {
		t.Fatalf("WriteSRT: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	want := "1\n00:00:00,000 --> 00:00:05,230\nHello, welcome to the meeting.\n" +
		"\n2\n01:00:00,000 --> 01:02:05,500\nLet's discuss the agenda.\n"
	if string(data) != want {
		t.Errorf("unexpected srt:\n%s\nwant:\n%s", data, want)
	}
}

func TestWriteJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	if err := WriteJSON(path, sampleTranscript()); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}

	var got Transcript
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(got.Segments))
	}
	if got.Segments[1].Error != "HTTP 500" || got.Segments[1].Success {
		t.Errorf("failed segment not preserved: %+v", got.Segments[1])
	}
}

func TestWriterSave(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	w, err := NewWriter(dir, []string{"TXT", "srt", "json", "txt"})
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	files, err := w.Save("meeting", sampleTranscript())
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if len(files) != 3 {
		t.Fatalf("expected 3 files, got %v", files)
	}
	for format, path := range files {
		if filepath.Base(path) != "meeting."+format {
			t.Errorf("unexpected path %s for %s", path, format)
		}
		if _, err := os.Stat(path); err != nil {
			t.Errorf("missing %s: %v", path, err)
		}
	}

	// No temp files left behind
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".tmp") {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriterOverwrites(t *testing.T) {
	w, err := NewWriter(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	tr := sampleTranscript()
	if _, err := w.Save("a", tr); err != nil {
		t.Fatalf("Save: %v", err)
	}
	tr.Text = "second"
	files, err := w.Save("a", tr)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, _ := os.ReadFile(files[FormatText])
	if string(data) != "second" {
		t.Errorf("expected overwritten text, got %q", data)
	}
}

func TestNewWriterValidation(t *testing.T) {
	if _, err := NewWriter("", nil); err == nil {
		t.Error("expected error for empty dir")
	}
	if _, err := NewWriter(t.TempDir(), []string{"vtt"}); err == nil {
		t.Error("expected error for unknown format")
	}

	w, err := NewWriter(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.Save("", sampleTranscript()); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestFormatSRTTimestamp(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "00:00:00,000"},
		{5.23, "00:00:05,230"},
		{61.25, "00:01:01,250"},
		{3725.5, "01:02:05,500"},
	}
	for _, tt := range tests {
		if got := formatSRTTimestamp(tt.in); got != tt.want {
			t.Errorf("formatSRTTimestamp(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
