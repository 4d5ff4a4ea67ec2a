// Package pipeline runs one audio file through conversion, voice activity
// detection, chunk grouping, segment extraction and sequential recognition.
//
// Segments are recognized one at a time in timeline order. The prompt for
// a segment carries the scenario and the texts of the segments recognized
// successfully before it. A failed segment is recorded and skipped; only
// stage failures abort a run. Temporary files live in a per-run directory
// that is removed on every path.
package pipeline
