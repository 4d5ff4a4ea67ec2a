// Package vad provides energy based Voice Activity Detection.
// It slides a fixed window over 16 kHz mono PCM, turns the per-window speech
// decisions into speech runs with an edge-triggered state machine and returns
// a gapless timeline of speech and silence intervals.
package vad
