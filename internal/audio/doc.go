// Package audio handles PCM audio decoding and encoding.
// It reads 16-bit WAV files (walking RIFF chunks written by ffmpeg),
// down-mixes to mono and exposes the samples for voice activity detection.
package audio
