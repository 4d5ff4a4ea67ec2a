// Package media wraps the ffmpeg and ffprobe binaries: transcoding input to
// 16 kHz mono WAV, cutting segment files and measuring their duration.
package media
