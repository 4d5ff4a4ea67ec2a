// Package watch submits audio files dropped into a directory as
// transcription jobs once they have stopped changing.
package watch
