// Package output writes transcripts as plain text, SubRip subtitles or JSON.
// Every file is written to a temp file first and renamed into place.
package output
