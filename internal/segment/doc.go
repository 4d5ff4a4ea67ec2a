// Package segment groups VAD speech intervals into bounded chunks and
// materializes each chunk as a validated audio file for recognition.
package segment
