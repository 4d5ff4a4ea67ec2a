// Package asr talks to remote speech recognition services.
//
// Two wire formats are supported: the OpenAI style multipart
// /v1/audio/transcriptions endpoint (OpenAI, SiliconFlow) and the DashScope
// compatible-mode chat completions endpoint with inline base64 audio.
// Retrying and Registry decorate any Recognizer with retries and a
// primary/fallback choice.
package asr
