package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotWAV is returned when the data does not carry a RIFF/WAVE header
var ErrNotWAV = errors.New("not a RIFF/WAVE stream")

// PCM holds decoded 16-bit mono samples
type PCM struct {
	Samples    []int16
	SampleRate int
}

// Duration returns the length of the audio in seconds
func (p *PCM) Duration() float64 {
	if p == nil || p.SampleRate <= 0 {
		return 0
	}
	return float64(len(p.Samples)) / float64(p.SampleRate)
}

// WAVHeader represents the canonical 44-byte header written by EncodeWAV
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// WAVInfo describes a WAV stream without its sample data
type WAVInfo struct {
	AudioFormat   uint16  `json:"audio_format"`
	SampleRate    uint32  `json:"sample_rate"`
	Channels      uint16  `json:"channels"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	Duration      float64 `json:"duration_seconds"`
	DataSize      uint32  `json:"data_size_bytes"`
	NumSamples    uint32  `json:"num_samples"`

	dataOffset int64
}

// IsPCM16Mono reports whether the stream is 16-bit mono PCM at the given rate
func (i *WAVInfo) IsPCM16Mono(sampleRate int) bool {
	return i.AudioFormat == 1 && i.BitsPerSample == 16 && i.Channels == 1 && int(i.SampleRate) == sampleRate
}

// EncodeWAV encodes PCM-16 mono samples into WAV format
func EncodeWAV(samples []int16, sampleRate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	numChannels := uint16(1)
	bitsPerSample := uint16(16)
	dataSize := uint32(len(samples) * 2)

	header := WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1,
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}

	buf := bytes.NewBuffer(make([]byte, 0, 44+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// WriteWAVFile encodes samples and writes them to path
func WriteWAVFile(path string, samples []int16, sampleRate int) error {
	data, err := EncodeWAV(samples, sampleRate)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write WAV file %s: %w", path, err)
	}
	return nil
}

// ReadWAVInfo walks the RIFF chunks until the data chunk and returns the format.
// Extra chunks (LIST, fact, ...) written by ffmpeg are skipped.
func ReadWAVInfo(r io.ReadSeeker) (*WAVInfo, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	info := &WAVInfo{}
	haveFmt := false
	offset := int64(12)

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return nil, fmt.Errorf("invalid WAV file: missing data chunk: %w", err)
		}
		id := string(chunk[0:4])
		size := binary.LittleEndian.Uint32(chunk[4:8])
		offset += 8

		switch id {
		case "fmt ":
			if size < 16 {
				return nil, fmt.Errorf("invalid WAV file: fmt chunk too short (%d bytes)", size)
			}
			var f [16]byte
			if _, err := io.ReadFull(r, f[:]); err != nil {
				return nil, fmt.Errorf("failed to read fmt chunk: %w", err)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(f[0:2])
			info.Channels = binary.LittleEndian.Uint16(f[2:4])
			info.SampleRate = binary.LittleEndian.Uint32(f[4:8])
			info.BitsPerSample = binary.LittleEndian.Uint16(f[14:16])
			// WAVE_FORMAT_EXTENSIBLE carries PCM in its sub-format GUID
			if info.AudioFormat == 0xFFFE {
				info.AudioFormat = 1
			}
			haveFmt = true
			if _, err := r.Seek(int64(size-16)+int64(size&1), io.SeekCurrent); err != nil {
				return nil, err
			}
		case "data":
			if !haveFmt {
				return nil, fmt.Errorf("invalid WAV file: data chunk before fmt chunk")
			}
			if info.SampleRate == 0 || info.Channels == 0 || info.BitsPerSample == 0 {
				return nil, fmt.Errorf("invalid WAV file: zero sample rate, channels or bit depth")
			}
			info.DataSize = size
			info.dataOffset = offset
			frameSize := uint32(info.Channels) * uint32(info.BitsPerSample) / 8
			info.NumSamples = size / frameSize
			info.Duration = float64(info.NumSamples) / float64(info.SampleRate)
			return info, nil
		default:
			if _, err := r.Seek(int64(size)+int64(size&1), io.SeekCurrent); err != nil {
				return nil, err
			}
		}
		offset += int64(size) + int64(size&1)
	}
}

// DecodeWAV decodes 16-bit PCM WAV data into mono samples. Multi-channel
// input is down-mixed by averaging the channels.
func DecodeWAV(data []byte) (*PCM, error) {
	r := bytes.NewReader(data)
	info, err := ReadWAVInfo(r)
	if err != nil {
		return nil, err
	}
	return decodeSamples(r, info)
}

// ReadWAVFile reads and decodes a WAV file from disk
func ReadWAVFile(path string) (*PCM, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAV file %s: %w", path, err)
	}
	defer f.Close()

	info, err := ReadWAVInfo(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read WAV header of %s: %w", path, err)
	}
	return decodeSamples(f, info)
}

// ProbeWAVFile returns the format of a WAV file without decoding its samples
func ProbeWAVFile(path string) (*WAVInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadWAVInfo(f)
}

func decodeSamples(r io.ReadSeeker, info *WAVInfo) (*PCM, error) {
	if info.AudioFormat != 1 {
		return nil, fmt.Errorf("unsupported audio format: %d (only PCM is supported)", info.AudioFormat)
	}
	if info.BitsPerSample != 16 {
		return nil, fmt.Errorf("unsupported bit depth: %d (only 16-bit is supported)", info.BitsPerSample)
	}
	if _, err := r.Seek(info.dataOffset, io.SeekStart); err != nil {
		return nil, err
	}

	channels := int(info.Channels)
	raw := make([]int16, int(info.NumSamples)*channels)
	if err := binary.Read(r, binary.LittleEndian, raw); err != nil {
		return nil, fmt.Errorf("failed to read audio samples: %w", err)
	}

	if channels == 1 {
		return &PCM{Samples: raw, SampleRate: int(info.SampleRate)}, nil
	}

	mono := make([]int16, len(raw)/channels)
	for i := range mono {
		var sum int32
		for c := 0; c < channels; c++ {
			sum += int32(raw[i*channels+c])
		}
		mono[i] = int16(sum / int32(channels))
	}
	return &PCM{Samples: mono, SampleRate: int(info.SampleRate)}, nil
}
