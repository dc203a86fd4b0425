// Package audio splits PCM WAV files into fixed-duration chunks so long
// recordings can be transcribed piecewise, and joins the partial
// transcripts back together.
//
// The pipeline itself delegates transcription to the remote speech
// service; this package backs local transcriber integrations that need
// the same chunk, transcribe, and join flow on the worker host.
package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// wavFormat describes the PCM stream of a WAV file.
type wavFormat struct {
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
}

// wavFile is a decoded WAV: format plus raw PCM frames.
type wavFile struct {
	Format wavFormat
	Data   []byte
}

func (w *wavFile) frames() int {
	if w.Format.BlockAlign == 0 {
		return 0
	}
	return len(w.Data) / int(w.Format.BlockAlign)
}

// Duration returns the length of the WAV file in seconds.
func Duration(path string) (float64, error) {
	wav, err := readWAV(path)
	if err != nil {
		return 0, err
	}
	if wav.Format.SampleRate == 0 {
		return 0, fmt.Errorf("wav %s has zero sample rate", path)
	}
	return float64(wav.frames()) / float64(wav.Format.SampleRate), nil
}

// ChunkWAV splits the file into chunks of at most chunkSeconds, cutting on
// frame boundaries. Chunks are written next to the source as
// <stem>.chunk_NNNN.wav. A file that fits in a single chunk (or holds no
// frames) is returned as-is.
func ChunkWAV(path string, chunkSeconds int) ([]string, error) {
	if chunkSeconds <= 0 {
		return nil, fmt.Errorf("chunk seconds must be positive")
	}
	wav, err := readWAV(path)
	if err != nil {
		return nil, err
	}

	totalFrames := wav.frames()
	framesPerChunk := int(wav.Format.SampleRate) * chunkSeconds
	if totalFrames == 0 || framesPerChunk <= 0 || totalFrames <= framesPerChunk {
		return []string{path}, nil
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	dir := filepath.Dir(path)
	blockAlign := int(wav.Format.BlockAlign)

	var chunks []string
	for index, offset := 0, 0; offset < totalFrames; index++ {
		frames := framesPerChunk
		if offset+frames > totalFrames {
			frames = totalFrames - offset
		}
		start := offset * blockAlign
		end := (offset + frames) * blockAlign

		chunkPath := filepath.Join(dir, fmt.Sprintf("%s.chunk_%04d.wav", stem, index))
		if err := writeWAV(chunkPath, wav.Format, wav.Data[start:end]); err != nil {
			return nil, err
		}
		chunks = append(chunks, chunkPath)
		offset += frames
	}
	return chunks, nil
}

// JoinTranscripts concatenates non-empty chunk transcripts with single
// spaces.
func JoinTranscripts(parts []string) string {
	var kept []string
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			kept = append(kept, trimmed)
		}
	}
	return strings.Join(kept, " ")
}

func readWAV(path string) (*wavFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wav: %w", err)
	}
	if len(data) < 12 || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, fmt.Errorf("%s is not a RIFF/WAVE file", path)
	}

	var (
		format    wavFormat
		pcm       []byte
		haveFmt   bool
		haveData  bool
		offset    = 12
		byteOrder = binary.LittleEndian
	)
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(byteOrder.Uint32(data[offset+4 : offset+8]))
		body := offset + 8
		if body+chunkSize > len(data) {
			chunkSize = len(data) - body
		}

		switch chunkID {
		case "fmt ":
			if chunkSize < 16 {
				return nil, fmt.Errorf("%s has truncated fmt chunk", path)
			}
			format.AudioFormat = byteOrder.Uint16(data[body : body+2])
			format.NumChannels = byteOrder.Uint16(data[body+2 : body+4])
			format.SampleRate = byteOrder.Uint32(data[body+4 : body+8])
			format.ByteRate = byteOrder.Uint32(data[body+8 : body+12])
			format.BlockAlign = byteOrder.Uint16(data[body+12 : body+14])
			format.BitsPerSample = byteOrder.Uint16(data[body+14 : body+16])
			haveFmt = true
		case "data":
			pcm = data[body : body+chunkSize]
			haveData = true
		}

		// Chunks are word aligned.
		offset = body + chunkSize
		if chunkSize%2 == 1 {
			offset++
		}
	}

	if !haveFmt || !haveData {
		return nil, fmt.Errorf("%s is missing fmt or data chunk", path)
	}
	if format.AudioFormat != 1 {
		return nil, fmt.Errorf("%s is not PCM encoded", path)
	}
	return &wavFile{Format: format, Data: pcm}, nil
}

func writeWAV(path string, format wavFormat, pcm []byte) error {
	buf := make([]byte, 0, 44+len(pcm))
	byteOrder := binary.LittleEndian

	appendU32 := func(v uint32) { buf = byteOrder.AppendUint32(buf, v) }
	appendU16 := func(v uint16) { buf = byteOrder.AppendUint16(buf, v) }

	buf = append(buf, "RIFF"...)
	appendU32(uint32(36 + len(pcm)))
	buf = append(buf, "WAVE"...)

	buf = append(buf, "fmt "...)
	appendU32(16)
	appendU16(format.AudioFormat)
	appendU16(format.NumChannels)
	appendU32(format.SampleRate)
	appendU32(format.ByteRate)
	appendU16(format.BlockAlign)
	appendU16(format.BitsPerSample)

	buf = append(buf, "data"...)
	appendU32(uint32(len(pcm)))
	buf = append(buf, pcm...)

	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return fmt.Errorf("write wav chunk: %w", err)
	}
	return nil
}
