package audio

import (
	"math"
	"os"
	"path/filepath"
	"testing"
)

// writeTestWAV produces a mono 16-bit PCM file of the given duration.
func writeTestWAV(t *testing.T, path string, seconds int, sampleRate uint32) {
	t.Helper()
	format := wavFormat{
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    sampleRate,
		ByteRate:      sampleRate * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
	}
	pcm := make([]byte, int(sampleRate)*seconds*2)
	if err := writeWAV(path, format, pcm); err != nil {
		t.Fatalf("write test wav: %v", err)
	}
}

func TestDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "short.wav")
	writeTestWAV(t, path, 7, 8000)

	got, err := Duration(path)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if math.Abs(got-7) > 0.001 {
		t.Fatalf("expected 7s, got %v", got)
	}
}

func TestChunkWAVSplitsAtFrameBoundaries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "long.wav")
	writeTestWAV(t, path, 32, 8000)

	chunks, err := ChunkWAV(path, 15)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks for 32s at 15s, got %d", len(chunks))
	}

	wantSeconds := []float64{15, 15, 2}
	for i, chunk := range chunks {
		got, err := Duration(chunk)
		if err != nil {
			t.Fatalf("chunk %d duration: %v", i, err)
		}
		if math.Abs(got-wantSeconds[i]) > 0.001 {
			t.Fatalf("chunk %d: expected %vs, got %vs", i, wantSeconds[i], got)
		}
	}

	// Chunk payloads reassemble to the original.
	var total int
	for _, chunk := range chunks {
		wav, err := readWAV(chunk)
		if err != nil {
			t.Fatalf("read chunk: %v", err)
		}
		total += len(wav.Data)
	}
	original, err := readWAV(path)
	if err != nil {
		t.Fatalf("read original: %v", err)
	}
	if total != len(original.Data) {
		t.Fatalf("chunks lose data: %d != %d", total, len(original.Data))
	}
}

func TestChunkWAVShortFileUntouched(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "short.wav")
	writeTestWAV(t, path, 10, 8000)

	chunks, err := ChunkWAV(path, 15)
	if err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if len(chunks) != 1 || chunks[0] != path {
		t.Fatalf("short file should pass through, got %v", chunks)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("no chunk files expected, found %d entries", len(entries))
	}
}

func TestChunkWAVRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not.wav")
	if err := os.WriteFile(path, []byte("mp3 data"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := ChunkWAV(path, 15); err == nil {
		t.Fatal("expected error for non-wav input")
	}
}

func TestJoinTranscripts(t *testing.T) {
	got := JoinTranscripts([]string{" hello ", "", "world", "   "})
	if got != "hello world" {
		t.Fatalf("unexpected join %q", got)
	}
	if JoinTranscripts(nil) != "" {
		t.Fatal("empty input should join to empty string")
	}
}
