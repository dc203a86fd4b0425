package tooler

import (
	"os"
	"strings"
)

// TailLines returns the last n lines of the file at path. A missing file
// yields the empty string.
func TailLines(path string, n int) string {
	if n <= 0 {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	text := strings.TrimRight(string(data), "\n")
	if text == "" {
		return ""
	}
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
