package pipeline

import (
	"encoding/json"
	"strings"
)

func trimmed(s string) string {
	return strings.TrimSpace(s)
}

func mustJSON(v any) json.RawMessage {
	encoded, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return encoded
}
