package tooler

import (
	"fmt"
	"strconv"
	"strings"
)

// buildDummy echoes a message, sleeps a bounded duration, and prints done.
// It exists so the pipeline can be exercised without any real tool.
func (r *Registry) buildDummy(payload map[string]any) (CommandSpec, error) {
	message := strings.TrimSpace(strings.ReplaceAll(stringValue(payload, "message"), "\n", " "))
	if message == "" {
		message = "dummy tool started"
	}
	message = strings.ReplaceAll(message, `"`, "'")

	sleep := 1.0
	if raw, ok := payload["sleep_seconds"]; ok {
		parsed, err := numericValue(raw)
		if err != nil {
			return CommandSpec{}, badRequestf("field 'input.sleep_seconds' must be numeric")
		}
		sleep = parsed
	}
	if sleep < 0 {
		sleep = 0
	}
	if sleep > 30 {
		sleep = 30
	}

	script := fmt.Sprintf(`echo "start: %s"; echo "working..."; sleep %g; echo "done"`, message, sleep)
	return CommandSpec{Argv: []string{"bash", "-c", script}}, nil
}

func numericValue(v any) (float64, error) {
	switch typed := v.(type) {
	case float64:
		return typed, nil
	case int:
		return float64(typed), nil
	case string:
		return strconv.ParseFloat(typed, 64)
	default:
		return 0, fmt.Errorf("not numeric: %T", v)
	}
}
