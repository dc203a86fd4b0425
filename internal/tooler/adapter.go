// Package tooler supervises external tool processes. Adapters translate a
// tool name plus input payload into an argv; the supervisor launches the
// process, captures artifacts, and reports completion.
package tooler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/voxrelay/voxrelay/internal/config"
)

// CommandSpec is the outcome of adapter resolution: either an argv to
// launch, or a startup error to surface through the failed run.
type CommandSpec struct {
	Argv         []string
	StartupError string
}

// BadRequestError rejects a tool-run request before a run is created.
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	return e.Message
}

func badRequestf(format string, args ...any) error {
	return &BadRequestError{Message: fmt.Sprintf(format, args...)}
}

// Adapter validates an input payload and produces a command spec.
type Adapter func(payload map[string]any) (CommandSpec, error)

// Registry maps tool names to adapters.
type Registry struct {
	cfg      config.ToolerConfig
	adapters map[string]Adapter
}

// NewRegistry builds the registry with the built-in adapters: dummy, codex,
// and git-autocommit.
func NewRegistry(cfg config.ToolerConfig) *Registry {
	r := &Registry{cfg: cfg, adapters: map[string]Adapter{}}
	r.adapters["dummy"] = r.buildDummy
	r.adapters["codex"] = r.buildCodex
	r.adapters["git-autocommit"] = r.buildGitAutocommit
	return r
}

// Names returns the registered tool names sorted alphabetically.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve runs the adapter for toolName against the payload. Unknown names
// and invalid payloads return *BadRequestError.
func (r *Registry) Resolve(toolName string, payload map[string]any) (CommandSpec, error) {
	adapter, ok := r.adapters[toolName]
	if !ok {
		return CommandSpec{}, badRequestf("tool %q is not allowed; allowed tools: %s",
			toolName, strings.Join(r.Names(), ", "))
	}
	if payload == nil {
		payload = map[string]any{}
	}
	spec, err := adapter(payload)
	if err != nil {
		return CommandSpec{}, err
	}
	if len(spec.Argv) == 0 && spec.StartupError == "" {
		return CommandSpec{}, fmt.Errorf("tool %q adapter returned no command", toolName)
	}
	if len(spec.Argv) > 0 && spec.StartupError != "" {
		return CommandSpec{}, fmt.Errorf("tool %q adapter returned ambiguous configuration", toolName)
	}
	return spec, nil
}

func stringValue(payload map[string]any, key string) string {
	v, ok := payload[key]
	if !ok || v == nil {
		return ""
	}
	switch typed := v.(type) {
	case string:
		return typed
	default:
		return fmt.Sprintf("%v", typed)
	}
}

func boolValue(payload map[string]any, key string) bool {
	v, ok := payload[key].(bool)
	return ok && v
}
