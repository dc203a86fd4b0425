package tooler

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
)

// ExecError reports a synchronous tool execution that exited non-zero. The
// HTTP layer surfaces it as a server error with the detail as message.
type ExecError struct {
	Detail string
}

func (e *ExecError) Error() string {
	return e.Detail
}

// SyncResult is the response of a synchronous tool execution.
type SyncResult struct {
	Tool       string `json:"tool"`
	ExitCode   int    `json:"exit_code"`
	ResultText string `json:"result_text"`
	Stderr     string `json:"stderr"`
	Branch     string `json:"branch,omitempty"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// RunSync resolves the adapter and runs the subprocess to completion
// inline. Startup errors become *BadRequestError; non-zero exits become
// *ExecError.
func (s *Supervisor) RunSync(ctx context.Context, toolName string, input map[string]any) (*SyncResult, error) {
	spec, err := s.registry.Resolve(toolName, input)
	if err != nil {
		return nil, err
	}
	if spec.StartupError != "" {
		return nil, &BadRequestError{Message: spec.StartupError}
	}
	return s.runSpec(ctx, toolName, spec)
}

// runSpec executes a resolved command spec inline.
func (s *Supervisor) runSpec(ctx context.Context, toolName string, spec CommandSpec) (*SyncResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, spec.Argv[0], spec.Argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = s.processEnv()

	runErr := cmd.Run()
	exitCode := 0
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	if runErr != nil && exitCode == 0 {
		return nil, runErr
	}

	stdoutText := stdout.String()
	stderrText := strings.TrimSpace(stderr.String())

	result := &SyncResult{
		Tool:       toolName,
		ExitCode:   exitCode,
		ResultText: strings.TrimSpace(stdoutText),
		Stderr:     stderrText,
	}

	if toolName == "git-autocommit" {
		branch, commitHash, clean := ExtractMarkers(stdoutText)
		result.ResultText = clean
		result.Branch = branch
		result.CommitHash = commitHash
	}

	if exitCode != 0 {
		if toolName == "codex" && looksLikeAuthFailure(stderrText) {
			return nil, &ExecError{Detail: codexAuthHint}
		}
		detail := stderrText
		if detail == "" {
			detail = "tool execution failed"
		}
		return nil, &ExecError{Detail: detail}
	}
	return result, nil
}

func looksLikeAuthFailure(stderr string) bool {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{"not authenticated", "login", "unauthorized", "auth"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
