package tooler

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const codexAuthHint = "codex is not authenticated: run `codex login` on the host and mount the codex home directory"

// buildCodex drives the codex CLI against a workdir. Preconditions that
// depend on the environment (binary, credentials, git repo) become startup
// errors; malformed input is rejected outright.
func (r *Registry) buildCodex(payload map[string]any) (CommandSpec, error) {
	prompt := strings.TrimSpace(stringValue(payload, "prompt"))
	if prompt == "" {
		return CommandSpec{}, badRequestf("field 'input.prompt' is required for tool 'codex'")
	}

	workdir, err := resolveWorkdir(payload)
	if err != nil {
		return CommandSpec{}, err
	}

	skipGitCheck := boolValue(payload, "skip_git_repo_check")
	if !skipGitCheck && !isGitRepo(workdir) {
		return CommandSpec{StartupError: "codex requires a git repository workdir; " +
			"point 'input.workdir' to a git repo or set 'input.skip_git_repo_check=true'"}, nil
	}

	if r.cfg.Codex.Mock {
		return CommandSpec{Argv: []string{
			"bash", "-lc",
			"echo 'codex-mock: deterministic output'; echo 'progress: mock runner' >&2",
		}}, nil
	}

	if _, err := exec.LookPath("codex"); err != nil {
		return CommandSpec{StartupError: "codex CLI binary is not available; install @openai/codex so 'codex exec' can run"}, nil
	}
	if r.cfg.Codex.Home != "" {
		if _, err := os.Stat(filepath.Join(r.cfg.Codex.Home, "auth.json")); err != nil {
			return CommandSpec{StartupError: codexAuthHint}, nil
		}
	}

	mode := strings.ToLower(strings.TrimSpace(stringValue(payload, "mode")))
	if mode == "" {
		mode = r.cfg.Codex.Mode
	}
	if mode != "readonly" && mode != "full-auto" {
		return CommandSpec{}, badRequestf("field 'input.mode' must be one of: readonly, full-auto")
	}

	model := strings.TrimSpace(stringValue(payload, "model"))
	if model == "" {
		model = r.cfg.Codex.Model
	}
	approvalPolicy := strings.TrimSpace(stringValue(payload, "approval_policy"))
	jsonOutput := boolValue(payload, "json")

	argv := []string{"codex", "exec", "--cd", workdir}
	if model != "" {
		argv = append(argv, "--model", model)
	}
	if approvalPolicy != "" {
		argv = append(argv, "--approval-policy", approvalPolicy)
	}
	if mode == "full-auto" {
		argv = append(argv, "--full-auto")
	} else {
		argv = append(argv, "--sandbox", "read-only")
	}
	if skipGitCheck {
		argv = append(argv, "--skip-git-repo-check")
	}
	if jsonOutput {
		argv = append(argv, "--json")
	}
	argv = append(argv, prompt)

	return CommandSpec{Argv: argv}, nil
}

// resolveWorkdir validates the workdir field, defaulting to the current
// directory, and returns its absolute path.
func resolveWorkdir(payload map[string]any) (string, error) {
	raw := strings.TrimSpace(stringValue(payload, "workdir"))
	if raw == "" {
		if _, ok := payload["workdir"]; ok {
			return "", badRequestf("field 'input.workdir' must be a non-empty string")
		}
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		raw = cwd
	}

	abs, err := filepath.Abs(raw)
	if err != nil {
		return "", badRequestf("field 'input.workdir' is not a valid path")
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return "", badRequestf("field 'input.workdir' must point to an existing directory")
	}
	return abs, nil
}

func isGitRepo(workdir string) bool {
	_, err := os.Stat(filepath.Join(workdir, ".git"))
	return err == nil
}
