package tooler

import (
	"fmt"
	"strings"
	"time"
)

// Marker lines emitted on stdout by the git-autocommit tool.
const (
	BranchMarker     = "__BRANCH__="
	CommitHashMarker = "__COMMIT_HASH__="
)

const gitAutocommitScript = `set -e
workdir="$1"
branch="$2"
subject="$3"
push_enabled="$4"

git -C "$workdir" checkout -B "$branch"
git -C "$workdir" add -A

if ! git -C "$workdir" diff --cached --quiet; then
  git -C "$workdir" commit -m "$subject"
fi

commit_hash=$(git -C "$workdir" rev-parse HEAD)
echo "__BRANCH__=$branch"
echo "__COMMIT_HASH__=$commit_hash"

if [ "$push_enabled" = "1" ]; then
  git -C "$workdir" push origin "$branch"
fi`

// buildGitAutocommit commits every pending change in the workdir onto
// today's autobot branch and reports the branch and commit hash through
// stdout markers.
func (r *Registry) buildGitAutocommit(payload map[string]any) (CommandSpec, error) {
	workdir, err := resolveWorkdir(payload)
	if err != nil {
		return CommandSpec{}, err
	}
	if !isGitRepo(workdir) {
		return CommandSpec{StartupError: fmt.Sprintf("directory %q is not a git repository", workdir)}, nil
	}

	subject := strings.TrimSpace(stringValue(payload, "subject"))
	if subject == "" {
		if _, ok := payload["subject"]; ok {
			return CommandSpec{}, badRequestf("field 'input.subject' must be a non-empty string")
		}
		subject = "chore: autobot update"
	}

	branch := "autobot/" + time.Now().Format("2006-01-02")
	push := "0"
	if r.cfg.Git.Push {
		push = "1"
	}

	return CommandSpec{Argv: []string{
		"bash", "-c", gitAutocommitScript, "git-autocommit",
		workdir, branch, subject, push,
	}}, nil
}

// ExtractMarkers scans stdout for branch and commit markers and returns the
// remaining lines with the markers stripped.
func ExtractMarkers(stdout string) (branch, commitHash, clean string) {
	var kept []string
	for _, line := range strings.Split(stdout, "\n") {
		switch {
		case strings.HasPrefix(line, BranchMarker):
			branch = strings.TrimSpace(strings.TrimPrefix(line, BranchMarker))
		case strings.HasPrefix(line, CommitHashMarker):
			commitHash = strings.TrimSpace(strings.TrimPrefix(line, CommitHashMarker))
		default:
			kept = append(kept, line)
		}
	}
	clean = strings.TrimSpace(strings.Join(kept, "\n"))
	return branch, commitHash, clean
}
