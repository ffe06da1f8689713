package rollback

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"
)

const defaultGitTimeout = 30 * time.Second

// Git is a VCS backed by the git command line.
type Git struct {
	Dir            string
	CleanUntracked bool // also remove untracked files on revert
	Timeout        time.Duration
}

// Checkpoint returns the commit hash of HEAD.
func (g *Git) Checkpoint(ctx context.Context) (string, error) {
	out, err := g.exec(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ChangedFiles lists the files Revert would restore: tracked files that differ
// from since, plus untracked files not covered by .gitignore when
// CleanUntracked is set.
func (g *Git) ChangedFiles(ctx context.Context, since string) ([]string, error) {
	tracked, err := g.exec(ctx, "diff", "--name-only", since)
	if err != nil {
		return nil, err
	}
	var untracked string
	if g.CleanUntracked {
		untracked, err = g.exec(ctx, "ls-files", "--others", "--exclude-standard")
		if err != nil {
			return nil, err
		}
	}

	seen := make(map[string]bool)
	var files []string
	for _, line := range strings.Split(tracked+"\n"+untracked, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || seen[line] {
			continue
		}
		seen[line] = true
		files = append(files, line)
	}
	sort.Strings(files)
	return files, nil
}

// Revert hard-resets the working tree to checkpoint.
func (g *Git) Revert(ctx context.Context, checkpoint string) error {
	if _, err := g.exec(ctx, "reset", "--hard", checkpoint); err != nil {
		return err
	}
	if g.CleanUntracked {
		if _, err := g.exec(ctx, "clean", "-fd"); err != nil {
			return err
		}
	}
	return nil
}

// exec runs a git command and returns stdout. A non-zero exit becomes an error
// carrying git's stderr.
func (g *Git) exec(ctx context.Context, args ...string) (string, error) {
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	if g.Dir != "" {
		cmd.Dir = g.Dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return stdout.String(), nil
}
