package rollback

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func gitCmd(t *testing.T, dir string, args ...string) {
	t.Helper()
	base := []string{"-c", "user.email=test@example.com", "-c", "user.name=test", "-c", "commit.gpgsign=false"}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGitRoundTrip(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()

	gitCmd(t, dir, "init", "-q")
	writeFile(t, filepath.Join(dir, "a.txt"), "one\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-q", "-m", "initial")

	g := &Git{Dir: dir, CleanUntracked: true}
	good, err := g.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	writeFile(t, filepath.Join(dir, "a.txt"), "two\n")
	writeFile(t, filepath.Join(dir, "new.txt"), "untracked\n")

	changed, err := g.ChangedFiles(ctx, good)
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}
	if len(changed) != 2 || changed[0] != "a.txt" || changed[1] != "new.txt" {
		t.Errorf("ChangedFiles: got %v", changed)
	}

	if err := g.Revert(ctx, good); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "a.txt"))
	if string(data) != "one\n" {
		t.Errorf("a.txt after revert: %q", data)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); !os.IsNotExist(err) {
		t.Error("untracked file survived a cleaning revert")
	}
}

func TestGitKeepsUntrackedWithoutClean(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	ctx := context.Background()
	dir := t.TempDir()

	gitCmd(t, dir, "init", "-q")
	writeFile(t, filepath.Join(dir, "a.txt"), "one\n")
	gitCmd(t, dir, "add", ".")
	gitCmd(t, dir, "commit", "-q", "-m", "initial")

	g := &Git{Dir: dir}
	good, err := g.Checkpoint(ctx)
	if err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	writeFile(t, filepath.Join(dir, "a.txt"), "two\n")
	writeFile(t, filepath.Join(dir, "new.txt"), "untracked\n")

	changed, err := g.ChangedFiles(ctx, good)
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}
	if len(changed) != 1 || changed[0] != "a.txt" {
		t.Errorf("ChangedFiles: got %v, want [a.txt]", changed)
	}
	if err := g.Revert(ctx, good); err != nil {
		t.Fatalf("Revert: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "new.txt")); err != nil {
		t.Errorf("untracked file removed without CleanUntracked: %v", err)
	}
}

func TestGitOutsideRepository(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	g := &Git{Dir: t.TempDir()}
	if _, err := g.Checkpoint(context.Background()); err == nil {
		t.Error("expected an error outside a repository")
	}
}
