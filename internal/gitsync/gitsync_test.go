package gitsync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
)

func initRepo(t *testing.T) (string, *Remote) {
	t.Helper()
	dir := t.TempDir()
	if _, err := gogit.PlainInit(dir, false); err != nil {
		t.Fatalf("init repo: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "data"), 0o755); err != nil {
		t.Fatal(err)
	}

	r, err := Open(Config{RepoPath: filepath.Join(dir, "data"), AuthorName: "planner", AuthorEmail: "planner@example.com"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return dir, r
}

func headMessage(t *testing.T, dir string) string {
	t.Helper()
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		t.Fatal(err)
	}
	ref, err := repo.Head()
	if err != nil {
		t.Fatal(err)
	}
	c, err := repo.CommitObject(ref.Hash())
	if err != nil {
		t.Fatal(err)
	}
	return c.Message
}

func Test_Remote_AddAndCommit(t *testing.T) {
	dir, r := initRepo(t)
	path := filepath.Join(dir, "data", "data_planning_dev.csv")
	if err := os.WriteFile(path, []byte("Datum,Alice\n2024-06-03,Office\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.Add(path); err != nil {
		t.Fatalf("add: %v", err)
	}
	ts := time.Date(2024, 6, 3, 12, 0, 0, 0, time.UTC)
	committed, err := r.Commit("weekplan: update data/data_planning_dev.csv", ts)
	if err != nil || !committed {
		t.Fatalf("commit: %v (committed=%v)", err, committed)
	}

	if msg := headMessage(t, dir); !strings.HasPrefix(msg, "weekplan: update data/data_planning_dev.csv") {
		t.Errorf("unexpected head message %q", msg)
	}

	committed, err = r.Commit("nothing", ts)
	if err != nil || committed {
		t.Errorf("clean tree should not commit: %v %v", committed, err)
	}
}

func Test_Remote_AddOutsideRepository(t *testing.T) {
	_, r := initRepo(t)
	outside := filepath.Join(t.TempDir(), "x.csv")
	if err := os.WriteFile(outside, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Add(outside); err == nil {
		t.Error("adding a file outside the worktree should fail")
	}
}

func Test_Remote_PullWithoutRemoteFails(t *testing.T) {
	_, r := initRepo(t)
	if err := r.Pull(context.Background()); err == nil {
		t.Error("pull without an origin remote should fail")
	}
	if err := r.Push(context.Background()); err == nil {
		t.Error("push without an origin remote should fail")
	}
}

func Test_Open_RequiresRepository(t *testing.T) {
	if _, err := Open(Config{RepoPath: t.TempDir()}); err == nil {
		t.Error("opening a plain directory should fail")
	}
	if _, err := Open(Config{}); err == nil {
		t.Error("empty repo path should fail")
	}
}
