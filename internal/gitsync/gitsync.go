// Package gitsync pushes schedule files to a git remote with go-git.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	appLog "weekplan/internal/log"
)

// Config is everything the remote needs; nothing is read from the
// environment here.
type Config struct {
	// RepoPath is the working tree that contains the dataset files.
	RepoPath    string
	Remote      string
	Branch      string
	AuthorName  string
	AuthorEmail string
	Username    string
	Token       string
}

// Remote implements the pull/add/commit/push hook over a local clone.
type Remote struct {
	cfg  Config
	repo *gogit.Repository
}

// Open opens the repository at cfg.RepoPath (or any parent of it).
func Open(cfg Config) (*Remote, error) {
	if cfg.RepoPath == "" {
		return nil, errors.New("gitsync: repo path is empty")
	}
	if cfg.Remote == "" {
		cfg.Remote = "origin"
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.AuthorName == "" {
		cfg.AuthorName = "weekplan"
	}

	repo, err := gogit.PlainOpenWithOptions(cfg.RepoPath, &gogit.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("gitsync: open %s: %w", cfg.RepoPath, err)
	}
	return &Remote{cfg: cfg, repo: repo}, nil
}

func (r *Remote) auth() transport.AuthMethod {
	if r.cfg.Token == "" {
		return nil
	}
	user := r.cfg.Username
	if user == "" {
		// GitHub ignores the user name for token auth but requires one.
		user = "weekplan"
	}
	return &githttp.BasicAuth{Username: user, Password: r.cfg.Token}
}

func (r *Remote) branchRef() plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(r.cfg.Branch)
}

// Pull fetches and merges the configured branch. Being up to date is not an
// error.
func (r *Remote) Pull(ctx context.Context) error {
	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	err = w.PullContext(ctx, &gogit.PullOptions{
		RemoteName:    r.cfg.Remote,
		ReferenceName: r.branchRef(),
		SingleBranch:  true,
		Auth:          r.auth(),
	})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}

// Add stages path, which may be absolute or relative to the working tree.
func (r *Remote) Add(path string) error {
	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("worktree: %w", err)
	}

	rel, err := r.relative(w.Filesystem.Root(), path)
	if err != nil {
		return err
	}
	if _, err := w.Add(rel); err != nil {
		return fmt.Errorf("stage %s: %w", rel, err)
	}
	return nil
}

func (r *Remote) relative(root, path string) (string, error) {
	if !filepath.IsAbs(path) {
		abs, err := filepath.Abs(path)
		if err != nil {
			return "", err
		}
		path = abs
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(rootAbs, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the repository %s", path, rootAbs)
	}
	// relative to git, not the fs root
	return filepath.ToSlash(rel), nil
}

// Commit records the staged changes. An empty commit is skipped silently and
// reported through the returned bool.
func (r *Remote) Commit(message string, ts time.Time) (bool, error) {
	w, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("worktree: %w", err)
	}

	status, err := w.Status()
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	if status.IsClean() {
		return false, nil
	}

	hash, err := w.Commit(message, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  r.cfg.AuthorName,
			Email: r.cfg.AuthorEmail,
			When:  ts,
		},
	})
	if err != nil {
		if errors.Is(err, gogit.ErrEmptyCommit) {
			return false, nil
		}
		return false, err
	}
	appLog.Info("git commit created", "hash", hash.String(), "message", message)
	return true, nil
}

// Push pushes the configured branch. Being up to date is not an error.
func (r *Remote) Push(ctx context.Context) error {
	err := r.repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName: r.cfg.Remote,
		Auth:       r.auth(),
	})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	return err
}
