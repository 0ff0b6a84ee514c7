// Package vcs detects the project and branch a file belongs to.
//
// Detectors are pluggable: Workspace maps files under configured roots to a
// project name, Git walks up to the enclosing repository and reads HEAD.
// Chain combines detectors, taking the first answer.
package vcs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound means a detector has no answer for the file.
var ErrNotFound = errors.New("not found")

// ProjectDetector returns the project name for a file.
type ProjectDetector interface {
	Project(ctx context.Context, path string) (string, error)
}

// BranchDetector returns the current branch for a file.
type BranchDetector interface {
	Branch(ctx context.Context, path string) (string, error)
}

// Workspace names projects after the workspace root that contains the file.
type Workspace struct {
	roots []string
}

// NewWorkspace creates a detector for the given roots. Nested roots resolve
// to the deepest match.
func NewWorkspace(roots ...string) *Workspace {
	w := &Workspace{}
	for _, r := range roots {
		if abs, err := filepath.Abs(r); err == nil {
			w.roots = append(w.roots, filepath.Clean(abs))
		}
	}
	return w
}

// Project returns the base name of the deepest root containing path.
func (w *Workspace) Project(_ context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	best := ""
	for _, root := range w.roots {
		if within(root, abs) && len(root) > len(best) {
			best = root
		}
	}
	if best == "" {
		return "", ErrNotFound
	}
	return filepath.Base(best), nil
}

func within(root, path string) bool {
	if path == root {
		return true
	}
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Git reads repository state directly from the .git directory.
type Git struct{}

// NewGit creates a git detector.
func NewGit() *Git {
	return &Git{}
}

// Root returns the working tree root containing path.
func (g *Git) Root(ctx context.Context, path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = filepath.Dir(dir)
	}
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrNotFound
		}
		dir = parent
	}
}

// Project returns the repository directory name.
func (g *Git) Project(ctx context.Context, path string) (string, error) {
	root, err := g.Root(ctx, path)
	if err != nil {
		return "", err
	}
	return filepath.Base(root), nil
}

// Branch returns the checked out branch. A detached HEAD has no branch.
func (g *Git) Branch(ctx context.Context, path string) (string, error) {
	root, err := g.Root(ctx, path)
	if err != nil {
		return "", err
	}
	gitDir, err := resolveGitDir(filepath.Join(root, ".git"))
	if err != nil {
		return "", err
	}
	head, err := os.ReadFile(filepath.Join(gitDir, "HEAD"))
	if err != nil {
		return "", err
	}
	ref := strings.TrimSpace(string(head))
	if !strings.HasPrefix(ref, "ref:") {
		return "", ErrNotFound
	}
	ref = strings.TrimSpace(strings.TrimPrefix(ref, "ref:"))
	return strings.TrimPrefix(ref, "refs/heads/"), nil
}

// resolveGitDir follows the "gitdir:" file used by worktrees and submodules.
func resolveGitDir(dotGit string) (string, error) {
	info, err := os.Stat(dotGit)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return dotGit, nil
	}
	data, err := os.ReadFile(dotGit)
	if err != nil {
		return "", err
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if target, ok := strings.CutPrefix(line, "gitdir:"); ok {
			target = strings.TrimSpace(target)
			if !filepath.IsAbs(target) {
				target = filepath.Join(filepath.Dir(dotGit), target)
			}
			return filepath.Clean(target), nil
		}
	}
	return "", ErrNotFound
}

// Chain asks each detector in turn and returns the first answer.
type Chain struct {
	projects []ProjectDetector
	branches []BranchDetector
}

// NewChain builds a chain from detectors implementing either interface.
func NewChain(detectors ...interface{}) *Chain {
	c := &Chain{}
	for _, d := range detectors {
		if p, ok := d.(ProjectDetector); ok {
			c.projects = append(c.projects, p)
		}
		if b, ok := d.(BranchDetector); ok {
			c.branches = append(c.branches, b)
		}
	}
	return c
}

func (c *Chain) Project(ctx context.Context, path string) (string, error) {
	var errs []error
	for _, p := range c.projects {
		name, err := p.Project(ctx, path)
		if err == nil && name != "" {
			return name, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", ErrNotFound
}

func (c *Chain) Branch(ctx context.Context, path string) (string, error) {
	var errs []error
	for _, b := range c.branches {
		name, err := b.Branch(ctx, path)
		if err == nil && name != "" {
			return name, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", ErrNotFound
}
