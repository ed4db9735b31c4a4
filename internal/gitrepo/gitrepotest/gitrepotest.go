// Package gitrepotest builds throwaway git checkouts for tests.
package gitrepotest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// OriginURL is the remote URL every fixture is created with.
const OriginURL = "git@github.com:example/cell-project.git"

// Repo is a git checkout in a temporary directory.
type Repo struct {
	Dir  string
	Repo *git.Repository
}

// New initializes a repository in dir on branch with an origin remote and one
// commit containing a .gitignore that ignores local_staging/. The commit is
// not pushed; call Push for that.
func New(t testing.TB, dir, branch string) *Repo {
	t.Helper()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName(branch)},
	})
	if err != nil {
		t.Fatalf("initializing repository: %v", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{OriginURL}}); err != nil {
		t.Fatalf("creating origin remote: %v", err)
	}

	r := &Repo{Dir: dir, Repo: repo}
	r.Commit(t, map[string]string{".gitignore": "local_staging/\n"}, "initial commit")
	return r
}

// WriteFile writes a file relative to the checkout without staging it.
func (r *Repo) WriteFile(t testing.TB, name, content string) {
	t.Helper()
	p := filepath.Join(r.Dir, name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatalf("creating directory for %s: %v", name, err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
}

// Commit writes, stages and commits files and returns the commit hash.
func (r *Repo) Commit(t testing.TB, files map[string]string, msg string) string {
	t.Helper()
	wt, err := r.Repo.Worktree()
	if err != nil {
		t.Fatalf("opening worktree: %v", err)
	}
	for name, content := range files {
		r.WriteFile(t, name, content)
		if _, err := wt.Add(name); err != nil {
			t.Fatalf("staging %s: %v", name, err)
		}
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatalf("committing: %v", err)
	}
	return hash.String()
}

// Push points origin's tracking branch for the current branch at HEAD, which
// is what a successful git push leaves behind.
func (r *Repo) Push(t testing.TB) {
	t.Helper()
	head, err := r.Repo.Head()
	if err != nil {
		t.Fatalf("reading HEAD: %v", err)
	}
	ref := plumbing.NewHashReference(plumbing.NewRemoteReferenceName("origin", head.Name().Short()), head.Hash())
	if err := r.Repo.Storer.SetReference(ref); err != nil {
		t.Fatalf("setting remote reference: %v", err)
	}
}

// Checkout switches to branch, creating it from HEAD when create is set.
func (r *Repo) Checkout(t testing.TB, branch string, create bool) {
	t.Helper()
	wt, err := r.Repo.Worktree()
	if err != nil {
		t.Fatalf("opening worktree: %v", err)
	}
	if err := wt.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName(branch),
		Create: create,
		Keep:   true,
	}); err != nil {
		t.Fatalf("checking out %s: %v", branch, err)
	}
}
