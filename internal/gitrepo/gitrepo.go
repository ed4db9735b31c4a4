// Package gitrepo answers the read-only questions a step asks of the source
// checkout it runs from: which branch and commit, whether the tree is clean,
// and whether the commit has been pushed.
package gitrepo

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// ErrDetachedHead is returned when HEAD does not point at a branch.
var ErrDetachedHead = errors.New("HEAD is not on a branch")

// Repository wraps a local git checkout.
type Repository struct {
	repo *git.Repository
}

// Open opens the repository containing dir, searching parent directories.
func Open(dir string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening git repository at %s: %w", dir, err)
	}
	return &Repository{repo: repo}, nil
}

// Branch returns the short name of the checked out branch.
func (r *Repository) Branch() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	if !head.Name().IsBranch() {
		return "", ErrDetachedHead
	}
	return head.Name().Short(), nil
}

// HeadCommit returns the hex hash of the commit HEAD points at.
func (r *Repository) HeadCommit() (string, error) {
	head, err := r.repo.Head()
	if err != nil {
		return "", fmt.Errorf("reading HEAD: %w", err)
	}
	return head.Hash().String(), nil
}

// Changes returns every path that is modified (staged or not), deleted or
// untracked, sorted. Ignored files are not reported.
func (r *Repository) Changes() ([]string, error) {
	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading worktree status: %w", err)
	}

	var paths []string
	for path, fs := range status {
		if fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified {
			continue
		}
		paths = append(paths, path)
	}
	slices.Sort(paths)
	return paths, nil
}

// RemoteBranchCommit returns the commit the remote tracking branch points at.
// ok is false when the branch has never been pushed to that remote.
func (r *Repository) RemoteBranchCommit(remote, branch string) (hash string, ok bool, err error) {
	ref, err := r.repo.Reference(plumbing.NewRemoteReferenceName(remote, branch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading %s/%s: %w", remote, branch, err)
	}
	return ref.Hash().String(), true, nil
}

// RemoteURL returns the first configured URL of the named remote.
func (r *Repository) RemoteURL(remote string) (string, error) {
	rem, err := r.repo.Remote(remote)
	if err != nil {
		return "", fmt.Errorf("reading remote %s: %w", remote, err)
	}
	urls := rem.Config().URLs
	if len(urls) == 0 {
		return "", fmt.Errorf("remote %s has no URL", remote)
	}
	return urls[0], nil
}

// HTTPSURL turns a remote URL into a browsable https URL, rewriting ssh
// style remotes (git@host:org/repo.git -> https://host/org/repo).
func HTTPSURL(remoteURL string) string {
	if _, rest, ok := strings.Cut(remoteURL, "@"); ok {
		rest = strings.Replace(rest, ":", "/", 1)
		return "https://" + strings.TrimSuffix(rest, ".git")
	}
	return strings.TrimSuffix(remoteURL, ".git")
}
