package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/spachava753/datastep/internal/gitrepo"
	"github.com/spachava753/datastep/internal/names"
	"github.com/spachava753/datastep/internal/readme"
	"github.com/spachava753/datastep/internal/store"
	"github.com/spachava753/datastep/pkg/manifest"
)

// PushOptions configures Push.
type PushOptions struct {
	// Bucket overrides the configured registry.
	Bucket string
}

// Push publishes the files in the manifest, the relativized manifest, both
// parameter records and a provenance README to the project package under
// {branch}/{step}. The git checkout must be clean and its HEAD pushed to
// origin. Push returns the top hash of the new package revision.
func (s *Step) Push(ctx context.Context, opts PushOptions) (string, error) {
	if s.manifest == nil {
		return "", fmt.Errorf("%w: %w: nothing to construct a package with", ErrPackaging, ErrNoManifest)
	}
	bucket := s.bucket(opts.Bucket)

	repo, err := gitrepo.Open(s.env.WorkDir)
	if err != nil {
		return "", err
	}
	branch, err := repo.Branch()
	if err != nil {
		return "", err
	}
	normalized := names.NormalizeBranch(branch)
	pkgName := s.packageName()
	target := fmt.Sprintf("%s/%s/%s", pkgName, normalized, s.name)

	commit, err := checkGitStatus(repo, target, branch)
	if err != nil {
		return "", err
	}
	remoteURL, err := repo.RemoteURL("origin")
	if err != nil {
		return "", err
	}

	stepPkg, relManifest, err := s.buildPackage()
	if err != nil {
		return "", err
	}

	tmp, err := os.MkdirTemp("", "datastep-push-*")
	if err != nil {
		return "", fmt.Errorf("creating temporary directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	mPath := filepath.Join(tmp, manifestFile)
	if err := relManifest.WriteFile(mPath); err != nil {
		return "", fmt.Errorf("writing relative manifest: %w", err)
	}
	if err := stepPkg.Set(manifestFile, mPath, nil); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPackaging, err)
	}
	for _, f := range []string{runParametersFile, initParametersFile} {
		if err := stepPkg.Set(f, filepath.Join(s.stagingDir, f), nil); err != nil {
			return "", fmt.Errorf("%w: %w", ErrPackaging, err)
		}
	}

	doc, err := readme.Render(readme.Provenance{
		PackageName: s.cfg.PackageName,
		StepName:    s.name,
		SourceURL:   gitrepo.HTTPSURL(remoteURL),
		BranchName:  branch,
		CommitHash:  commit,
		Creator:     s.currentUser(),
	})
	if err != nil {
		return "", err
	}
	readmePath := filepath.Join(tmp, "README.md")
	if err := os.WriteFile(readmePath, doc, 0644); err != nil {
		return "", fmt.Errorf("writing README: %w", err)
	}
	if err := stepPkg.Set("README.md", readmePath, nil); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPackaging, err)
	}

	reg, err := store.Open(bucket)
	if err != nil {
		return "", err
	}
	project, err := reg.Browse(ctx, pkgName, "")
	if errors.Is(err, store.ErrPackageNotFound) {
		slog.Debug("project package does not exist yet", "package", pkgName, "bucket", bucket)
		project = store.NewPackage()
	} else if err != nil {
		return "", fmt.Errorf("browsing %s: %w", pkgName, err)
	}

	prefix := normalized + "/" + s.name + "/"
	err = stepPkg.Walk(func(e store.Entry) error {
		return project.SetEntry(prefix+e.LogicalKey, e)
	})
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrPackaging, err)
	}

	msg := fmt.Sprintf("data created from code repo %s on branch %s at commit %s", remoteURL, branch, commit)
	topHash, err := reg.Push(ctx, pkgName, project, msg)
	if err != nil {
		return "", fmt.Errorf("pushing %s: %w", target, err)
	}

	slog.Info("pushed step data", "target", target, "bucket", bucket, "top_hash", topHash, "files", stepPkg.Len())
	return topHash, nil
}

// checkGitStatus returns the HEAD commit if the checkout is clean and HEAD is
// what origin has for branch.
func checkGitStatus(repo *gitrepo.Repository, target, branch string) (string, error) {
	changes, err := repo.Changes()
	if err != nil {
		return "", err
	}
	if len(changes) > 0 {
		return "", &InvalidGitStatusError{
			Target: target,
			Branch: branch,
			Reason: "the working tree is not clean",
			Files:  changes,
		}
	}

	head, err := repo.HeadCommit()
	if err != nil {
		return "", err
	}
	remote, ok, err := repo.RemoteBranchCommit("origin", branch)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", &InvalidGitStatusError{
			Target: target,
			Branch: branch,
			Reason: "the branch was not found on origin",
		}
	}
	if remote != head {
		return "", &InvalidGitStatusError{
			Target: target,
			Branch: branch,
			Reason: fmt.Sprintf("commit %s has not been pushed to origin/%s", head, branch),
		}
	}
	return head, nil
}

// buildPackage turns the manifest into a package keyed relative to the
// staging directory. Files outside it are keyed {column}/{base name}. The
// returned manifest has its filepath cells replaced by those keys.
func (s *Step) buildPackage() (*store.Package, *manifest.Manifest, error) {
	for _, col := range s.metadataColumns {
		if !s.manifest.HasColumn(col) {
			return nil, nil, fmt.Errorf("%w: %w: metadata column %q", ErrPackaging, manifest.ErrUnknownColumn, col)
		}
	}

	rel := s.manifest.Clone()
	pkg := store.NewPackage()
	sources := make(map[string]string)
	for i := range rel.Len() {
		var meta map[string]any
		if len(s.metadataColumns) > 0 {
			meta = make(map[string]any, len(s.metadataColumns))
			for _, col := range s.metadataColumns {
				meta[col], _ = rel.Value(i, col)
			}
		}

		for _, col := range s.filepathColumns {
			cell, err := rel.Value(i, col)
			if err != nil {
				return nil, nil, fmt.Errorf("%w: %w", ErrPackaging, err)
			}
			if cell == "" {
				continue
			}
			p := filepath.FromSlash(cell)
			if !filepath.IsAbs(p) {
				p = filepath.Join(s.stagingDir, p)
			}
			p = filepath.Clean(p)

			key := s.logicalKey(col, p)
			if prev, ok := sources[key]; ok && prev != p {
				return nil, nil, fmt.Errorf("%w: %s and %s both map to %s", ErrPackaging, prev, p, key)
			}
			sources[key] = p

			if err := pkg.Set(key, p, meta); err != nil {
				return nil, nil, fmt.Errorf("%w: row %d column %s: %w", ErrPackaging, i, col, err)
			}
			if err := rel.Set(i, col, key); err != nil {
				return nil, nil, err
			}
		}
	}
	return pkg, rel, nil
}

func (s *Step) logicalKey(col, p string) string {
	rel, err := filepath.Rel(s.stagingDir, p)
	if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(rel)
	}
	return col + "/" + filepath.Base(p)
}

func (s *Step) currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return s.env.Vars["USER"]
}

func (s *Step) bucket(override string) string {
	if override != "" {
		return override
	}
	return s.cfg.StorageBucket
}

func (s *Step) packageName() string {
	return s.cfg.PackageOwner + "/" + s.cfg.PackageName
}
