package step

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spachava753/datastep/internal/gitrepo"
	"github.com/spachava753/datastep/internal/names"
	"github.com/spachava753/datastep/internal/store"
)

const defaultBranch = "master"

// CheckoutOptions configures Checkout and Pull.
type CheckoutOptions struct {
	// DataVersion is the top hash to read. Empty means the latest revision.
	DataVersion string
	// Bucket overrides the configured registry.
	Bucket string
}

// Checkout fetches the data pushed for this step on the current branch into
// the staging directory, overwriting local files. If the branch has no data
// for the step, the data on master is used instead. A fetched manifest.csv
// becomes the step manifest.
func (s *Step) Checkout(ctx context.Context, opts CheckoutOptions) error {
	bucket := s.bucket(opts.Bucket)

	repo, err := gitrepo.Open(s.env.WorkDir)
	if err != nil {
		return err
	}
	branch, err := repo.Branch()
	if err != nil {
		return err
	}
	branch = names.NormalizeBranch(branch)

	reg, err := store.Open(bucket)
	if err != nil {
		return err
	}
	pkgName := s.packageName()
	project, err := reg.Browse(ctx, pkgName, opts.DataVersion)
	if errors.Is(err, store.ErrPackageNotFound) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err != nil {
		return fmt.Errorf("browsing %s: %w", pkgName, err)
	}

	key := branch + "/" + s.name
	if !project.Has(key) {
		fallback := defaultBranch + "/" + s.name
		slog.Info("no data for step on branch, using master", "step", s.name, "branch", branch)
		if !project.Has(fallback) {
			return fmt.Errorf("%w: neither %s nor %s exist in %s", ErrNotFound, key, fallback, pkgName)
		}
		key = fallback
	}

	sub, err := project.Sub(key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	if err := reg.Fetch(ctx, sub, s.stagingDir); err != nil {
		return fmt.Errorf("fetching %s: %w", key, err)
	}
	slog.Info("checked out step data", "step", s.name, "source", pkgName+"/"+key, "files", sub.Len(), "dest", s.stagingDir)

	if sub.Has(manifestFile) {
		return s.loadManifest()
	}
	return nil
}

// Pull checks out the data of every upstream step in order. Upstream steps
// are constructed with this step's environment and explicit config, and read
// from this step's bucket unless opts names another. The first failure stops
// the cascade.
func (s *Step) Pull(ctx context.Context, opts CheckoutOptions) error {
	opts.Bucket = s.bucket(opts.Bucket)

	for _, r := range s.upstream {
		upOpts := []Option{WithEnvironment(s.env)}
		if s.source != nil {
			upOpts = append(upOpts, WithConfig(s.source))
		}
		up, err := New(r, upOpts...)
		if err != nil {
			return fmt.Errorf("creating upstream step %s: %w", runnerName(r), err)
		}
		if err := up.Checkout(ctx, opts); err != nil {
			return fmt.Errorf("checking out upstream step %s: %w", up.Name(), err)
		}
	}
	return nil
}
