package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/otiai10/copy"
	"golang.org/x/sync/errgroup"
)

const (
	maxParallelCopies = 8
	lockRetryDelay    = 50 * time.Millisecond
)

// LocalRegistry keeps packages in a directory on a local or shared filesystem.
//
// Layout:
//
//	objects/{hash[:2]}/{hash}              file content, addressed by sha256
//	packages/{owner}/{name}/{tophash}.json one file per revision
//	packages/{owner}/{name}/latest         top hash of the newest revision
type LocalRegistry struct {
	root string
}

// NewLocalRegistry opens the registry rooted at root, creating it if needed.
func NewLocalRegistry(root string) (*LocalRegistry, error) {
	if root == "" {
		return nil, fmt.Errorf("local registry root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving registry root %s: %w", root, err)
	}
	for _, d := range []string{"objects", "packages"} {
		if err := os.MkdirAll(filepath.Join(abs, d), 0755); err != nil {
			return nil, fmt.Errorf("creating registry directory: %w", err)
		}
	}
	slog.Debug("opened local registry", "root", abs)
	return &LocalRegistry{root: abs}, nil
}

// Root returns the absolute registry directory.
func (r *LocalRegistry) Root() string {
	return r.root
}

type revision struct {
	Message string    `json:"message"`
	Parent  string    `json:"parent,omitempty"`
	Created time.Time `json:"created"`
	Entries []Entry   `json:"entries"`
}

// Browse implements Registry.
func (r *LocalRegistry) Browse(ctx context.Context, name, topHash string) (*Package, error) {
	owner, pkgName, err := splitName(name)
	if err != nil {
		return nil, err
	}
	dir := r.packageDir(owner, pkgName)

	if topHash == "" {
		topHash, err = readLatest(dir)
		if err != nil {
			return nil, err
		}
		if topHash == "" {
			return nil, fmt.Errorf("%w: %s", ErrPackageNotFound, name)
		}
	}
	if !validHash(topHash) {
		return nil, fmt.Errorf("%w: %s@%s", ErrPackageNotFound, name, topHash)
	}

	data, err := os.ReadFile(filepath.Join(dir, topHash+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s@%s", ErrPackageNotFound, name, topHash)
	}
	if err != nil {
		return nil, fmt.Errorf("reading revision %s@%s: %w", name, topHash, err)
	}

	var rev revision
	if err := json.Unmarshal(data, &rev); err != nil {
		return nil, fmt.Errorf("parsing revision %s@%s: %w", name, topHash, err)
	}

	pkg := NewPackage()
	pkg.parent = topHash
	for _, e := range rev.Entries {
		if !validHash(e.Hash) {
			return nil, fmt.Errorf("parsing revision %s@%s: entry %s has invalid hash", name, topHash, e.LogicalKey)
		}
		e.PhysicalKey = r.objectPath(e.Hash)
		pkg.entries[e.LogicalKey] = e
	}

	slog.Debug("browsed package", "name", name, "top_hash", topHash, "entries", pkg.Len())
	return pkg, nil
}

// Push implements Registry. The push is rejected with ErrConflict unless the
// latest revision is still the one pkg was browsed at.
func (r *LocalRegistry) Push(ctx context.Context, name string, pkg *Package, message string) (string, error) {
	owner, pkgName, err := splitName(name)
	if err != nil {
		return "", err
	}
	dir := r.packageDir(owner, pkgName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating package directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return "", fmt.Errorf("locking %s: %w", name, err)
	}
	if !locked {
		return "", fmt.Errorf("locking %s: lock not acquired", name)
	}
	defer lock.Unlock()

	latest, err := readLatest(dir)
	if err != nil {
		return "", err
	}
	if latest != pkg.parent {
		return "", fmt.Errorf("%w: %s is at %q, package was browsed at %q", ErrConflict, name, latest, pkg.parent)
	}

	if err := r.upload(ctx, pkg); err != nil {
		return "", err
	}

	topHash := pkg.TopHash()
	rev := revision{
		Message: message,
		Parent:  latest,
		Created: time.Now().UTC(),
		Entries: make([]Entry, 0, pkg.Len()),
	}
	_ = pkg.Walk(func(e Entry) error {
		rev.Entries = append(rev.Entries, e)
		return nil
	})

	data, err := json.MarshalIndent(rev, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling revision: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, topHash+".json"), data); err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, "latest"), []byte(topHash+"\n")); err != nil {
		return "", err
	}
	pkg.parent = topHash

	slog.Debug("pushed package", "name", name, "top_hash", topHash, "parent", latest, "entries", pkg.Len())
	return topHash, nil
}

// Fetch implements Registry.
func (r *LocalRegistry) Fetch(ctx context.Context, pkg *Package, dest string) error {
	return copyEntries(ctx, pkg, func(e Entry) string {
		return filepath.Join(dest, filepath.FromSlash(e.LogicalKey))
	}, true)
}

func (r *LocalRegistry) upload(ctx context.Context, pkg *Package) error {
	return copyEntries(ctx, pkg, func(e Entry) string {
		return r.objectPath(e.Hash)
	}, false)
}

// copyEntries copies every entry's physical file to target(e) in parallel.
// Without overwrite, existing targets are left alone; they hold the same
// content because objects are addressed by hash.
func copyEntries(ctx context.Context, pkg *Package, target func(Entry) string, overwrite bool) error {
	var entries []Entry
	_ = pkg.Walk(func(e Entry) error {
		entries = append(entries, e)
		return nil
	})

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelCopies)
	for _, e := range entries {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dst := target(e)
			if !overwrite {
				if _, err := os.Stat(dst); err == nil {
					return nil
				}
			}
			if e.PhysicalKey == "" {
				return fmt.Errorf("copying %s: entry has no physical key", e.LogicalKey)
			}

			tmp := dst + ".tmp-" + uuid.NewString()
			if err := copy.Copy(e.PhysicalKey, tmp); err != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("copying %s: %w", e.LogicalKey, err)
			}
			if err := os.Rename(tmp, dst); err != nil {
				_ = os.Remove(tmp)
				return fmt.Errorf("copying %s: %w", e.LogicalKey, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (r *LocalRegistry) objectPath(hash string) string {
	return filepath.Join(r.root, "objects", hash[:2], hash)
}

func (r *LocalRegistry) packageDir(owner, name string) string {
	return filepath.Join(r.root, "packages", owner, name)
}

func readLatest(dir string) (string, error) {
	data, err := os.ReadFile(filepath.Join(dir, "latest"))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading latest revision: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

func validHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	_, err := hex.DecodeString(h)
	return err == nil
}

func writeFileAtomic(p string, data []byte) error {
	tmp := p + ".tmp-" + uuid.NewString()
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", p, err)
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", p, err)
	}
	return nil
}
