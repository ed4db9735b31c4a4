// Package store models versioned data packages and the registries that hold
// them.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mohae/deepcopy"
)

var (
	// ErrKeyNotFound is returned when a logical key or prefix has no entries.
	ErrKeyNotFound = errors.New("logical key not found")
	// ErrInvalidKey is returned for logical keys that are empty, absolute or
	// escape the package root.
	ErrInvalidKey = errors.New("invalid logical key")
)

// Entry is one file of a package. PhysicalKey is the absolute path the
// content is read from.
type Entry struct {
	LogicalKey  string         `json:"logical_key"`
	PhysicalKey string         `json:"-"`
	Hash        string         `json:"hash"`
	Size        int64          `json:"size"`
	Meta        map[string]any `json:"meta,omitempty"`
}

// Package maps logical keys to file entries. The zero value is not usable;
// create packages with NewPackage or Registry.Browse.
type Package struct {
	entries map[string]Entry
	// parent is the top hash this package was browsed at, empty for new packages.
	parent string
}

// NewPackage returns an empty package with no parent revision.
func NewPackage() *Package {
	return &Package{entries: make(map[string]Entry)}
}

// Parent returns the top hash the package was browsed at.
func (p *Package) Parent() string {
	return p.parent
}

// Len returns the number of entries.
func (p *Package) Len() int {
	return len(p.entries)
}

// Set adds the local file at physicalPath under key, hashing its content.
func (p *Package) Set(key, physicalPath string, meta map[string]any) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(physicalPath)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", physicalPath, err)
	}
	hash, size, err := hashFile(abs)
	if err != nil {
		return err
	}
	p.entries[key] = Entry{
		LogicalKey:  key,
		PhysicalKey: abs,
		Hash:        hash,
		Size:        size,
		Meta:        cloneMeta(meta),
	}
	return nil
}

// SetEntry stores e under key, replacing any existing entry.
func (p *Package) SetEntry(key string, e Entry) error {
	key, err := cleanKey(key)
	if err != nil {
		return err
	}
	if !validHash(e.Hash) {
		return fmt.Errorf("setting %s: invalid content hash %q", key, e.Hash)
	}
	e.LogicalKey = key
	e.Meta = cloneMeta(e.Meta)
	p.entries[key] = e
	return nil
}

// Get returns the entry stored under key.
func (p *Package) Get(key string) (Entry, error) {
	e, ok := p.entries[strings.Trim(key, "/")]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return e, nil
}

// Has reports whether key is an entry or a directory prefix of one.
func (p *Package) Has(key string) bool {
	key = strings.Trim(key, "/")
	if _, ok := p.entries[key]; ok {
		return true
	}
	prefix := key + "/"
	for k := range p.entries {
		if strings.HasPrefix(k, prefix) {
			return true
		}
	}
	return false
}

// Sub returns a new package holding the entries under the directory prefix,
// with the prefix removed from their keys.
func (p *Package) Sub(prefix string) (*Package, error) {
	prefix = strings.Trim(prefix, "/") + "/"
	sub := NewPackage()
	for k, e := range p.entries {
		rest, ok := strings.CutPrefix(k, prefix)
		if !ok {
			continue
		}
		e.LogicalKey = rest
		e.Meta = cloneMeta(e.Meta)
		sub.entries[rest] = e
	}
	if len(sub.entries) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, strings.TrimSuffix(prefix, "/"))
	}
	return sub, nil
}

// Walk calls fn for every entry in logical key order, stopping at the first error.
func (p *Package) Walk(fn func(Entry) error) error {
	for _, k := range slices.Sorted(maps.Keys(p.entries)) {
		if err := fn(p.entries[k]); err != nil {
			return err
		}
	}
	return nil
}

// TopHash returns the content hash identifying this exact set of entries.
func (p *Package) TopHash() string {
	h := sha256.New()
	for _, k := range slices.Sorted(maps.Keys(p.entries)) {
		e := p.entries[k]
		meta, _ := json.Marshal(e.Meta)
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00%s\n", e.LogicalKey, e.Hash, e.Size, meta)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func cleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := path.Clean(filepath.ToSlash(key))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}

func cloneMeta(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	return deepcopy.Copy(meta).(map[string]any)
}

func hashFile(p string) (string, int64, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", 0, fmt.Errorf("opening %s: %w", p, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", 0, fmt.Errorf("stat %s: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return "", 0, fmt.Errorf("%s is not a regular file", p)
	}

	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, fmt.Errorf("hashing %s: %w", p, err)
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
