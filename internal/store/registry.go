package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	// ErrPackageNotFound is returned when a package or the requested revision
	// of it does not exist in the registry.
	ErrPackageNotFound = errors.New("package not found")
	// ErrConflict is returned by Push when the registry moved on since the
	// package was browsed.
	ErrConflict = errors.New("package was updated concurrently")
	// ErrUnsupportedScheme is returned by Open for URIs no opener handles.
	ErrUnsupportedScheme = errors.New("unsupported registry scheme")
)

// Registry stores named, versioned packages. Names have the form owner/name.
type Registry interface {
	// Browse returns the package at topHash, or the latest revision when
	// topHash is empty.
	Browse(ctx context.Context, name, topHash string) (*Package, error)
	// Push stores pkg as the new latest revision of name and returns its top hash.
	Push(ctx context.Context, name string, pkg *Package, message string) (string, error)
	// Fetch copies every entry of pkg into dest, keyed by logical key,
	// overwriting existing files.
	Fetch(ctx context.Context, pkg *Package, dest string) error
}

// Opener creates a Registry for a parsed registry URI.
type Opener func(uri *url.URL) (Registry, error)

var (
	openersMu sync.RWMutex
	openers   = map[string]Opener{
		"file": func(u *url.URL) (Registry, error) { return NewLocalRegistry(u.Path) },
	}
)

// RegisterScheme makes Open dispatch URIs with scheme to open.
func RegisterScheme(scheme string, open Opener) {
	openersMu.Lock()
	defer openersMu.Unlock()
	openers[strings.ToLower(scheme)] = open
}

// Open returns the registry addressed by uri. Bare paths and file:// URIs open
// a LocalRegistry.
func Open(uri string) (Registry, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("parsing registry URI %q: %w", uri, err)
	}
	if u.Scheme == "" {
		return NewLocalRegistry(uri)
	}

	openersMu.RLock()
	open, ok := openers[strings.ToLower(u.Scheme)]
	openersMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s (use a file:// bucket or register an opener with store.RegisterScheme)", ErrUnsupportedScheme, uri)
	}
	return open(u)
}

// splitName validates a package name of the form owner/name.
func splitName(name string) (owner, pkg string, err error) {
	owner, pkg, ok := strings.Cut(name, "/")
	if !ok || owner == "" || pkg == "" || strings.Contains(pkg, "/") ||
		owner == "." || owner == ".." || pkg == "." || pkg == ".." {
		return "", "", fmt.Errorf("invalid package name %q: want owner/name", name)
	}
	return owner, pkg, nil
}
