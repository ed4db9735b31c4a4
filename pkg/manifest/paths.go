package manifest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

var (
	ErrMixedPaths  = errors.New("manifest filepath columns mix absolute and relative paths")
	ErrOutsideRoot = errors.New("path is outside the staging directory")
)

// Form describes how the filepath cells of a manifest are expressed.
type Form int

const (
	// FormEmpty means there are no non-empty filepath cells.
	FormEmpty Form = iota
	FormAbsolute
	FormRelative
	FormMixed
)

func (f Form) String() string {
	switch f {
	case FormEmpty:
		return "empty"
	case FormAbsolute:
		return "absolute"
	case FormRelative:
		return "relative"
	case FormMixed:
		return "mixed"
	default:
		return fmt.Sprintf("Form(%d)", int(f))
	}
}

// Form inspects the given filepath columns. Empty cells are ignored.
func (m *Manifest) Form(filepathColumns []string) (Form, error) {
	var abs, rel bool
	err := m.eachPath(filepathColumns, func(_ int, _ string, p string) error {
		if filepath.IsAbs(p) {
			abs = true
		} else {
			rel = true
		}
		return nil
	})
	if err != nil {
		return FormEmpty, err
	}

	switch {
	case abs && rel:
		return FormMixed, nil
	case abs:
		return FormAbsolute, nil
	case rel:
		return FormRelative, nil
	default:
		return FormEmpty, nil
	}
}

// Validate returns ErrMixedPaths if the filepath columns mix path forms.
func (m *Manifest) Validate(filepathColumns []string) error {
	f, err := m.Form(filepathColumns)
	if err != nil {
		return err
	}
	if f == FormMixed {
		return ErrMixedPaths
	}
	return nil
}

// Abs2Rel returns a copy of m whose filepath cells are relative to root.
// Cells that are already relative are left unchanged.
func Abs2Rel(m *Manifest, filepathColumns []string, root string) (*Manifest, error) {
	root = filepath.Clean(root)
	out := m.Clone()
	err := out.eachPath(filepathColumns, func(i int, col, p string) error {
		if !filepath.IsAbs(p) {
			return nil
		}
		rel, err := filepath.Rel(root, filepath.Clean(p))
		if err != nil {
			return fmt.Errorf("relativizing %s: %w", p, err)
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, p, root)
		}
		return out.Set(i, col, filepath.ToSlash(rel))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Rel2Abs returns a copy of m whose filepath cells are absolute paths anchored
// at root. Cells that are already absolute are left unchanged.
func Rel2Abs(m *Manifest, filepathColumns []string, root string) (*Manifest, error) {
	root = filepath.Clean(root)
	out := m.Clone()
	err := out.eachPath(filepathColumns, func(i int, col, p string) error {
		if filepath.IsAbs(p) {
			return nil
		}
		return out.Set(i, col, filepath.Join(root, filepath.FromSlash(p)))
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (m *Manifest) eachPath(filepathColumns []string, fn func(i int, col, p string) error) error {
	for _, col := range filepathColumns {
		j, ok := m.index[col]
		if !ok {
			return fmt.Errorf("%w: %q", ErrUnknownColumn, col)
		}
		for i, row := range m.rows {
			if row[j] == "" {
				continue
			}
			if err := fn(i, col, row[j]); err != nil {
				return err
			}
		}
	}
	return nil
}
