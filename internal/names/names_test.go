package names_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/spachava753/datastep/internal/names"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"clean_cells", "clean_cells"},
		{"Clean Cells", "clean_cells"},
		{"CleanCells", "cleancells"},
		{"my-project", "my_project"},
		{"  Raw Data!! ", "raw_data"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, names.Sanitize(tt.in))
		})
	}
}

func TestNormalizeBranch(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"master", "master"},
		{"feature/x", "feature.x"},
		{"user/feature/deep", "user.feature.deep"},
		{"already.normal", "already.normal"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := names.NormalizeBranch(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got, names.NormalizeBranch(got), "normalizing twice must not change the result")
		})
	}

	// "a/b" and "a.b" collide; callers accept this.
	assert.Equal(t, names.NormalizeBranch("a/b"), names.NormalizeBranch("a.b"))
}
