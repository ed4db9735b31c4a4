package step_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spachava753/datastep/internal/store"
	"github.com/spachava753/datastep/pkg/config"
	"github.com/spachava753/datastep/pkg/manifest"
	"github.com/spachava753/datastep/pkg/step"
)

func TestPushWithoutManifest(t *testing.T) {
	// No git repository and an unreachable bucket: any I/O would fail differently.
	st, err := step.New(step.NopRunner{}, step.WithName("clean_cells"),
		step.WithEnvironment(config.Environment{WorkDir: t.TempDir()}))
	require.NoError(t, err)

	_, err = st.Push(context.Background(), step.PushOptions{Bucket: "s3://unreachable"})
	assert.ErrorIs(t, err, step.ErrPackaging)
	assert.ErrorIs(t, err, step.ErrNoManifest)
}

func TestPushRejectsDirtyTree(t *testing.T) {
	p := newProject(t, "main")
	p.git.Commit(t, map[string]string{"code.py": "print(1)\n"}, "add code")
	p.git.Push(t)

	st := p.newStep(t, cleanCells{})
	_, err := st.Run(context.Background(), step.RunParams{})
	require.NoError(t, err)

	p.git.WriteFile(t, "code.py", "print(2)\n")
	p.git.WriteFile(t, "notes.txt", "todo\n")

	_, err = st.Push(context.Background(), step.PushOptions{})
	require.ErrorIs(t, err, step.ErrInvalidGitStatus)

	var gitErr *step.InvalidGitStatusError
	require.True(t, errors.As(err, &gitErr))
	assert.Equal(t, []string{"code.py", "notes.txt"}, gitErr.Files)
	assert.Equal(t, "main", gitErr.Branch)
	assert.Equal(t, "lab/cells/main/clean_cells", gitErr.Target)
	assert.Contains(t, err.Error(), "code.py, notes.txt")

	reg, err := store.NewLocalRegistry(p.registry)
	require.NoError(t, err)
	_, err = reg.Browse(context.Background(), "lab/cells", "")
	assert.ErrorIs(t, err, store.ErrPackageNotFound, "nothing is pushed")
}

func TestPushRejectsUnpushedState(t *testing.T) {
	t.Run("commit not on origin", func(t *testing.T) {
		p := newProject(t, "main")
		p.git.Commit(t, map[string]string{"code.py": "print(1)\n"}, "add code")

		st := p.newStep(t, cleanCells{})
		_, err := st.Run(context.Background(), step.RunParams{})
		require.NoError(t, err)

		_, err = st.Push(context.Background(), step.PushOptions{})
		var gitErr *step.InvalidGitStatusError
		require.True(t, errors.As(err, &gitErr))
		assert.Contains(t, gitErr.Reason, "has not been pushed to origin/main")
		assert.Empty(t, gitErr.Files)
	})

	t.Run("branch not on origin", func(t *testing.T) {
		p := newProject(t, "main")
		p.git.Checkout(t, "feature/x", true)

		st := p.newStep(t, cleanCells{})
		_, err := st.Run(context.Background(), step.RunParams{})
		require.NoError(t, err)

		_, err = st.Push(context.Background(), step.PushOptions{})
		var gitErr *step.InvalidGitStatusError
		require.True(t, errors.As(err, &gitErr))
		assert.Contains(t, gitErr.Reason, "not found on origin")
		assert.Equal(t, "lab/cells/feature.x/clean_cells", gitErr.Target)
	})
}

func TestPushAndCheckout(t *testing.T) {
	ctx := context.Background()
	p := newProject(t, "main")

	st := p.newStep(t, cleanCells{}, step.WithMetadataColumns("cell_id"))
	m, err := st.Run(ctx, step.RunParams{})
	require.NoError(t, err)

	topHash, err := st.Push(ctx, step.PushOptions{})
	require.NoError(t, err)
	assert.Len(t, topHash, 64)

	pkg := p.browse(t)
	assert.Equal(t, topHash, pkg.Parent())
	for _, key := range []string{
		"main/clean_cells/cells/cell_0.csv",
		"main/clean_cells/cells/cell_1.csv",
		"main/clean_cells/manifest.csv",
		"main/clean_cells/init_parameters.json",
		"main/clean_cells/run_parameters.json",
		"main/clean_cells/README.md",
	} {
		assert.True(t, pkg.Has(key), key)
	}

	e, err := pkg.Get("main/clean_cells/cells/cell_1.csv")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cell_id": "1"}, e.Meta)

	e, err = pkg.Get("main/clean_cells/manifest.csv")
	require.NoError(t, err)
	pushed, err := manifest.ReadFile(e.PhysicalKey)
	require.NoError(t, err)
	v, err := pushed.Value(0, "filepath")
	require.NoError(t, err)
	assert.Equal(t, "cells/cell_0.csv", v)

	e, err = pkg.Get("main/clean_cells/README.md")
	require.NoError(t, err)
	doc, err := os.ReadFile(e.PhysicalKey)
	require.NoError(t, err)
	assert.Contains(t, string(doc), "https://github.com/example/cell-project")
	assert.Contains(t, string(doc), "| Branch | main |")

	// Wipe the local copy and get it back from the registry.
	require.NoError(t, st.Clean())
	assert.NoFileExists(t, filepath.Join(st.StagingDir(), "cells", "cell_0.csv"))

	fresh := p.newStep(t, cleanCells{}, step.WithMetadataColumns("cell_id"))
	assert.Nil(t, fresh.Manifest())
	require.NoError(t, fresh.Checkout(ctx, step.CheckoutOptions{}))

	got, err := os.ReadFile(filepath.Join(fresh.StagingDir(), "cells", "cell_0.csv"))
	require.NoError(t, err)
	assert.Equal(t, "cell,0\n", string(got))
	require.NotNil(t, fresh.Manifest())
	assert.True(t, m.Equal(fresh.Manifest()), "checked out manifest has absolute paths")
}

func TestPushKeepsOtherSteps(t *testing.T) {
	ctx := context.Background()
	p := newProject(t, "main")

	raw := p.newStep(t, rawData{})
	_, err := raw.Run(ctx, step.RunParams{})
	require.NoError(t, err)
	first, err := raw.Push(ctx, step.PushOptions{})
	require.NoError(t, err)

	cells := p.newStep(t, cleanCells{})
	_, err = cells.Run(ctx, step.RunParams{})
	require.NoError(t, err)
	second, err := cells.Push(ctx, step.PushOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	pkg := p.browse(t)
	assert.True(t, pkg.Has("main/rawdata/raw.txt"))
	assert.True(t, pkg.Has("main/clean_cells/manifest.csv"))

	// The older revision stays reachable by its top hash.
	require.NoError(t, cells.Clean())
	err = cells.Checkout(ctx, step.CheckoutOptions{DataVersion: first})
	assert.ErrorIs(t, err, step.ErrNotFound)
}

func TestPushFeatureBranchIsNormalized(t *testing.T) {
	ctx := context.Background()
	p := newProject(t, "main")
	p.git.Checkout(t, "feature/x", true)
	p.git.Push(t)

	st := p.newStep(t, rawData{})
	_, err := st.Run(ctx, step.RunParams{})
	require.NoError(t, err)
	_, err = st.Push(ctx, step.PushOptions{})
	require.NoError(t, err)

	pkg := p.browse(t)
	assert.True(t, pkg.Has("feature.x/rawdata/raw.txt"))
	assert.False(t, pkg.Has("feature"))
}

func TestPushFileOutsideStagingDir(t *testing.T) {
	ctx := context.Background()
	p := newProject(t, "main")

	ext := filepath.Join(t.TempDir(), "external.csv")
	require.NoError(t, os.WriteFile(ext, []byte("ext"), 0644))
	m, err := manifest.New("filepath")
	require.NoError(t, err)
	require.NoError(t, m.Append(ext))

	st := p.newStep(t, fixedRunner{m: m}, step.WithName("external"))
	_, err = st.Run(ctx, step.RunParams{})
	require.NoError(t, err)
	_, err = st.Push(ctx, step.PushOptions{})
	require.NoError(t, err)

	pkg := p.browse(t)
	assert.True(t, pkg.Has("main/external/filepath/external.csv"))
}

func TestPushMissingFile(t *testing.T) {
	ctx := context.Background()
	p := newProject(t, "main")

	st := p.newStep(t, step.NopRunner{}, step.WithName("gone"))
	m, err := manifest.New("filepath")
	require.NoError(t, err)
	require.NoError(t, m.Append(filepath.Join(st.StagingDir(), "missing.csv")))
	require.NoError(t, st.SetManifest(m))
	_, err = st.Run(ctx, step.RunParams{})
	require.NoError(t, err)

	_, err = st.Push(ctx, step.PushOptions{})
	assert.ErrorIs(t, err, step.ErrPackaging)
}

func TestCheckoutFallsBackToMaster(t *testing.T) {
	ctx := context.Background()
	p := newProject(t, "master")

	st := p.newStep(t, cleanCells{})
	_, err := st.Run(ctx, step.RunParams{})
	require.NoError(t, err)
	_, err = st.Push(ctx, step.PushOptions{})
	require.NoError(t, err)
	require.NoError(t, st.Clean())

	p.git.Checkout(t, "feature/y", true)
	onBranch := p.newStep(t, cleanCells{})
	require.NoError(t, onBranch.Checkout(ctx, step.CheckoutOptions{}))
	assert.FileExists(t, filepath.Join(onBranch.StagingDir(), "cells", "cell_1.csv"))
	assert.NotNil(t, onBranch.Manifest())

	other := p.newStep(t, step.NopRunner{}, step.WithName("segment"))
	err = other.Checkout(ctx, step.CheckoutOptions{})
	assert.ErrorIs(t, err, step.ErrNotFound)
}

func TestCheckoutWithoutPackage(t *testing.T) {
	p := newProject(t, "main")
	st := p.newStep(t, cleanCells{})

	err := st.Checkout(context.Background(), step.CheckoutOptions{})
	assert.ErrorIs(t, err, step.ErrNotFound)
}

func TestPull(t *testing.T) {
	ctx := context.Background()
	p := newProject(t, "main")

	up := p.newStep(t, rawData{})
	_, err := up.Run(ctx, step.RunParams{})
	require.NoError(t, err)
	_, err = up.Push(ctx, step.PushOptions{})
	require.NoError(t, err)
	require.NoError(t, up.Clean())

	down := p.newStep(t, cleanCells{}, step.WithUpstream(rawData{}))
	require.NoError(t, down.Pull(ctx, step.CheckoutOptions{}))
	assert.FileExists(t, filepath.Join(up.StagingDir(), "raw.txt"))

	t.Run("first failure stops the cascade", func(t *testing.T) {
		require.NoError(t, up.Clean())

		down := p.newStep(t, cleanCells{}, step.WithUpstream(missingData{}, rawData{}))
		err := down.Pull(ctx, step.CheckoutOptions{})
		require.ErrorIs(t, err, step.ErrNotFound)
		assert.Contains(t, err.Error(), "missingdata")
		assert.NoFileExists(t, filepath.Join(up.StagingDir(), "raw.txt"))
	})
}

func TestPullUpstreamWithOtherColumns(t *testing.T) {
	ctx := context.Background()

	t.Run("declared by the runner", func(t *testing.T) {
		p := newProject(t, "main")
		up := p.newStep(t, labeledScans{})
		_, err := up.Run(ctx, step.RunParams{})
		require.NoError(t, err)
		_, err = up.Push(ctx, step.PushOptions{})
		require.NoError(t, err)
		require.NoError(t, up.Clean())

		down := p.newStep(t, cleanCells{}, step.WithUpstream(labeledScans{}))
		require.NoError(t, down.Pull(ctx, step.CheckoutOptions{}))
		assert.FileExists(t, filepath.Join(up.StagingDir(), "scan_0.png"))

		again := p.newStep(t, labeledScans{})
		require.NotNil(t, again.Manifest())
		v, err := again.Manifest().Value(0, "image_path")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(up.StagingDir(), "scan_0.png"), v)
	})

	t.Run("set by option", func(t *testing.T) {
		p := newProject(t, "main")
		up := p.newStep(t, scans{}, step.WithFilepathColumns("image_path"))
		_, err := up.Run(ctx, step.RunParams{})
		require.NoError(t, err)
		_, err = up.Push(ctx, step.PushOptions{})
		require.NoError(t, err)
		require.NoError(t, up.Clean())

		down := p.newStep(t, cleanCells{}, step.WithUpstream(scans{}))
		require.NoError(t, down.Pull(ctx, step.CheckoutOptions{}))
		assert.FileExists(t, filepath.Join(up.StagingDir(), "scan_0.png"))
		assert.FileExists(t, filepath.Join(up.StagingDir(), "manifest.csv"))
	})
}
