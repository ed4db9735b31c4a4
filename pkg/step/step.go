// Package step wraps one unit of data-processing work of a larger workflow.
//
// A Step owns a staging directory where its Runner writes outputs and where
// the parameters of every construction and run are recorded. The files a run
// produced are tracked in a manifest. Push publishes them to a package
// registry under {branch}/{step} of the project package, tied to the git
// commit that produced them; Checkout and Pull bring them back.
package step

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"

	"github.com/spachava753/datastep/internal/names"
	"github.com/spachava753/datastep/internal/version"
	"github.com/spachava753/datastep/pkg/config"
	"github.com/spachava753/datastep/pkg/manifest"
)

const (
	initParametersFile = "init_parameters.json"
	runParametersFile  = "run_parameters.json"
	manifestFile       = "manifest.csv"
)

// Runner does the work of a step. Run writes its outputs below
// st.StagingDir() and returns a manifest listing them, or nil if it produced
// nothing to track.
type Runner interface {
	Run(ctx context.Context, st *Step, params RunParams) (*manifest.Manifest, error)
}

// Namer can be implemented by a Runner to choose the default step name.
type Namer interface {
	StepName() string
}

// Columner can be implemented by a Runner to declare the manifest columns
// its step uses when the options of New do not set them. Pull relies on it to
// rebuild upstream steps with the columns they were pushed with.
type Columner interface {
	FilepathColumns() []string
	MetadataColumns() []string
}

// NopRunner produces nothing. It is useful for operating on the staged or
// pushed data of a step without running it.
type NopRunner struct{}

func (NopRunner) Run(context.Context, *Step, RunParams) (*manifest.Manifest, error) {
	return nil, nil
}

// Option configures New.
type Option func(*options)

type options struct {
	name            string
	filepathColumns []string
	metadataColumns []string
	filepathSet     bool
	metadataSet     bool
	upstream        []Runner
	source          config.Source
	env             *config.Environment
	skipInitRecord  bool
}

// WithName sets the step name. It is sanitized to lowercase letters, digits
// and underscores.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithFilepathColumns names the manifest columns that hold file paths.
// Defaults to the runner's Columner columns, or "filepath".
func WithFilepathColumns(cols ...string) Option {
	return func(o *options) {
		o.filepathColumns = cols
		o.filepathSet = true
	}
}

// WithMetadataColumns names the manifest columns attached to each file as
// metadata when pushing.
func WithMetadataColumns(cols ...string) Option {
	return func(o *options) {
		o.metadataColumns = cols
		o.metadataSet = true
	}
}

// WithUpstream declares the steps whose data this step consumes. Pull checks
// them out in order.
func WithUpstream(runners ...Runner) Option {
	return func(o *options) { o.upstream = append(o.upstream, runners...) }
}

// WithConfig uses src instead of discovering the workflow config.
func WithConfig(src config.Source) Option {
	return func(o *options) { o.source = src }
}

// WithEnvironment replaces the process environment and working directory used
// for config discovery and git queries.
func WithEnvironment(env config.Environment) Option {
	return func(o *options) { o.env = &env }
}

// WithoutInitRecord leaves an existing init_parameters.json untouched. Columns
// not set by options are taken from it instead, so a step built only to push
// or check out staged data keeps the record of the run that produced it.
func WithoutInitRecord() Option {
	return func(o *options) { o.skipInitRecord = true }
}

// Step is a configured unit of work bound to its staging directory.
type Step struct {
	runner          Runner
	name            string
	filepathColumns []string
	metadataColumns []string
	upstream        []Runner

	source config.Source
	env    config.Environment
	cfg    *config.Config

	stagingDir     string
	manifest       *manifest.Manifest
	skipInitRecord bool
}

type initParameters struct {
	StepName            string         `json:"step_name"`
	FilepathColumns     []string       `json:"filepath_columns"`
	MetadataColumns     []string       `json:"metadata_columns"`
	DirectUpstreamTasks []string       `json:"direct_upstream_tasks"`
	Config              *config.Config `json:"config"`
	Version             string         `json:"__version__"`
}

// New resolves the configuration for a step, creates its staging directory,
// records init_parameters.json (unless WithoutInitRecord is given) and loads
// the manifest a previous run left behind.
func New(runner Runner, opts ...Option) (*Step, error) {
	if runner == nil {
		return nil, fmt.Errorf("creating step: runner must not be nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	s := &Step{
		runner:          runner,
		filepathColumns: []string{"filepath"},
		upstream:        slices.Clone(o.upstream),
		source:          o.source,
		skipInitRecord:  o.skipInitRecord,
	}
	if c, ok := runner.(Columner); ok {
		s.filepathColumns = slices.Clone(c.FilepathColumns())
		s.metadataColumns = slices.Clone(c.MetadataColumns())
	}
	if o.name != "" {
		s.name = names.Sanitize(o.name)
	} else {
		s.name = runnerName(runner)
	}
	if s.name == "" {
		return nil, fmt.Errorf("creating step: could not derive a name from %q", o.name)
	}

	if o.env != nil {
		s.env = *o.env
	} else {
		env, err := config.CurrentEnvironment()
		if err != nil {
			return nil, err
		}
		s.env = env
	}
	if s.env.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		s.env.WorkDir = wd
	}

	cfg, err := config.Resolve(s.source, s.name, s.env)
	if err != nil {
		return nil, fmt.Errorf("resolving config for step %s: %w", s.name, err)
	}
	s.cfg = cfg
	s.stagingDir = cfg.StepStagingDir(s.name)

	if s.skipInitRecord {
		if err := s.readInitColumns(); err != nil {
			return nil, err
		}
	}
	if o.filepathSet {
		s.filepathColumns = slices.Clone(o.filepathColumns)
	}
	if o.metadataSet {
		s.metadataColumns = slices.Clone(o.metadataColumns)
	}

	if !s.skipInitRecord {
		if err := s.writeInitParameters(); err != nil {
			return nil, err
		}
	}
	if err := s.loadManifest(); err != nil {
		return nil, err
	}

	slog.Info("step will use staging directory", "step", s.name, "dir", s.stagingDir)
	return s, nil
}

// runnerName is the lowercased type name of r, or its StepName.
func runnerName(r Runner) string {
	if n, ok := r.(Namer); ok {
		return names.Sanitize(n.StepName())
	}
	t := reflect.TypeOf(r)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.ToLower(t.Name())
}

func (s *Step) writeInitParameters() error {
	upstream := make([]string, 0, len(s.upstream))
	for _, r := range s.upstream {
		upstream = append(upstream, runnerName(r))
	}
	params := initParameters{
		StepName:            s.name,
		FilepathColumns:     s.filepathColumns,
		MetadataColumns:     s.metadataColumns,
		DirectUpstreamTasks: upstream,
		Config:              s.cfg,
		Version:             version.Get(),
	}
	if params.MetadataColumns == nil {
		params.MetadataColumns = []string{}
	}
	return writeJSON(filepath.Join(s.stagingDir, initParametersFile), params)
}

// readInitColumns takes the manifest columns from an existing
// init_parameters.json.
func (s *Step) readInitColumns() error {
	p := filepath.Join(s.stagingDir, initParametersFile)
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("no init parameters recorded", "step", s.name, "path", p)
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading init parameters: %w", err)
	}
	var rec struct {
		FilepathColumns []string `json:"filepath_columns"`
		MetadataColumns []string `json:"metadata_columns"`
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("decoding %s: %w", p, err)
	}
	if rec.FilepathColumns != nil {
		s.filepathColumns = rec.FilepathColumns
	}
	if rec.MetadataColumns != nil {
		s.metadataColumns = rec.MetadataColumns
	}
	return nil
}

func (s *Step) loadManifest() error {
	p := filepath.Join(s.stagingDir, manifestFile)
	m, err := manifest.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Debug("no previous manifest found", "step", s.name, "path", p)
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading previous manifest: %w", err)
	}
	abs, err := manifest.Rel2Abs(m, s.filepathColumns, s.stagingDir)
	if err != nil {
		// Kept as read; the columns it was written with are not the ones
		// this step was built with.
		slog.Debug("previous manifest does not match filepath columns", "step", s.name, "path", p, "columns", s.filepathColumns, "err", err)
		s.manifest = m
		return nil
	}
	s.manifest = abs
	slog.Debug("read previously produced manifest", "step", s.name, "path", p, "rows", abs.Len())
	return nil
}

// Name returns the sanitized step name.
func (s *Step) Name() string { return s.name }

// StagingDir returns the absolute directory the step stages its outputs in.
func (s *Step) StagingDir() string { return s.stagingDir }

// Config returns a copy of the resolved workflow configuration.
func (s *Step) Config() *config.Config { return s.cfg.Clone() }

// FilepathColumns returns the manifest columns that hold file paths.
func (s *Step) FilepathColumns() []string { return slices.Clone(s.filepathColumns) }

// MetadataColumns returns the manifest columns pushed as file metadata.
func (s *Step) MetadataColumns() []string { return slices.Clone(s.metadataColumns) }

// Manifest returns a copy of the current manifest, or nil if there is none.
func (s *Step) Manifest() *manifest.Manifest {
	if s.manifest == nil {
		return nil
	}
	return s.manifest.Clone()
}

// SetManifest replaces the step manifest. The filepath columns must exist and
// must not mix absolute and relative paths.
func (s *Step) SetManifest(m *manifest.Manifest) error {
	if m == nil {
		s.manifest = nil
		return nil
	}
	if err := m.Validate(s.filepathColumns); err != nil {
		return fmt.Errorf("setting manifest of step %s: %w", s.name, err)
	}
	s.manifest = m.Clone()
	return nil
}

// ManifestFilepathsAbs2Rel rewrites the manifest's filepath cells relative to
// the staging directory.
func (s *Step) ManifestFilepathsAbs2Rel() error {
	if s.manifest == nil {
		return ErrNoManifest
	}
	m, err := manifest.Abs2Rel(s.manifest, s.filepathColumns, s.stagingDir)
	if err != nil {
		return err
	}
	s.manifest = m
	return nil
}

// ManifestFilepathsRel2Abs rewrites the manifest's filepath cells as absolute
// paths inside the staging directory.
func (s *Step) ManifestFilepathsRel2Abs() error {
	if s.manifest == nil {
		return ErrNoManifest
	}
	m, err := manifest.Rel2Abs(s.manifest, s.filepathColumns, s.stagingDir)
	if err != nil {
		return err
	}
	s.manifest = m
	return nil
}

// Clean removes everything in the staging directory.
func (s *Step) Clean() error {
	entries, err := os.ReadDir(s.stagingDir)
	if err != nil {
		return fmt.Errorf("cleaning %s: %w", s.stagingDir, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.stagingDir, e.Name())); err != nil {
			return fmt.Errorf("cleaning %s: %w", s.stagingDir, err)
		}
	}
	slog.Info("cleaned directory", "step", s.name, "dir", s.stagingDir)
	return nil
}

func (s *Step) String() string {
	upstream := make([]string, 0, len(s.upstream))
	for _, r := range s.upstream {
		upstream = append(upstream, runnerName(r))
	}
	return fmt.Sprintf("<%s [ upstream_tasks: [%s], storage_bucket: '%s', project_local_staging_dir: '%s', step_local_staging_dir: '%s' ]>",
		s.name, strings.Join(upstream, ", "), s.cfg.StorageBucket, s.cfg.ProjectLocalStagingDir, s.stagingDir)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	slog.Debug("stored parameters", "path", path)
	return nil
}
