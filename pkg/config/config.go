// Package config resolves the workflow configuration shared by every step of a
// project: where data is pushed, under which package, and which local
// directories steps stage their outputs in.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"

	"github.com/spachava753/datastep/internal/names"
)

const (
	// EnvVarName names the environment variable that may point at a config file.
	EnvVarName = "WORKFLOW_CONFIG"
	// CWDFileName is the config file looked up in the working directory.
	CWDFileName = "workflow_config.json"

	DefaultStorageBucket     = "s3://allencell-internal-quilt"
	DefaultPackageOwner      = "datastep"
	DefaultPackageName       = "datastep"
	DefaultProjectStagingDir = "local_staging"
)

// StepConfig holds the per-step section of the workflow config.
type StepConfig struct {
	StepLocalStagingDir string         `mapstructure:"step_local_staging_dir"`
	Extra               map[string]any `mapstructure:",remain"`
}

// Config is the resolved workflow configuration.
type Config struct {
	StorageBucket          string `mapstructure:"quilt_storage_bucket" validate:"required"`
	PackageOwner           string `mapstructure:"quilt_package_owner" validate:"required"`
	PackageName            string `mapstructure:"quilt_package_name" validate:"required"`
	ProjectLocalStagingDir string `mapstructure:"project_local_staging_dir" validate:"required"`

	// Steps holds every object-valued key of the config, keyed by step name.
	Steps map[string]StepConfig `mapstructure:"-"`
	// Extra holds any other top-level keys, kept so they round-trip.
	Extra map[string]any        `mapstructure:",remain"`
}

// Default returns the built-in top-level configuration for a working directory.
func Default(workDir string) Config {
	pkgName := names.Sanitize(filepath.Base(workDir))
	if pkgName == "" {
		pkgName = DefaultPackageName
	}
	return Config{
		StorageBucket:          DefaultStorageBucket,
		PackageOwner:           DefaultPackageOwner,
		PackageName:            pkgName,
		ProjectLocalStagingDir: filepath.Join(workDir, DefaultProjectStagingDir),
	}
}

// StepStagingDir returns the staging directory configured for stepName.
func (c *Config) StepStagingDir(stepName string) string {
	return c.Steps[stepName].StepLocalStagingDir
}

// Clone returns a copy that shares no maps with c.
func (c *Config) Clone() *Config {
	out := *c
	out.Steps = maps.Clone(c.Steps)
	for k, sc := range out.Steps {
		sc.Extra = maps.Clone(sc.Extra)
		out.Steps[k] = sc
	}
	out.Extra = maps.Clone(c.Extra)
	return &out
}

// Map flattens the config back into the single-object form it is read from.
func (c *Config) Map() map[string]any {
	m := make(map[string]any, len(c.Extra)+len(c.Steps)+4)
	maps.Copy(m, c.Extra)
	for name, sc := range c.Steps {
		sm := make(map[string]any, len(sc.Extra)+1)
		maps.Copy(sm, sc.Extra)
		if sc.StepLocalStagingDir != "" {
			sm["step_local_staging_dir"] = sc.StepLocalStagingDir
		}
		m[name] = sm
	}
	m["quilt_storage_bucket"] = c.StorageBucket
	m["quilt_package_owner"] = c.PackageOwner
	m["quilt_package_name"] = c.PackageName
	m["project_local_staging_dir"] = c.ProjectLocalStagingDir
	return m
}

// MarshalJSON encodes the flattened form returned by Map.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Map())
}

// Resolve builds the fully populated configuration for stepName.
//
// An explicit src wins. Without one, the file named by the WORKFLOW_CONFIG
// variable is used, then workflow_config.json in the working directory, then
// the built-in defaults. The first source found is used as a whole; sources
// are never merged with each other. Missing keys take their defaults and the
// project and step staging directories are created.
func Resolve(src Source, stepName string, env Environment) (*Config, error) {
	if stepName == "" {
		return nil, fmt.Errorf("resolving config: step name must not be empty")
	}
	if env.WorkDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting working directory: %w", err)
		}
		env.WorkDir = wd
	}

	if src == nil {
		src = discover(env)
	}

	var raw map[string]any
	if src != nil {
		var err error
		raw, err = src.load(env.WorkDir)
		if err != nil {
			return nil, err
		}
		slog.Debug("loaded workflow config", "source", src.String(), "step", stepName)
	} else {
		slog.Debug("using default project and step configuration", "step", stepName)
	}

	cfg, err := decode(raw)
	if err != nil {
		return nil, err
	}

	defaults := Default(env.WorkDir)
	if err := mergo.Merge(cfg, defaults); err != nil {
		return nil, fmt.Errorf("applying config defaults: %w", err)
	}
	cfg.PackageName = names.Sanitize(cfg.PackageName)
	if cfg.PackageName == "" {
		cfg.PackageName = defaults.PackageName
	}

	cfg.ProjectLocalStagingDir, err = resolveDir(env.WorkDir, cfg.ProjectLocalStagingDir)
	if err != nil {
		return nil, err
	}

	sc := cfg.Steps[stepName]
	if sc.StepLocalStagingDir == "" {
		sc.StepLocalStagingDir = filepath.Join(cfg.ProjectLocalStagingDir, stepName)
	}
	sc.StepLocalStagingDir, err = resolveDir(env.WorkDir, sc.StepLocalStagingDir)
	if err != nil {
		return nil, err
	}
	cfg.Steps[stepName] = sc

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	slog.Debug("resolved workflow config",
		"bucket", cfg.StorageBucket,
		"package", cfg.PackageOwner+"/"+cfg.PackageName,
		"project_staging_dir", cfg.ProjectLocalStagingDir,
		"step_staging_dir", sc.StepLocalStagingDir)

	return cfg, nil
}

// discover finds the implicit config source, or nil for defaults.
func discover(env Environment) Source {
	if p := env.Vars[EnvVarName]; p != "" {
		return FromFile(p)
	}
	p := filepath.Join(env.WorkDir, CWDFileName)
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return FromFile(p)
	}
	return nil
}

// decode maps the raw key/value form onto Config. Object-valued keys that are
// not known top-level keys are step sections.
func decode(raw map[string]any) (*Config, error) {
	cfg := &Config{}
	if err := weakDecode(raw, cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	cfg.Steps = make(map[string]StepConfig)
	for k, v := range cfg.Extra {
		if v == nil || reflect.TypeOf(v).Kind() != reflect.Map {
			continue
		}
		var sc StepConfig
		if err := weakDecode(v, &sc); err != nil {
			return nil, fmt.Errorf("decoding config for step %q: %w", k, err)
		}
		cfg.Steps[k] = sc
		delete(cfg.Extra, k)
	}
	return cfg, nil
}

func weakDecode(input, output any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           output,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// resolveDir makes p absolute relative to workDir and creates it.
func resolveDir(workDir, p string) (string, error) {
	p, err := expandHome(p)
	if err != nil {
		return "", err
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(workDir, p)
	}
	p = filepath.Clean(p)
	if err := os.MkdirAll(p, 0755); err != nil {
		return "", fmt.Errorf("creating directory %s: %w", p, err)
	}
	return p, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("expanding %s: %w", p, err)
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
