package step

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cast"

	"github.com/spachava753/datastep/pkg/manifest"
)

// RunParams are the arguments of a single run. They are recorded verbatim in
// run_parameters.json.
//
// DistributedExecutorAddress is passed through to runners that hand work to a
// compute cluster. Clean empties the staging directory before the runner is
// called, as does a truthy "clean" entry in Kwargs. Debug is for runners to
// reduce or instrument the work they do.
type RunParams struct {
	DistributedExecutorAddress string         `json:"distributed_executor_address"`
	Clean                      bool           `json:"clean"`
	Debug                      bool           `json:"debug"`
	Kwargs                     map[string]any `json:"kwargs"`
}

func (p RunParams) clean() bool {
	if p.Clean {
		return true
	}
	v, ok := p.Kwargs["clean"]
	return ok && cast.ToBool(v)
}

// Run records params, optionally cleans the staging directory, then calls the
// runner. A returned manifest becomes the step manifest and is persisted to
// manifest.csv in the staging directory.
func (s *Step) Run(ctx context.Context, params RunParams) (*manifest.Manifest, error) {
	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	if params.clean() {
		if err := s.Clean(); err != nil {
			return nil, err
		}
		s.manifest = nil
		// Clean removed init_parameters.json as well.
		if !s.skipInitRecord {
			if err := s.writeInitParameters(); err != nil {
				return nil, err
			}
		}
	}

	if params.Kwargs == nil {
		params.Kwargs = map[string]any{}
	}
	if err := writeJSON(filepath.Join(s.stagingDir, runParametersFile), params); err != nil {
		return nil, err
	}

	slog.Debug("running step", "step", s.name, "clean", params.clean(), "debug", params.Debug)
	m, err := s.runner.Run(ctx, s, params)
	if err != nil {
		return nil, fmt.Errorf("running step %s: %w", s.name, err)
	}
	if m == nil {
		return nil, nil
	}

	if err := s.SetManifest(m); err != nil {
		return nil, err
	}
	p := filepath.Join(s.stagingDir, manifestFile)
	if err := s.manifest.WriteFile(p); err != nil {
		return nil, fmt.Errorf("persisting manifest: %w", err)
	}
	slog.Debug("stored manifest", "step", s.name, "path", p, "rows", s.manifest.Len())
	return s.Manifest(), nil
}
