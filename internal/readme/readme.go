// Package readme renders the provenance README attached to every pushed step package.
package readme

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// Provenance describes where the data in a package came from.
type Provenance struct {
	PackageName string
	StepName    string
	SourceURL   string
	BranchName  string
	CommitHash  string
	Creator     string
}

const text = `# {{ .PackageName }}

Data for step **{{ .StepName }}** was produced by code from
[{{ .SourceURL }}]({{ .SourceURL }}).

| | |
|---|---|
| Branch | {{ .BranchName }} |
| Commit | [{{ .CommitHash | trunc 12 }}]({{ .SourceURL }}/tree/{{ .CommitHash }}) |
| Created by | {{ .Creator | default "unknown" }} |

To reproduce this data, check out commit ` + "`{{ .CommitHash }}`" + ` of the source repository and
re-run the step. The parameters used are stored next to this file in
` + "`init_parameters.json`" + ` and ` + "`run_parameters.json`" + `; the produced files are listed in
` + "`manifest.csv`" + `.
`

var tmpl = template.Must(template.New("README.md").Funcs(sprig.TxtFuncMap()).Parse(text))

// Render returns the README for the given provenance.
func Render(p Provenance) ([]byte, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, p); err != nil {
		return nil, fmt.Errorf("rendering README: %w", err)
	}
	return buf.Bytes(), nil
}
