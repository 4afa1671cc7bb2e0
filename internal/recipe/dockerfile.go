package recipe

import (
	"bytes"
	"fmt"
	"path"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

const buildDir = "/build"

var dockerfileTmpl = template.Must(template.New("Dockerfile").Funcs(sprig.TxtFuncMap()).Parse(`# syntax=docker/dockerfile:1
FROM {{ .Dependencies.BaseImage }} AS dependencies
WORKDIR {{ .BuildDir }}
{{- if .Dependencies.KeyFiles }}
COPY . .
{{- else }}
COPY {{ .Dependencies.Manifest }} {{ .Manifest }}
{{- end }}
{{- range .Env }}
ENV {{ . }}
{{- end }}
RUN {{ toJson .Install }}

FROM {{ .Runtime.BaseImage }}
COPY --from=dependencies {{ .Dependencies.Prefix }} {{ .Dependencies.Prefix }}
ENV PATH={{ .BinPath }}:$PATH
WORKDIR {{ .Runtime.Workdir }}
COPY {{ .Runtime.Source }} .
EXPOSE {{ .Runtime.ExposedPort }}
CMD {{ toJson .Runtime.Command }}
`))

type dockerfileData struct {
	Recipe
	BuildDir string
	Manifest string
	Install  []string
	Env      []string
	BinPath  string
}

// RenderDockerfile returns the two-stage Dockerfile equivalent to r.
func RenderDockerfile(r Recipe) (string, error) {
	if err := r.Validate(); err != nil {
		return "", err
	}

	data := TemplateData{
		Manifest: path.Join(buildDir, r.Dependencies.Manifest),
		Prefix:   r.Dependencies.Prefix,
		Context:  buildDir,
	}
	install, err := expandArgs(r.Dependencies.Install, data)
	if err != nil {
		return "", err
	}
	env, err := expandEnv(r.Dependencies.Env, data)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	err = dockerfileTmpl.Execute(&buf, dockerfileData{
		Recipe:   r,
		BuildDir: buildDir,
		Manifest: data.Manifest,
		Install:  install,
		Env:      env,
		BinPath:  r.BinPath(),
	})
	if err != nil {
		return "", fmt.Errorf("render Dockerfile: %w", err)
	}
	return buf.String(), nil
}
