package recipe

import (
	"bytes"
	"fmt"
	"sort"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateData is what install arguments and env values can reference.
type TemplateData struct {
	// Manifest is the manifest path as seen by the installer.
	Manifest string
	// Prefix is the directory the installer writes into.
	Prefix string
	// Context is the build context directory.
	Context string
}

func expand(name, text string, data TemplateData) (string, error) {
	t, err := template.New(name).Funcs(sprig.TxtFuncMap()).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("template %s: %w", name, err)
	}
	return buf.String(), nil
}

func expandArgs(args []string, data TemplateData) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		v, err := expand(fmt.Sprintf("install[%d]", i), a, data)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// expandEnv returns KEY=value pairs sorted by key.
func expandEnv(env map[string]string, data TemplateData) ([]string, error) {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := expand("env."+k, env[k], data)
		if err != nil {
			return nil, err
		}
		out = append(out, k+"="+v)
	}
	return out, nil
}
