package recipe

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bft-labs/imgship/internal/domain"
)

func TestParseManifest_Requirements(t *testing.T) {
	data := []byte(`# web stack
fastapi==0.110.0
uvicorn[standard] >= 0.29, < 1.0
python-multipart

--index-url https://pypi.org/simple
jinja2~=3.1 ; python_version >= "3.8"   # templates
pkg @ https://example.com/pkg-1.0.tar.gz#sha256=abc
aiofiles \
    ===23.2.1
`)
	m, err := ParseManifest("requirements.txt", data)
	require.NoError(t, err)

	assert.Equal(t, FormatRequirements, m.Format)
	assert.Equal(t, []string{"--index-url https://pypi.org/simple"}, m.Options)
	require.Len(t, m.Requirements, 6)

	assert.Equal(t, Requirement{
		Name:       "fastapi",
		Specifiers: []Specifier{{Op: "==", Version: "0.110.0"}},
		Line:       2,
	}, m.Requirements[0])

	uv := m.Requirements[1]
	assert.Equal(t, "uvicorn", uv.Name)
	assert.Equal(t, []string{"standard"}, uv.Extras)
	assert.Equal(t, []Specifier{{Op: ">=", Version: "0.29"}, {Op: "<", Version: "1.0"}}, uv.Specifiers)

	assert.Equal(t, "python-multipart", m.Requirements[2].Name)
	assert.Empty(t, m.Requirements[2].Specifiers)

	j := m.Requirements[3]
	assert.Equal(t, "jinja2", j.Name)
	assert.Equal(t, `python_version >= "3.8"`, j.Marker)
	assert.Equal(t, 7, j.Line)

	assert.Equal(t, []Specifier{{Op: "@", Version: "https://example.com/pkg-1.0.tar.gz#sha256=abc"}}, m.Requirements[4].Specifiers)

	af := m.Requirements[5]
	assert.Equal(t, "aiofiles", af.Name)
	assert.Equal(t, 9, af.Line)
	assert.Equal(t, []Specifier{{Op: "===", Version: "23.2.1"}}, af.Specifiers)

	assert.Equal(t, data, m.Raw())
}

func TestParseManifest_Empty(t *testing.T) {
	m, err := ParseManifest("requirements.txt", []byte("\n# nothing\n"))
	require.NoError(t, err)
	assert.Empty(t, m.Requirements)
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad operator", "flask => 2.0\n"},
		{"missing name", "==1.0\n"},
		{"bad extra", "flask[a b]\n"},
		{"empty marker", "flask ;\n"},
		{"trailing junk", "flask 2.0\n"},
		{"duplicate", "Flask==2.0\nflask==3.0\n"},
		{"dangling continuation", "flask \\"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest("requirements.txt", []byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidManifest)
		})
	}
}

func TestParseManifest_LineNumberInError(t *testing.T) {
	_, err := ParseManifest("requirements.txt", []byte("flask\n\nrequests >>> 2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requirements.txt:3")
}

func TestParseManifest_GoMod(t *testing.T) {
	data := []byte(`module example.com/app

go 1.22

require (
	github.com/rs/zerolog v1.33.0
	golang.org/x/sys v0.13.0 // indirect
)
`)
	m, err := ParseManifest("go.mod", data)
	require.NoError(t, err)

	assert.Equal(t, FormatGoMod, m.Format)
	assert.Equal(t, "example.com/app", m.Module)
	require.Len(t, m.Requirements, 2)
	assert.Equal(t, "github.com/rs/zerolog", m.Requirements[0].Name)
	assert.Equal(t, []Specifier{{Op: "==", Version: "v1.33.0"}}, m.Requirements[0].Specifiers)
	assert.False(t, m.Requirements[0].Indirect)
	assert.True(t, m.Requirements[1].Indirect)
	assert.Equal(t, 7, m.Requirements[1].Line)
}

func TestParseManifest_GoModInvalid(t *testing.T) {
	_, err := ParseManifest("go.mod", []byte("module\nrequire ???\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidManifest)

	_, err = ParseManifest("go.mod", []byte("go 1.22\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidManifest)
}

func TestManifest_Digest(t *testing.T) {
	a, err := ParseManifest("requirements.txt", []byte("flask==2.0\n"))
	require.NoError(t, err)
	b, err := ParseManifest("requirements.txt", []byte("flask==2.0\n"))
	require.NoError(t, err)
	c, err := ParseManifest("requirements.txt", []byte("flask==2.1\n"))
	require.NoError(t, err)

	assert.Equal(t, a.Digest(), b.Digest())
	assert.NotEqual(t, a.Digest(), c.Digest())
	assert.Len(t, a.Digest(), 64)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "requirements.txt")
	require.NoError(t, os.WriteFile(p, []byte("flask\n"), 0o644))

	m, err := LoadManifest(p)
	require.NoError(t, err)
	assert.Equal(t, "requirements.txt", m.Name)
	require.Len(t, m.Requirements, 1)

	_, err = LoadManifest(filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
