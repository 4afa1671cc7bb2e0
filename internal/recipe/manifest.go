package recipe

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/mod/modfile"

	"github.com/bft-labs/imgship/internal/domain"
)

// Format identifies how a manifest was parsed.
type Format string

const (
	FormatRequirements Format = "requirements"
	FormatGoMod        Format = "go.mod"
)

// Specifier is one version constraint, e.g. ">=" "1.0".
// Op "@" carries a direct URL reference.
type Specifier struct {
	Op      string `json:"op"`
	Version string `json:"version"`
}

// Requirement is a single package entry of a manifest.
type Requirement struct {
	Name       string      `json:"name"`
	Extras     []string    `json:"extras,omitempty"`
	Specifiers []Specifier `json:"specifiers,omitempty"`
	Marker     string      `json:"marker,omitempty"`
	Indirect   bool        `json:"indirect,omitempty"`
	Line       int         `json:"line"`
}

// Manifest is a parsed dependency manifest. It is read once and never
// mutated.
type Manifest struct {
	Name         string        `json:"name"`
	Format       Format        `json:"format"`
	Module       string        `json:"module,omitempty"`
	Requirements []Requirement `json:"requirements"`
	// Options are resolver options such as "--index-url ...", kept verbatim.
	Options []string `json:"options,omitempty"`

	raw []byte
}

// Raw returns the manifest bytes as read.
func (m *Manifest) Raw() []byte { return m.raw }

// Digest is the hex sha256 of the raw manifest bytes.
func (m *Manifest) Digest() string {
	sum := sha256.Sum256(m.raw)
	return hex.EncodeToString(sum[:])
}

// LoadManifest reads and parses the manifest at path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(filepath.Base(path), data)
}

// ParseManifest picks the format from the file name: go.mod is parsed as a
// Go module file, anything else as a requirements file.
func ParseManifest(name string, data []byte) (*Manifest, error) {
	if filepath.Base(name) == "go.mod" {
		return parseGoMod(name, data)
	}
	return parseRequirements(name, data)
}

func parseGoMod(name string, data []byte) (*Manifest, error) {
	f, err := modfile.Parse(name, data, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidManifest, err)
	}
	if f.Module == nil {
		return nil, fmt.Errorf("%w: %s: missing module directive", domain.ErrInvalidManifest, name)
	}

	m := &Manifest{
		Name:         name,
		Format:       FormatGoMod,
		Module:       f.Module.Mod.Path,
		Requirements: make([]Requirement, 0, len(f.Require)),
		raw:          data,
	}
	for _, r := range f.Require {
		req := Requirement{
			Name:       r.Mod.Path,
			Specifiers: []Specifier{{Op: "==", Version: r.Mod.Version}},
			Indirect:   r.Indirect,
		}
		if r.Syntax != nil {
			req.Line = r.Syntax.Start.Line
		}
		m.Requirements = append(m.Requirements, req)
	}
	return m, nil
}

var (
	reqLine   = regexp.MustCompile(`^([A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?)\s*(?:\[([^\]]*)\])?\s*(.*)$`)
	specifier = regexp.MustCompile(`^(===|==|!=|<=|>=|~=|<|>)\s*([A-Za-z0-9.*+!_-]+)$`)
	extraName = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9._-]*[A-Za-z0-9])?$`)
	nameNorm  = regexp.MustCompile(`[-_.]+`)
)

func parseRequirements(name string, data []byte) (*Manifest, error) {
	m := &Manifest{
		Name:         name,
		Format:       FormatRequirements,
		Requirements: []Requirement{},
		raw:          data,
	}
	seen := make(map[string]int)

	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo, start := 0, 0
	var cont strings.Builder
	for sc.Scan() {
		lineNo++
		text := sc.Text()
		if cont.Len() == 0 {
			start = lineNo
		}
		if strings.HasSuffix(text, `\`) {
			cont.WriteString(strings.TrimSuffix(text, `\`))
			continue
		}
		cont.WriteString(text)
		line := stripComment(cont.String())
		cont.Reset()

		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "-") {
			m.Options = append(m.Options, line)
			continue
		}
		req, err := parseRequirement(line)
		if err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %q: %v", domain.ErrInvalidManifest, name, start, line, err)
		}
		req.Line = start
		key := normalizeName(req.Name)
		if prev, ok := seen[key]; ok {
			return nil, fmt.Errorf("%w: %s:%d: %q already required on line %d", domain.ErrInvalidManifest, name, start, req.Name, prev)
		}
		seen[key] = start
		m.Requirements = append(m.Requirements, req)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", domain.ErrInvalidManifest, name, err)
	}
	if cont.Len() > 0 {
		return nil, fmt.Errorf("%w: %s:%d: dangling line continuation", domain.ErrInvalidManifest, name, start)
	}
	return m, nil
}

// stripComment drops a "#" comment that starts the line or follows
// whitespace, so URL fragments survive.
func stripComment(line string) string {
	for i := 0; i < len(line); i++ {
		if line[i] != '#' {
			continue
		}
		if i == 0 || line[i-1] == ' ' || line[i-1] == '\t' {
			line = line[:i]
			break
		}
	}
	return strings.TrimSpace(line)
}

func parseRequirement(line string) (Requirement, error) {
	var req Requirement

	body := line
	if i := strings.Index(line, ";"); i >= 0 {
		body = strings.TrimSpace(line[:i])
		req.Marker = strings.TrimSpace(line[i+1:])
		if req.Marker == "" {
			return req, fmt.Errorf("empty environment marker")
		}
	}

	parts := reqLine.FindStringSubmatch(body)
	if parts == nil {
		return req, fmt.Errorf("invalid project name")
	}
	req.Name = parts[1]
	if strings.Contains(body, "[") {
		for _, e := range strings.Split(parts[2], ",") {
			e = strings.TrimSpace(e)
			if !extraName.MatchString(e) {
				return req, fmt.Errorf("invalid extra %q", e)
			}
			req.Extras = append(req.Extras, e)
		}
	}

	rest := strings.TrimSpace(parts[3])
	switch {
	case rest == "":
	case strings.HasPrefix(rest, "@"):
		url := strings.TrimSpace(rest[1:])
		if url == "" || strings.ContainsAny(url, " \t") {
			return req, fmt.Errorf("invalid direct reference")
		}
		req.Specifiers = []Specifier{{Op: "@", Version: url}}
	default:
		for _, s := range strings.Split(rest, ",") {
			sm := specifier.FindStringSubmatch(strings.TrimSpace(s))
			if sm == nil {
				return req, fmt.Errorf("invalid version specifier %q", strings.TrimSpace(s))
			}
			req.Specifiers = append(req.Specifiers, Specifier{Op: sm[1], Version: sm[2]})
		}
	}
	return req, nil
}

func normalizeName(name string) string {
	return strings.ToLower(nameNorm.ReplaceAllString(name, "-"))
}
