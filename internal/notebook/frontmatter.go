package notebook

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Frontmatter represents the YAML block at the top of a notebook
type Frontmatter struct {
	Title    string `yaml:"title"`
	DebugURL string `yaml:"debug_url"`
}

// ParseFrontmatter extracts YAML frontmatter from notebook content
// Returns the frontmatter, remaining content, and any error
func ParseFrontmatter(content []byte) (*Frontmatter, []byte, error) {
	if !bytes.HasPrefix(content, []byte("---\n")) {
		return &Frontmatter{}, content, nil
	}

	// Find end of frontmatter
	rest := content[4:]
	endIdx := bytes.Index(rest, []byte("\n---"))
	if endIdx == -1 {
		return &Frontmatter{}, content, nil
	}

	fmData := rest[:endIdx]
	remaining := rest[endIdx+4:] // skip \n---

	var fm Frontmatter
	if err := yaml.Unmarshal(fmData, &fm); err != nil {
		return nil, nil, err
	}

	return &fm, bytes.TrimLeft(remaining, "\n"), nil
}
