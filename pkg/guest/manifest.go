package guest

import (
	"strings"
)

// Manifest holds metadata read from the guest's Cargo manifest. It feeds the
// run report and supplies the dependency entries merged into the generated
// workspace manifests.
type Manifest struct {
	PackageName  string   `json:"package_name,omitempty"`
	Version      string   `json:"version,omitempty"`
	Authors      []string `json:"authors,omitempty"`
	Edition      string   `json:"edition,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`

	// Raw entry lines of the [dependencies] section, one per dependency.
	DependencyLines []string `json:"-"`
}

// ParseManifest extracts package metadata and dependency entries from Cargo
// manifest contents. The parser is line based and tolerant: fields it cannot
// read are left empty.
func ParseManifest(contents string) Manifest {
	var m Manifest
	section := ""

	for _, raw := range strings.Split(contents, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			section = strings.Trim(line, "[]")
			continue
		}

		switch section {
		case "package":
			key, value, ok := splitAssignment(line)
			if !ok {
				continue
			}
			switch key {
			case "name":
				m.PackageName = unquote(value)
			case "version":
				m.Version = unquote(value)
			case "edition":
				m.Edition = unquote(value)
			case "authors":
				m.Authors = parseStringArray(value)
			}
		case "dependencies":
			name, _, ok := splitAssignment(line)
			if !ok {
				continue
			}
			m.Dependencies = append(m.Dependencies, name)
			m.DependencyLines = append(m.DependencyLines, line)
		}
	}

	return m
}

func splitAssignment(line string) (key, value string, ok bool) {
	idx := strings.Index(line, "=")
	if idx < 0 {
		return "", "", false
	}
	return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
}

func unquote(value string) string {
	return strings.Trim(value, `"`)
}

// parseStringArray reads a single-line TOML string array such as
// ["alice <a@example.com>", "bob"].
func parseStringArray(value string) []string {
	value = strings.Trim(strings.TrimSpace(value), "[]")
	if value == "" {
		return nil
	}

	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, unquote(part))
	}
	return out
}
