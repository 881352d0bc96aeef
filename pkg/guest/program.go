package guest

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"
)

// Entry point signatures every guest program must declare.
const (
	MainFunc   = "fn main()"
	InputFunc  = "fn input()"
	OutputFunc = "fn output()"
)

// AdapterError reports a guest program the pipeline cannot accept. It is
// never retried: the program has to be fixed first.
type AdapterError struct {
	Path   string
	Reason string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("guest program %s: %s", e.Path, e.Reason)
}

// Program is a guest program loaded from disk along with the pieces the
// workspace materializer needs: the import block, the three entry point
// bodies and the manifest metadata. A Program is immutable once loaded.
type Program struct {
	Name string
	Dir  string

	Imports    string
	MainBody   string
	InputBody  string
	OutputBody string

	Manifest Manifest

	fingerprint string
}

// Load reads and validates the guest program at dir.
func Load(dir string) (*Program, error) {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, &AdapterError{Path: dir, Reason: "not a directory"}
	}

	manifestPath := filepath.Join(dir, "Cargo.toml")
	if _, err := os.Stat(manifestPath); err != nil {
		return nil, &AdapterError{Path: dir, Reason: "Cargo.toml not found"}
	}
	mainPath := filepath.Join(dir, "src", "main.rs")
	if _, err := os.Stat(mainPath); err != nil {
		return nil, &AdapterError{Path: dir, Reason: "src/main.rs not found"}
	}

	src, err := os.ReadFile(mainPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read guest source: %v", err)
	}

	bodies, err := ExtractFunctionBodies(string(src), []string{MainFunc, InputFunc, OutputFunc})
	if err != nil {
		return nil, &AdapterError{Path: dir, Reason: err.Error()}
	}

	manifestData, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read guest manifest: %v", err)
	}
	manifest := ParseManifest(string(manifestData))

	name := manifest.PackageName
	if name == "" {
		name = filepath.Base(dir)
	}

	fingerprint, err := fingerprintSources(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint guest sources: %v", err)
	}

	return &Program{
		Name:        name,
		Dir:         dir,
		Imports:     ExtractImports(string(src)),
		MainBody:    bodies[0],
		InputBody:   bodies[1],
		OutputBody:  bodies[2],
		Manifest:    manifest,
		fingerprint: fingerprint,
	}, nil
}

// Fingerprint is a stable digest of the guest's manifest and source tree.
// Identical inputs produce identical fingerprints.
func (p *Program) Fingerprint() string {
	return p.fingerprint
}

// SrcDir returns the guest's source directory.
func (p *Program) SrcDir() string {
	return filepath.Join(p.Dir, "src")
}

// LibDir returns the guest's lib directory and whether it exists.
func (p *Program) LibDir() (string, bool) {
	dir := filepath.Join(p.Dir, "lib")
	info, err := os.Stat(dir)
	return dir, err == nil && info.IsDir()
}

func fingerprintSources(dir string) (string, error) {
	hasher := blake3.New()

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "target" {
				return filepath.SkipDir
			}
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		hasher.Write([]byte(rel))
		hasher.Write([]byte{0})
		hasher.Write(data)
		hasher.Write([]byte{0})
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
