// Package workspace materializes per-run Cargo build trees for a guest
// program and a proving backend. A workspace pairs a guest crate (the code
// proven inside the zkVM) with a host crate (the driver that feeds inputs,
// runs the prover and writes artifacts), both generated from embedded
// templates and keyed by a content fingerprint so repeated runs of the same
// program reuse the same tree and its build caches.
package workspace

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/zeebo/blake3"

	"zkpipe/pkg/guest"
)

// Backend identifies a zkVM proving backend.
type Backend string

const (
	SP1   Backend = "sp1"
	RISC0 Backend = "risc0"
)

// ParseBackend maps a backend name from the CLI or config to its tag.
func ParseBackend(s string) (Backend, error) {
	switch Backend(strings.ToLower(s)) {
	case SP1:
		return SP1, nil
	case RISC0:
		return RISC0, nil
	}
	return "", fmt.Errorf("unknown backend %q (expected sp1 or risc0)", s)
}

// Options select per-run materialization behavior.
type Options struct {
	// Precompiles patches the guest manifest with the backend's accelerated
	// forks of common crypto crates.
	Precompiles bool
}

// Workspace is a materialized build tree for one guest program and backend.
type Workspace struct {
	Backend     Backend
	Root        string
	GuestDir    string
	HostDir     string
	ArtifactDir string
	Fingerprint string
}

// TemplateError reports a broken or incomplete workspace template.
type TemplateError struct {
	Template string
	Err      error
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("workspace template %s: %v", e.Template, e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// Materializer creates workspaces under a root directory.
type Materializer struct {
	root string
}

func NewMaterializer(root string) *Materializer {
	return &Materializer{root: root}
}

// Materialize lays out the guest and host crates for prog under a
// fingerprint-keyed directory. Generated sources are rewritten from scratch
// on every call while Cargo target directories are left alone, so a second
// run of an unchanged program starts from a warm build cache.
func (m *Materializer) Materialize(prog *guest.Program, backend Backend, opts Options) (*Workspace, error) {
	spec, ok := backendSpecs[backend]
	if !ok {
		return nil, fmt.Errorf("unknown backend %q", backend)
	}

	fingerprint := runFingerprint(prog, backend, opts)
	root := filepath.Join(m.root, string(backend), fingerprint[:16])
	ws := &Workspace{
		Backend:     backend,
		Root:        root,
		GuestDir:    filepath.Join(root, "guest"),
		HostDir:     filepath.Join(root, "host"),
		ArtifactDir: filepath.Join(root, "artifacts"),
		Fingerprint: fingerprint,
	}

	log.Debug().
		Str("program", prog.Name).
		Str("backend", string(backend)).
		Str("dir", root).
		Msg("Materializing workspace")

	// Reset generated sources, keep build caches.
	for _, dir := range []string{filepath.Join(ws.GuestDir, "src"), filepath.Join(ws.HostDir, "src")} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("failed to clean workspace sources: %v", err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create workspace directory: %v", err)
		}
	}
	if err := os.MkdirAll(ws.ArtifactDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifact directory: %v", err)
	}

	if err := copyGuestSources(prog, ws); err != nil {
		return nil, err
	}

	guestToml, err := readTemplate(spec, "guest_cargo.toml")
	if err != nil {
		return nil, err
	}
	guestToml = mergeManifest(guestToml, prog.Manifest)
	if opts.Precompiles {
		guestToml += spec.acceleration
	}

	hostToml, err := readTemplate(spec, "host_cargo.toml")
	if err != nil {
		return nil, err
	}
	hostToml = mergeManifest(hostToml, prog.Manifest)

	hostTemplate, err := readTemplate(spec, "host_main.rs")
	if err != nil {
		return nil, err
	}
	hostMain, err := renderHostMain(prog, hostTemplate, spec)
	if err != nil {
		return nil, &TemplateError{Template: "host_main.rs", Err: err}
	}

	hostBuild, err := readTemplate(spec, "host_build.rs")
	if err != nil {
		return nil, err
	}
	hostMetrics, err := readTemplate(spec, "host_metrics.rs")
	if err != nil {
		return nil, err
	}

	files := map[string]string{
		filepath.Join(ws.GuestDir, "Cargo.toml"):       guestToml,
		filepath.Join(ws.GuestDir, "src", "main.rs"):   renderGuestMain(prog, spec),
		filepath.Join(ws.HostDir, "Cargo.toml"):        hostToml,
		filepath.Join(ws.HostDir, "build.rs"):          hostBuild,
		filepath.Join(ws.HostDir, "src", "main.rs"):    hostMain,
		filepath.Join(ws.HostDir, "src", "metrics.rs"): hostMetrics,
	}
	for name, contents := range files {
		if err := os.WriteFile(name, []byte(contents), 0644); err != nil {
			return nil, fmt.Errorf("failed to write %s: %v", name, err)
		}
	}

	log.Info().
		Str("program", prog.Name).
		Str("backend", string(backend)).
		Str("workspace", root).
		Msg("Workspace materialized")
	return ws, nil
}

// copyGuestSources mirrors the program's src/ tree into both crates so
// modules referenced by main, input or output resolve on either side. The
// host keeps its own generated metrics module.
func copyGuestSources(prog *guest.Program, ws *Workspace) error {
	entries, err := os.ReadDir(prog.SrcDir())
	if err != nil {
		return fmt.Errorf("failed to read guest sources: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() == "metrics.rs" {
			continue
		}
		src := filepath.Join(prog.SrcDir(), entry.Name())
		dsts := []string{
			filepath.Join(ws.GuestDir, "src", entry.Name()),
			filepath.Join(ws.HostDir, "src", entry.Name()),
		}
		for _, dst := range dsts {
			if entry.IsDir() {
				err = copyDir(src, dst)
			} else {
				err = copyFile(src, dst)
			}
			if err != nil {
				return fmt.Errorf("failed to copy guest sources: %v", err)
			}
		}
	}

	if lib, ok := prog.LibDir(); ok {
		for _, dst := range []string{filepath.Join(ws.GuestDir, "lib"), filepath.Join(ws.HostDir, "lib")} {
			if err := copyDir(lib, dst); err != nil {
				return fmt.Errorf("failed to copy guest lib: %v", err)
			}
		}
	}
	return nil
}

func copyDir(src, dst string) error {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return err
	}
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		s := filepath.Join(src, entry.Name())
		d := filepath.Join(dst, entry.Name())
		if entry.IsDir() {
			err = copyDir(s, d)
		} else {
			err = copyFile(s, d)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// runFingerprint keys the workspace directory. Identical guest sources,
// backend, options and templates always map to the same tree.
func runFingerprint(prog *guest.Program, backend Backend, opts Options) string {
	h := blake3.New()
	h.Write([]byte(prog.Fingerprint()))
	h.Write([]byte{0})
	h.Write([]byte(backend))
	h.Write([]byte{0})
	if opts.Precompiles {
		h.Write([]byte("precompiles"))
	}
	h.Write(templatesDigest())
	return hex.EncodeToString(h.Sum(nil))
}
