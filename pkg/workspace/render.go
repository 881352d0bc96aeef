package workspace

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"strings"
	"sync"

	"github.com/zeebo/blake3"

	"zkpipe/pkg/guest"
)

//go:embed templates
var templatesFS embed.FS

// Host template markers replaced with the guest's input() and output() bodies.
const (
	hostInputMarker  = "// INPUT //"
	hostOutputMarker = "// OUTPUT //"
)

// Cargo patch appended to the SP1 guest manifest when precompiles are
// requested: accelerated SHA-256, SHA-3, K256 and bigint circuits.
const sp1Acceleration = "\n[patch.crates-io]\n" +
	"sha2 = { git = \"https://github.com/sp1-patches/RustCrypto-hashes\", package = \"sha2\", branch = \"patch-sha2-v0.10.8\" }\n" +
	"sha3 = { git = \"https://github.com/sp1-patches/RustCrypto-hashes\", package = \"sha3\", branch = \"patch-sha3-v0.10.8\" }\n" +
	"crypto-bigint = { git = \"https://github.com/sp1-patches/RustCrypto-bigint\", branch = \"patch-v0.5.5\" }\n" +
	"tiny-keccak = { git = \"https://github.com/sp1-patches/tiny-keccak\", branch = \"patch-v2.0.2\" }\n" +
	"ed25519-consensus = { git = \"https://github.com/sp1-patches/ed25519-consensus\", branch = \"patch-v2.1.0\" }\n" +
	"ecdsa-core = { git = \"https://github.com/sp1-patches/signatures\", package = \"ecdsa\", branch = \"patch-ecdsa-v0.16.9\" }\n"

// Cargo patch appended to the RISC0 guest manifest when precompiles are
// requested.
const risc0Acceleration = "\n[patch.crates-io]\n" +
	"sha2 = { git = \"https://github.com/risc0/RustCrypto-hashes\", tag = \"sha2-v0.10.6-risczero.0\" }\n" +
	"k256 = { git = \"https://github.com/risc0/RustCrypto-elliptic-curves\", tag = \"k256/v0.13.1-risczero.1\" }\n" +
	"crypto-bigint = { git = \"https://github.com/risc0/RustCrypto-crypto-bigint\", tag = \"v0.5.2-risczero.0\" }\n"

// backendSpec holds a backend's template set and I/O rewrite rules.
type backendSpec struct {
	dir           string
	programHeader string
	ioRead        string
	ioCommit      string
	hostWrite     string
	hostOut       string
	acceleration  string
}

var backendSpecs = map[Backend]backendSpec{
	SP1: {
		dir:           "sp1",
		programHeader: "#![no_main]\nsp1_zkvm::entrypoint!(main);\n",
		ioRead:        "sp1_zkvm::io::read();",
		ioCommit:      "sp1_zkvm::io::commit",
		hostWrite:     "stdin.write",
		hostOut:       "proof.public_values.read();",
		acceleration:  sp1Acceleration,
	},
	RISC0: {
		dir:           "risc0",
		programHeader: "#![no_main]\nrisc0_zkvm::guest::entry!(main);\nuse risc0_zkvm::guest::env;\n",
		ioRead:        "env::read();",
		ioCommit:      "env::commit",
		hostWrite:     "builder.write",
		hostOut:       "receipt.journal.decode().unwrap();",
		acceleration:  risc0Acceleration,
	},
}

func readTemplate(spec backendSpec, name string) (string, error) {
	data, err := templatesFS.ReadFile(path.Join("templates", spec.dir, name))
	if err != nil {
		return "", &TemplateError{Template: name, Err: err}
	}
	return string(data), nil
}

// renderGuestMain assembles the guest crate's main.rs: backend program
// header, the guest's imports, and the main body wrapped with cycle tracker
// markers, with I/O markers rewritten to the backend's native calls.
func renderGuestMain(prog *guest.Program, spec backendSpec) string {
	var b strings.Builder
	b.WriteString(spec.programHeader)
	b.WriteString(prog.Imports)
	b.WriteString("pub fn main() {\n")
	b.WriteString("    println!(\"cycle-tracker-report-start: {}\", env!(\"CARGO_PKG_NAME\"));\n")
	b.WriteString(prog.MainBody)
	b.WriteString("\n    println!(\"cycle-tracker-report-end: {}\", env!(\"CARGO_PKG_NAME\"));\n")
	b.WriteString("}\n")

	out := strings.ReplaceAll(b.String(), guest.IORead, spec.ioRead)
	return strings.ReplaceAll(out, guest.IOCommit, spec.ioCommit)
}

// renderHostMain splices the guest's input() and output() bodies into the
// backend host template and rewrites the host-side I/O markers.
func renderHostMain(prog *guest.Program, hostTemplate string, spec backendSpec) (string, error) {
	if !strings.Contains(hostTemplate, hostInputMarker) {
		return "", fmt.Errorf("missing %q marker", hostInputMarker)
	}
	if !strings.Contains(hostTemplate, hostOutputMarker) {
		return "", fmt.Errorf("missing %q marker", hostOutputMarker)
	}

	out := prog.Imports + hostTemplate
	out = strings.ReplaceAll(out, hostInputMarker, prog.InputBody)
	out = strings.ReplaceAll(out, hostOutputMarker, prog.OutputBody)
	out = strings.ReplaceAll(out, guest.IOWrite, spec.hostWrite)
	out = strings.ReplaceAll(out, guest.IOOut, spec.hostOut)
	return out, nil
}

// mergeManifest inserts the guest's dependency entries into the manifest's
// [dependencies] section, skipping names the section already carries.
func mergeManifest(base string, m guest.Manifest) string {
	existing := make(map[string]bool)
	for _, name := range guest.ParseManifest(base).Dependencies {
		existing[name] = true
	}

	var add []string
	for i, name := range m.Dependencies {
		if !existing[name] {
			add = append(add, m.DependencyLines[i])
		}
	}
	if len(add) == 0 {
		return base
	}

	idx := strings.Index(base, "[dependencies]")
	if idx < 0 {
		if !strings.HasSuffix(base, "\n") {
			base += "\n"
		}
		return base + "\n[dependencies]\n" + strings.Join(add, "\n") + "\n"
	}

	sectionEnd := len(base)
	if next := strings.Index(base[idx:], "\n["); next >= 0 {
		sectionEnd = idx + next
	}

	head := base[:sectionEnd]
	tail := base[sectionEnd:]
	if !strings.HasSuffix(head, "\n") {
		head += "\n"
	}
	return head + strings.Join(add, "\n") + "\n" + tail
}

var (
	templatesDigestOnce sync.Once
	templatesDigestSum  []byte
)

// templatesDigest hashes every embedded template so the workspace
// fingerprint changes when templates do.
func templatesDigest() []byte {
	templatesDigestOnce.Do(func() {
		h := blake3.New()
		fs.WalkDir(templatesFS, "templates", func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			data, err := templatesFS.ReadFile(p)
			if err != nil {
				return err
			}
			h.Write([]byte(p))
			h.Write([]byte{0})
			h.Write(data)
			return nil
		})
		templatesDigestSum = h.Sum(nil)
	})
	return templatesDigestSum
}
