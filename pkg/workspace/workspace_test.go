package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"zkpipe/pkg/guest"
)

const fixtureManifest = `[package]
name = "sorting"
version = "0.1.0"
edition = "2021"

[dependencies]
zkpipe_io = "0.1.0"
serde = { version = "1.0", features = ["derive"] }
rand = "0.8"
`

const fixtureMain = `use serde::{Deserialize, Serialize};
use rand::Rng;

fn main() {
    let numbers: Vec<u32> = zkpipe_io::read();
    let mut sorted = numbers.clone();
    sorted.sort();
    zkpipe_io::commit(&sorted);
}

fn input() {
    let numbers: Vec<u32> = vec![5, 3, 4, 1, 2];
    zkpipe_io::write(&numbers);
}

fn output() {
    let sorted: Vec<u32> = zkpipe_io::out();
    println!("sorted: {:?}", sorted);
}
`

func writeFixtureProgram(t *testing.T) *guest.Program {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(fixtureManifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.rs"), []byte(fixtureMain), 0644))

	prog, err := guest.Load(dir)
	require.NoError(t, err)
	return prog
}

func readWorkspaceFile(t *testing.T, parts ...string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(parts...))
	require.NoError(t, err)
	return string(data)
}

func TestParseBackend(t *testing.T) {
	be, err := ParseBackend("SP1")
	require.NoError(t, err)
	require.Equal(t, SP1, be)

	be, err = ParseBackend("risc0")
	require.NoError(t, err)
	require.Equal(t, RISC0, be)

	_, err = ParseBackend("plonky")
	require.Error(t, err)
}

func TestMaterializeSP1GuestMain(t *testing.T) {
	prog := writeFixtureProgram(t)
	ws, err := NewMaterializer(t.TempDir()).Materialize(prog, SP1, Options{})
	require.NoError(t, err)

	main := readWorkspaceFile(t, ws.GuestDir, "src", "main.rs")
	require.True(t, strings.HasPrefix(main, "#![no_main]\nsp1_zkvm::entrypoint!(main);\n"))
	require.Contains(t, main, "use rand::Rng;")
	require.Contains(t, main, "let numbers: Vec<u32> = sp1_zkvm::io::read();")
	require.Contains(t, main, "sp1_zkvm::io::commit(&sorted);")
	require.Contains(t, main, "cycle-tracker-report-start")
	require.Contains(t, main, "cycle-tracker-report-end")
	require.NotContains(t, main, "zkpipe_io::")
}

func TestMaterializeSP1HostMain(t *testing.T) {
	prog := writeFixtureProgram(t)
	ws, err := NewMaterializer(t.TempDir()).Materialize(prog, SP1, Options{})
	require.NoError(t, err)

	main := readWorkspaceFile(t, ws.HostDir, "src", "main.rs")
	require.Contains(t, main, "stdin.write(&numbers);")
	require.Contains(t, main, "let sorted: Vec<u32> = proof.public_values.read();")
	require.NotContains(t, main, "// INPUT //")
	require.NotContains(t, main, "// OUTPUT //")
	require.NotContains(t, main, "zkpipe_io::")
}

func TestMaterializeRISC0Rewrites(t *testing.T) {
	prog := writeFixtureProgram(t)
	ws, err := NewMaterializer(t.TempDir()).Materialize(prog, RISC0, Options{})
	require.NoError(t, err)

	guestMain := readWorkspaceFile(t, ws.GuestDir, "src", "main.rs")
	require.True(t, strings.HasPrefix(guestMain, "#![no_main]\nrisc0_zkvm::guest::entry!(main);\n"))
	require.Contains(t, guestMain, "let numbers: Vec<u32> = env::read();")
	require.Contains(t, guestMain, "env::commit(&sorted);")

	hostMain := readWorkspaceFile(t, ws.HostDir, "src", "main.rs")
	require.Contains(t, hostMain, "builder.write(&numbers);")
	require.Contains(t, hostMain, "let sorted: Vec<u32> = receipt.journal.decode().unwrap();")
}

func TestMaterializeMergesGuestDependencies(t *testing.T) {
	prog := writeFixtureProgram(t)
	ws, err := NewMaterializer(t.TempDir()).Materialize(prog, SP1, Options{})
	require.NoError(t, err)

	guestToml := readWorkspaceFile(t, ws.GuestDir, "Cargo.toml")
	require.Contains(t, guestToml, `rand = "0.8"`)
	require.Equal(t, 1, strings.Count(guestToml, "zkpipe_io ="))
	require.Equal(t, 1, strings.Count(guestToml, "serde ="))

	// Host manifest has sections after [dependencies]; merged entries must
	// land inside the dependency section, not at the file tail.
	hostToml := readWorkspaceFile(t, ws.HostDir, "Cargo.toml")
	randAt := strings.Index(hostToml, `rand = "0.8"`)
	buildAt := strings.Index(hostToml, "[build-dependencies]")
	require.GreaterOrEqual(t, randAt, 0)
	require.Greater(t, buildAt, randAt)
}

func TestMaterializePrecompilePatch(t *testing.T) {
	prog := writeFixtureProgram(t)
	m := NewMaterializer(t.TempDir())

	plain, err := m.Materialize(prog, SP1, Options{})
	require.NoError(t, err)
	patched, err := m.Materialize(prog, SP1, Options{Precompiles: true})
	require.NoError(t, err)

	require.NotEqual(t, plain.Fingerprint, patched.Fingerprint)
	require.NotEqual(t, plain.Root, patched.Root)

	guestToml := readWorkspaceFile(t, patched.GuestDir, "Cargo.toml")
	require.Contains(t, guestToml, "[patch.crates-io]")
	require.Contains(t, guestToml, "sp1-patches")
	require.NotContains(t, readWorkspaceFile(t, plain.GuestDir, "Cargo.toml"), "[patch.crates-io]")
}

func TestMaterializeIdempotent(t *testing.T) {
	prog := writeFixtureProgram(t)
	m := NewMaterializer(t.TempDir())

	first, err := m.Materialize(prog, SP1, Options{})
	require.NoError(t, err)
	snapshot := snapshotTree(t, first.Root)

	second, err := m.Materialize(prog, SP1, Options{})
	require.NoError(t, err)
	require.Equal(t, first.Root, second.Root)
	require.Equal(t, snapshot, snapshotTree(t, second.Root))
}

func TestMaterializeCopiesModules(t *testing.T) {
	prog := writeFixtureProgram(t)
	require.NoError(t, os.WriteFile(filepath.Join(prog.SrcDir(), "sort.rs"), []byte("pub fn noop() {}\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(prog.SrcDir(), "metrics.rs"), []byte("// user metrics\n"), 0644))

	ws, err := NewMaterializer(t.TempDir()).Materialize(prog, SP1, Options{})
	require.NoError(t, err)

	require.FileExists(t, filepath.Join(ws.GuestDir, "src", "sort.rs"))
	require.FileExists(t, filepath.Join(ws.HostDir, "src", "sort.rs"))

	// The guest never carries a metrics module and the host keeps the
	// generated one.
	require.NoFileExists(t, filepath.Join(ws.GuestDir, "src", "metrics.rs"))
	hostMetrics := readWorkspaceFile(t, ws.HostDir, "src", "metrics.rs")
	require.Contains(t, hostMetrics, "MetricsCollector")
	require.NotContains(t, hostMetrics, "user metrics")
}

func TestMergeManifestInsertsWithinSection(t *testing.T) {
	base := "[package]\nname = \"host\"\n\n[dependencies]\nserde = \"1.0\"\n\n[build-dependencies]\ncc = \"1.0\"\n"
	m := guest.ParseManifest("[dependencies]\nserde = \"1.0\"\nhex = \"0.4\"\n")

	merged := mergeManifest(base, m)
	require.Equal(t, 1, strings.Count(merged, "serde ="))

	hexAt := strings.Index(merged, `hex = "0.4"`)
	buildAt := strings.Index(merged, "[build-dependencies]")
	require.GreaterOrEqual(t, hexAt, 0)
	require.Greater(t, buildAt, hexAt)
}

func TestRenderHostMainMissingMarker(t *testing.T) {
	prog := writeFixtureProgram(t)
	_, err := renderHostMain(prog, "fn main() {}\n", backendSpecs[SP1])
	require.Error(t, err)
	require.Contains(t, err.Error(), "marker")
}

func snapshotTree(t *testing.T, root string) map[string]string {
	t.Helper()
	tree := make(map[string]string)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		tree[rel] = string(data)
		return nil
	})
	require.NoError(t, err)
	return tree
}
