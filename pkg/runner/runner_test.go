package runner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/require"

	"zkpipe/pkg/backend"
	"zkpipe/pkg/guest"
	"zkpipe/pkg/telemetry"
	"zkpipe/pkg/workspace"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

const sortingManifest = `[package]
name = "sorting"
version = "0.1.0"
edition = "2021"

[dependencies]
zkpipe_io = "0.1.0"
serde = { version = "1.0", features = ["derive"] }
`

const sortingMain = `use serde::{Deserialize, Serialize};

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

func sortingProgram(t *testing.T) *guest.Program {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(sortingManifest), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "main.rs"), []byte(sortingMain), 0644))

	prog, err := guest.Load(dir)
	require.NoError(t, err)
	return prog
}

func writeFakeCargo(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cargo")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

const fakeSP1Toolchain = `#!/bin/sh
[ "$1" = "--version" ] && { echo "cargo 1.75.0 (fake)"; exit 0; }
[ "$1" = "build" ] && exit 0
dir="$4"
[ "$5" = "verify" ] && exit 0
printf 'receipt-bytes' > "$dir/sp1.proof"
printf '[1, 2, 3, 4, 5]' > "$dir/sp1.pub"
printf '0x1234abcd' > "$dir/sp1.vk"
exit 0
`

const fakeRISC0Toolchain = `#!/bin/sh
[ "$1" = "--version" ] && { echo "cargo 1.75.0 (fake)"; exit 0; }
[ "$1" = "build" ] && exit 0
dir="$4"
[ "$5" = "verify" ] && exit 0
printf 'receipt-bytes' > "$dir/risc0.proof"
printf '[1, 2, 3, 4, 5]' > "$dir/risc0_pub_input.pub"
printf '\001\002\003\004' > "$dir/risc0.imageid"
exit 0
`

func newTestRunner(t *testing.T, tag workspace.Backend, cargo string, collector *telemetry.Collector) *Runner {
	t.Helper()
	driver, err := backend.ForBackend(tag, cargo)
	require.NoError(t, err)
	return New(workspace.NewMaterializer(t.TempDir()), driver, collector)
}

func TestRunSortingGuest(t *testing.T) {
	cases := []struct {
		tag       workspace.Backend
		toolchain string
		vkID      string
	}{
		{workspace.SP1, fakeSP1Toolchain, "0x1234abcd"},
		{workspace.RISC0, fakeRISC0Toolchain, "0x01020304"},
	}
	for _, tc := range cases {
		t.Run(string(tc.tag), func(t *testing.T) {
			cargo := writeFakeCargo(t, tc.toolchain)
			r := newTestRunner(t, tc.tag, cargo, telemetry.NewCollector(5*time.Millisecond))

			result, err := r.Run(context.Background(), sortingProgram(t), Options{})
			require.NoError(t, err)
			require.NotNil(t, result.Workspace)
			require.NotNil(t, result.Build)
			require.NotNil(t, result.Artifact)

			require.Equal(t, tc.tag, result.Artifact.Backend)
			require.Equal(t, []byte("[1, 2, 3, 4, 5]"), result.Artifact.PublicOutput)
			require.Equal(t, tc.vkID, result.Artifact.VerifyingKeyID)
			require.Positive(t, result.MaterializeDuration)

			// The workspace really was materialized for this run.
			_, statErr := os.Stat(filepath.Join(result.Workspace.GuestDir, "src", "main.rs"))
			require.NoError(t, statErr)

			require.NotEmpty(t, result.Samples)
			phases := map[telemetry.Phase]bool{}
			for _, s := range result.Samples {
				phases[s.Phase] = true
			}
			require.True(t, phases[telemetry.PhaseBuild])
			require.True(t, phases[telemetry.PhaseProve])
		})
	}
}

func TestRunProbeFailureShortCircuits(t *testing.T) {
	r := newTestRunner(t, workspace.SP1, filepath.Join(t.TempDir(), "no-such-cargo"), nil)

	result, err := r.Run(context.Background(), sortingProgram(t), Options{})
	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseProbe, phaseErr.Phase)
	require.ErrorIs(t, err, backend.ErrToolchainMissing)
	require.Nil(t, result.Workspace)
}

func TestRunBuildFailureCarriesTelemetry(t *testing.T) {
	cargo := writeFakeCargo(t, `#!/bin/sh
[ "$1" = "--version" ] && { echo "cargo 1.75.0 (fake)"; exit 0; }
if [ "$1" = "build" ]; then
  echo "error[E0425]: cannot find value" >&2
  exit 1
fi
exit 0
`)
	r := newTestRunner(t, workspace.SP1, cargo, telemetry.NewCollector(5*time.Millisecond))

	result, err := r.Run(context.Background(), sortingProgram(t), Options{})
	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseBuild, phaseErr.Phase)

	var compileErr *backend.CompileError
	require.ErrorAs(t, err, &compileErr)
	require.Contains(t, compileErr.Output, "error[E0425]")

	require.NotNil(t, result.Workspace)
	require.Nil(t, result.Build)
	require.NotEmpty(t, result.Samples)
}

func TestRunProveRuntimeFailure(t *testing.T) {
	cargo := writeFakeCargo(t, `#!/bin/sh
[ "$1" = "--version" ] && { echo "cargo 1.75.0 (fake)"; exit 0; }
[ "$1" = "build" ] && exit 0
exit 101
`)
	r := newTestRunner(t, workspace.SP1, cargo, nil)

	_, err := r.Run(context.Background(), sortingProgram(t), Options{})
	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseProve, phaseErr.Phase)

	var runtimeErr *backend.ProveRuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	require.Equal(t, 101, runtimeErr.ExitCode)
}

func TestRunLocalVerificationRejection(t *testing.T) {
	cargo := writeFakeCargo(t, `#!/bin/sh
[ "$1" = "--version" ] && { echo "cargo 1.75.0 (fake)"; exit 0; }
[ "$1" = "build" ] && exit 0
dir="$4"
[ "$5" = "verify" ] && exit 101
printf 'receipt-bytes' > "$dir/sp1.proof"
printf 'public-bytes' > "$dir/sp1.pub"
printf '0x1234abcd' > "$dir/sp1.vk"
exit 0
`)
	r := newTestRunner(t, workspace.SP1, cargo, nil)

	result, err := r.Run(context.Background(), sortingProgram(t), Options{})
	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseVerify, phaseErr.Phase)
	require.Contains(t, err.Error(), "local verification")

	// The proof artifact was produced even though verification rejected it.
	require.NotNil(t, result.Artifact)
}

func TestRunProveTimeout(t *testing.T) {
	cargo := writeFakeCargo(t, `#!/bin/sh
[ "$1" = "--version" ] && { echo "cargo 1.75.0 (fake)"; exit 0; }
[ "$1" = "build" ] && exit 0
exec sleep 30
`)
	r := newTestRunner(t, workspace.SP1, cargo, nil)

	start := time.Now()
	_, err := r.Run(context.Background(), sortingProgram(t), Options{ProveTimeout: 100 * time.Millisecond})
	require.Less(t, time.Since(start), 10*time.Second)

	var phaseErr *PhaseError
	require.ErrorAs(t, err, &phaseErr)
	require.Equal(t, PhaseProve, phaseErr.Phase)

	var timeoutErr *backend.ProveTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
}

func TestRunWithoutTelemetry(t *testing.T) {
	cargo := writeFakeCargo(t, fakeSP1Toolchain)
	r := newTestRunner(t, workspace.SP1, cargo, nil)

	result, err := r.Run(context.Background(), sortingProgram(t), Options{})
	require.NoError(t, err)
	require.Empty(t, result.Samples)
}

func TestPhaseErrorUnwraps(t *testing.T) {
	inner := errors.New("boom")
	err := &PhaseError{Phase: PhaseBuild, Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "build")
}
