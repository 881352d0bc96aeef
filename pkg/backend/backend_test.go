package backend

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

	"zkpipe/pkg/workspace"
)

func init() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// writeFakeCargo installs a shell script standing in for the cargo binary.
func writeFakeCargo(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cargo")
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}

func testWorkspace(t *testing.T, tag workspace.Backend) *workspace.Workspace {
	t.Helper()
	root := t.TempDir()
	ws := &workspace.Workspace{
		Backend:     tag,
		Root:        root,
		GuestDir:    filepath.Join(root, "guest"),
		HostDir:     filepath.Join(root, "host"),
		ArtifactDir: filepath.Join(root, "artifacts"),
		Fingerprint: "test",
	}
	require.NoError(t, os.MkdirAll(ws.HostDir, 0755))
	require.NoError(t, os.MkdirAll(ws.ArtifactDir, 0755))
	return ws
}

func TestForBackend(t *testing.T) {
	d, err := ForBackend(workspace.SP1, "cargo")
	require.NoError(t, err)
	require.Equal(t, workspace.SP1, d.Tag())

	d, err = ForBackend(workspace.RISC0, "cargo")
	require.NoError(t, err)
	require.Equal(t, workspace.RISC0, d.Tag())

	_, err = ForBackend("plonky", "cargo")
	require.Error(t, err)
}

func TestProbeMissingToolchain(t *testing.T) {
	d := NewSP1Driver(filepath.Join(t.TempDir(), "no-such-cargo"))
	err := d.Probe(context.Background())
	require.ErrorIs(t, err, ErrToolchainMissing)
}

func TestProbeBrokenToolchain(t *testing.T) {
	cargo := writeFakeCargo(t, "#!/bin/sh\nexit 7\n")
	err := NewSP1Driver(cargo).Probe(context.Background())
	require.ErrorIs(t, err, ErrToolchainMissing)
}

func TestProbe(t *testing.T) {
	cargo := writeFakeCargo(t, "#!/bin/sh\necho 'cargo 1.75.0 (fake)'\n")
	require.NoError(t, NewSP1Driver(cargo).Probe(context.Background()))
}

func TestBuildCompileError(t *testing.T) {
	cargo := writeFakeCargo(t, `#!/bin/sh
if [ "$1" = "build" ]; then
  echo "error[E0425]: cannot find value" >&2
  exit 1
fi
exit 0
`)
	ws := testWorkspace(t, workspace.SP1)
	_, err := NewSP1Driver(cargo).Build(context.Background(), ws, Options{})

	var compileErr *CompileError
	require.ErrorAs(t, err, &compileErr)
	require.Equal(t, workspace.SP1, compileErr.Backend)
	require.Equal(t, 1, compileErr.ExitCode)
	require.Contains(t, compileErr.Output, "error[E0425]")
}

const fakeSP1Prover = `#!/bin/sh
[ "$1" = "build" ] && exit 0
dir="$4"
mkdir -p "$dir"
printf 'receipt-bytes' > "$dir/sp1.proof"
printf 'public-bytes' > "$dir/sp1.pub"
printf '0x1234abcd' > "$dir/sp1.vk"
cat > "$dir/sp1_metrics.json" <<'EOF'
{
  "cycles": 42,
  "num_segments": 2,
  "core_proof_size": 1024,
  "recursive_proof_size": 256,
  "core_prove_duration": {"secs": 1, "nanos": 500000000},
  "core_verify_duration": {"secs": 0, "nanos": 250000000},
  "compress_prove_duration": {"secs": 2, "nanos": 0},
  "compress_verify_duration": {"secs": 0, "nanos": 0}
}
EOF
exit 0
`

func TestProveCollectsArtifact(t *testing.T) {
	cargo := writeFakeCargo(t, fakeSP1Prover)
	ws := testWorkspace(t, workspace.SP1)
	d := NewSP1Driver(cargo)

	build, err := d.Build(context.Background(), ws, Options{})
	require.NoError(t, err)

	artifact, err := d.Prove(context.Background(), ws, build, Options{})
	require.NoError(t, err)
	require.Equal(t, workspace.SP1, artifact.Backend)
	require.Equal(t, []byte("receipt-bytes"), artifact.Receipt)
	require.Equal(t, []byte("public-bytes"), artifact.PublicOutput)
	require.Equal(t, "0x1234abcd", artifact.VerifyingKeyID)
	require.Equal(t, int64(len("receipt-bytes")), artifact.SizeBytes)
	require.NotZero(t, artifact.ProveDuration)

	require.Equal(t, uint64(42), artifact.Metrics.Cycles)
	require.Equal(t, uint64(2), artifact.Metrics.Segments)
	require.Equal(t, int64(1024), artifact.Metrics.CoreProofSize)
	require.Equal(t, int64(256), artifact.Metrics.RecursiveProofSize)
	require.Equal(t, 1500*time.Millisecond, artifact.Metrics.CoreProveDuration)
	require.Equal(t, 250*time.Millisecond, artifact.Metrics.CoreVerifyDuration)
	require.Equal(t, 2*time.Second, artifact.Metrics.CompressProveDuration)
}

func TestProveRISC0EncodesImageID(t *testing.T) {
	cargo := writeFakeCargo(t, `#!/bin/sh
[ "$1" = "build" ] && exit 0
dir="$4"
mkdir -p "$dir"
printf 'receipt' > "$dir/risc0.proof"
printf 'journal' > "$dir/risc0_pub_input.pub"
printf '\001\002\003\004' > "$dir/risc0.imageid"
exit 0
`)
	ws := testWorkspace(t, workspace.RISC0)
	artifact, err := NewRISC0Driver(cargo).Prove(context.Background(), ws, nil, Options{})
	require.NoError(t, err)
	require.Equal(t, "0x01020304", artifact.VerifyingKeyID)

	// No metrics file written: durations survive, counters stay zero.
	require.Zero(t, artifact.Metrics.Cycles)
	require.NotZero(t, artifact.ProveDuration)
}

func TestProveMissingReceipt(t *testing.T) {
	cargo := writeFakeCargo(t, "#!/bin/sh\nexit 0\n")
	ws := testWorkspace(t, workspace.SP1)
	_, err := NewSP1Driver(cargo).Prove(context.Background(), ws, nil, Options{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "without writing sp1.proof")
}

func TestProveRuntimeErrorDecoding(t *testing.T) {
	cargo := writeFakeCargo(t, "#!/bin/sh\n[ \"$1\" = \"run\" ] && exit 101\nexit 0\n")
	ws := testWorkspace(t, workspace.SP1)
	_, err := NewSP1Driver(cargo).Prove(context.Background(), ws, nil, Options{})

	var runtimeErr *ProveRuntimeError
	require.ErrorAs(t, err, &runtimeErr)
	require.Equal(t, exitVerifyFailed, runtimeErr.ExitCode)
	require.Contains(t, runtimeErr.Reason, "verification failed")
}

func TestProveTimeout(t *testing.T) {
	cargo := writeFakeCargo(t, "#!/bin/sh\nexec sleep 30\n")
	ws := testWorkspace(t, workspace.SP1)
	start := time.Now()
	_, err := NewSP1Driver(cargo).Prove(context.Background(), ws, nil, Options{ProveTimeout: 100 * time.Millisecond})

	var timeoutErr *ProveTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	require.Equal(t, 100*time.Millisecond, timeoutErr.After)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestProveContextCancelled(t *testing.T) {
	cargo := writeFakeCargo(t, "#!/bin/sh\nexec sleep 30\n")
	ws := testWorkspace(t, workspace.SP1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := NewSP1Driver(cargo).Prove(ctx, ws, nil, Options{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestProveGPUFlags(t *testing.T) {
	cargo := writeFakeCargo(t, `#!/bin/sh
[ "$1" = "build" ] && exit 0
dir=""
seen=""
for a in "$@"; do
  if [ -n "$seen" ] && [ -z "$dir" ]; then dir="$a"; fi
  [ "$a" = "--" ] && seen=1
done
mkdir -p "$dir"
echo "$@" > "$dir/args.txt"
echo "$SP1_PROVER" > "$dir/env.txt"
printf 'r' > "$dir/sp1.proof"
printf 'p' > "$dir/sp1.pub"
printf 'vk' > "$dir/sp1.vk"
exit 0
`)
	ws := testWorkspace(t, workspace.SP1)
	_, err := NewSP1Driver(cargo).Prove(context.Background(), ws, nil, Options{GPU: true})
	require.NoError(t, err)

	args, err := os.ReadFile(filepath.Join(ws.ArtifactDir, "args.txt"))
	require.NoError(t, err)
	require.Contains(t, string(args), "--features cuda")

	env, err := os.ReadFile(filepath.Join(ws.ArtifactDir, "env.txt"))
	require.NoError(t, err)
	require.Equal(t, "cuda\n", string(env))
}

func TestVerify(t *testing.T) {
	artifact := &ProofArtifact{Backend: workspace.SP1}

	cases := []struct {
		name   string
		script string
		ok     bool
		hasErr bool
	}{
		{"valid", "#!/bin/sh\n[ \"$5\" = \"verify\" ] && exit 0\nexit 0\n", true, false},
		{"invalid", "#!/bin/sh\n[ \"$5\" = \"verify\" ] && exit 101\nexit 0\n", false, false},
		{"broken", "#!/bin/sh\n[ \"$5\" = \"verify\" ] && exit 3\nexit 0\n", false, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cargo := writeFakeCargo(t, tc.script)
			ws := testWorkspace(t, workspace.SP1)
			ok, err := NewSP1Driver(cargo).Verify(context.Background(), ws, artifact)
			require.Equal(t, tc.ok, ok)
			if tc.hasErr {
				var verifyErr *VerifyError
				require.ErrorAs(t, err, &verifyErr)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestVerifyBackendMismatch(t *testing.T) {
	cargo := writeFakeCargo(t, "#!/bin/sh\nexit 0\n")
	ws := testWorkspace(t, workspace.SP1)
	_, err := NewSP1Driver(cargo).Verify(context.Background(), ws, &ProofArtifact{Backend: workspace.RISC0})
	require.Error(t, err)
	require.False(t, errors.Is(err, ErrToolchainMissing))
}

func TestExportCopiesArtifactFiles(t *testing.T) {
	cargo := writeFakeCargo(t, fakeSP1Prover)
	ws := testWorkspace(t, workspace.SP1)
	artifact, err := NewSP1Driver(cargo).Prove(context.Background(), ws, nil, Options{})
	require.NoError(t, err)

	dst := filepath.Join(t.TempDir(), "proof_data", "sp1")
	require.NoError(t, artifact.Export(dst))

	for _, name := range []string{"sp1.proof", "sp1.pub", "sp1.vk", "sp1_metrics.json"} {
		src, err := os.ReadFile(filepath.Join(ws.ArtifactDir, name))
		require.NoError(t, err)
		got, err := os.ReadFile(filepath.Join(dst, name))
		require.NoError(t, err)
		require.Equal(t, src, got, name)
	}

	// Re-export overwrites in place.
	require.NoError(t, artifact.Export(dst))
}

func TestExportWithoutDir(t *testing.T) {
	err := (&ProofArtifact{}).Export(t.TempDir())
	require.Error(t, err)
}
