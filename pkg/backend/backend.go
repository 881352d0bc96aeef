// Package backend drives zkVM proving toolchains through the generated host
// crates. Each backend exposes the same four operations so the pipeline can
// treat SP1 and RISC0 as interchangeable: probe the toolchain, build the
// workspace, run the prover, and re-verify a saved proof.
package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"zkpipe/pkg/workspace"
)

const (
	probeTimeout  = 30 * time.Second
	verifyTimeout = 15 * time.Minute
)

// Options select per-run driver behavior.
type Options struct {
	// GPU builds and runs the host with the backend's CUDA feature.
	GPU          bool
	BuildTimeout time.Duration
	ProveTimeout time.Duration
}

// Driver is the uniform backend contract. Implementations differ only in
// toolchain configuration and artifact naming.
type Driver interface {
	Tag() workspace.Backend
	Probe(ctx context.Context) error
	Build(ctx context.Context, ws *workspace.Workspace, opts Options) (*BuildOutput, error)
	Prove(ctx context.Context, ws *workspace.Workspace, build *BuildOutput, opts Options) (*ProofArtifact, error)
	Verify(ctx context.Context, ws *workspace.Workspace, artifact *ProofArtifact) (bool, error)
}

// ForBackend returns the driver for tag, running cargo from cargoBin.
func ForBackend(tag workspace.Backend, cargoBin string) (Driver, error) {
	switch tag {
	case workspace.SP1:
		return NewSP1Driver(cargoBin), nil
	case workspace.RISC0:
		return NewRISC0Driver(cargoBin), nil
	}
	return nil, fmt.Errorf("unknown backend %q", tag)
}

// BuildOutput summarizes a completed workspace build.
type BuildOutput struct {
	Duration time.Duration
	ELFPath  string
	ELFSize  int64
}

// ProverMetrics are the host driver's own measurements, read from the
// metrics JSON it writes next to the proof.
type ProverMetrics struct {
	Cycles                 uint64
	Segments               uint64
	CoreProofSize          int64
	RecursiveProofSize     int64
	CoreProveDuration      time.Duration
	CoreVerifyDuration     time.Duration
	CompressProveDuration  time.Duration
	CompressVerifyDuration time.Duration
}

// ProofArtifact is the output of a successful proving run. It is never
// mutated after collection.
type ProofArtifact struct {
	Backend        workspace.Backend
	Receipt        []byte
	PublicOutput   []byte
	VerifyingKeyID string
	SizeBytes      int64
	BuildDuration  time.Duration
	ProveDuration  time.Duration
	Metrics        ProverMetrics

	// Dir is the artifact directory the host driver wrote into.
	Dir string
}

// Export copies the artifact files into dst, keeping their names. dst is
// created if needed; existing files are overwritten.
func (a *ProofArtifact) Export(dst string) error {
	if a.Dir == "" {
		return fmt.Errorf("artifact has no source directory")
	}
	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %v", err)
	}
	entries, err := os.ReadDir(a.Dir)
	if err != nil {
		return fmt.Errorf("failed to read artifact directory: %v", err)
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.Dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read artifact %s: %v", entry.Name(), err)
		}
		if err := os.WriteFile(filepath.Join(dst, entry.Name()), data, 0644); err != nil {
			return fmt.Errorf("failed to export artifact %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// artifactFiles names the files a backend's host driver writes. rawVKID
// marks key-id files holding raw bytes that need hex encoding.
type artifactFiles struct {
	receipt string
	public  string
	vkID    string
	metrics string
	rawVKID bool
}

func probeToolchain(ctx context.Context, cargo string, tag workspace.Backend) error {
	if _, err := exec.LookPath(cargo); err != nil {
		return fmt.Errorf("%w: %s", ErrToolchainMissing, cargo)
	}
	res, err := runCommand(ctx, command{bin: cargo, args: []string{"--version"}, timeout: probeTimeout})
	if err != nil {
		return fmt.Errorf("failed to probe %s toolchain: %v", tag, err)
	}
	if res.timedOut || res.exitCode != 0 {
		return fmt.Errorf("%w: %s --version exited with code %d", ErrToolchainMissing, cargo, res.exitCode)
	}
	log.Debug().
		Str("backend", string(tag)).
		Str("version", strings.TrimSpace(res.output)).
		Msg("Toolchain probe succeeded")
	return nil
}

func buildHost(ctx context.Context, cargo string, ws *workspace.Workspace, opts Options) (*BuildOutput, error) {
	args := []string{"build", "--release"}
	if opts.GPU {
		args = append(args, "--features", "cuda")
	}

	log.Info().Str("backend", string(ws.Backend)).Str("dir", ws.HostDir).Msg("Building host and guest crates")
	res, err := runCommand(ctx, command{bin: cargo, args: args, dir: ws.HostDir, timeout: opts.BuildTimeout})
	if err != nil {
		return nil, err
	}
	if res.timedOut {
		return nil, fmt.Errorf("%s build timed out after %s", ws.Backend, opts.BuildTimeout)
	}
	if res.exitCode != 0 {
		return nil, &CompileError{Backend: ws.Backend, ExitCode: res.exitCode, Output: res.output}
	}

	log.Info().Str("backend", string(ws.Backend)).Dur("duration", res.duration).Msg("Build finished")
	return &BuildOutput{Duration: res.duration}, nil
}

func proveHost(ctx context.Context, cargo string, ws *workspace.Workspace, build *BuildOutput, opts Options, env []string, files artifactFiles) (*ProofArtifact, error) {
	args := []string{"run", "--release"}
	if opts.GPU {
		args = append(args, "--features", "cuda")
	}
	args = append(args, "--", ws.ArtifactDir)

	log.Info().Str("backend", string(ws.Backend)).Bool("gpu", opts.GPU).Msg("Generating proof")
	res, err := runCommand(ctx, command{bin: cargo, args: args, dir: ws.HostDir, env: env, timeout: opts.ProveTimeout})
	if err != nil {
		return nil, err
	}
	if res.timedOut {
		return nil, &ProveTimeoutError{Backend: ws.Backend, After: opts.ProveTimeout}
	}
	if res.exitCode != 0 {
		return nil, &ProveRuntimeError{
			Backend:  ws.Backend,
			ExitCode: res.exitCode,
			Reason:   decodeExitReason(res.exitCode),
			Output:   res.output,
		}
	}

	var buildDuration time.Duration
	if build != nil {
		buildDuration = build.Duration
	}
	artifact, err := collectArtifact(ws, files, buildDuration, res.duration)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("backend", string(ws.Backend)).
		Dur("duration", res.duration).
		Int64("proof_bytes", artifact.SizeBytes).
		Str("vk_id", artifact.VerifyingKeyID).
		Msg("Proof generated")
	return artifact, nil
}

func verifyHost(ctx context.Context, cargo string, ws *workspace.Workspace, artifact *ProofArtifact, tag workspace.Backend) (bool, error) {
	if artifact.Backend != tag {
		return false, fmt.Errorf("artifact backend %s does not match driver %s", artifact.Backend, tag)
	}

	args := []string{"run", "--release", "--", ws.ArtifactDir, "verify"}
	res, err := runCommand(ctx, command{bin: cargo, args: args, dir: ws.HostDir, timeout: verifyTimeout})
	if err != nil {
		return false, err
	}
	if res.timedOut {
		return false, fmt.Errorf("%s verification timed out after %s", tag, verifyTimeout)
	}

	switch res.exitCode {
	case 0:
		log.Info().Str("backend", string(tag)).Msg("Proof verified")
		return true, nil
	case exitVerifyFailed:
		log.Warn().Str("backend", string(tag)).Msg("Proof verification failed")
		return false, nil
	}
	return false, &VerifyError{Backend: tag, Output: res.output}
}

// rustDuration mirrors the serde encoding of std::time::Duration.
type rustDuration struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

func (d rustDuration) Duration() time.Duration {
	return time.Duration(d.Secs)*time.Second + time.Duration(d.Nanos)
}

// hostMetrics mirrors the metrics JSON both host drivers write.
type hostMetrics struct {
	Cycles                 uint64       `json:"cycles"`
	NumSegments            uint64       `json:"num_segments"`
	CoreProofSize          int64        `json:"core_proof_size"`
	RecursiveProofSize     int64        `json:"recursive_proof_size"`
	CoreProveDuration      rustDuration `json:"core_prove_duration"`
	CoreVerifyDuration     rustDuration `json:"core_verify_duration"`
	CompressProveDuration  rustDuration `json:"compress_prove_duration"`
	CompressVerifyDuration rustDuration `json:"compress_verify_duration"`
}

func collectArtifact(ws *workspace.Workspace, files artifactFiles, buildDuration, proveDuration time.Duration) (*ProofArtifact, error) {
	receipt, err := os.ReadFile(filepath.Join(ws.ArtifactDir, files.receipt))
	if err != nil {
		return nil, fmt.Errorf("prover finished without writing %s: %v", files.receipt, err)
	}
	public, err := os.ReadFile(filepath.Join(ws.ArtifactDir, files.public))
	if err != nil {
		return nil, fmt.Errorf("prover finished without writing %s: %v", files.public, err)
	}
	vkRaw, err := os.ReadFile(filepath.Join(ws.ArtifactDir, files.vkID))
	if err != nil {
		return nil, fmt.Errorf("prover finished without writing %s: %v", files.vkID, err)
	}
	vkID := strings.TrimSpace(string(vkRaw))
	if files.rawVKID {
		vkID = hexutil.Encode(vkRaw)
	}

	artifact := &ProofArtifact{
		Backend:        ws.Backend,
		Receipt:        receipt,
		PublicOutput:   public,
		VerifyingKeyID: vkID,
		SizeBytes:      int64(len(receipt)),
		BuildDuration:  buildDuration,
		ProveDuration:  proveDuration,
		Dir:            ws.ArtifactDir,
	}

	metricsPath := filepath.Join(ws.ArtifactDir, files.metrics)
	data, err := os.ReadFile(metricsPath)
	if err != nil {
		log.Warn().Str("path", metricsPath).Msg("Prover metrics missing, keeping durations only")
		return artifact, nil
	}
	var m hostMetrics
	if err := json.Unmarshal(data, &m); err != nil {
		log.Warn().Err(err).Str("path", metricsPath).Msg("Failed to parse prover metrics")
		return artifact, nil
	}

	artifact.Metrics = ProverMetrics{
		Cycles:                 m.Cycles,
		Segments:               m.NumSegments,
		CoreProofSize:          m.CoreProofSize,
		RecursiveProofSize:     m.RecursiveProofSize,
		CoreProveDuration:      m.CoreProveDuration.Duration(),
		CoreVerifyDuration:     m.CoreVerifyDuration.Duration(),
		CompressProveDuration:  m.CompressProveDuration.Duration(),
		CompressVerifyDuration: m.CompressVerifyDuration.Duration(),
	}
	return artifact, nil
}
