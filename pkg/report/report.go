// Package report assembles the per-run JSON artifact: program metadata,
// phase timings, prover metrics, resource telemetry, and the submission
// outcome, written under the telemetry directory with the run's status in
// the filename.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"zkpipe/pkg/agglayer"
	"zkpipe/pkg/backend"
	"zkpipe/pkg/guest"
	"zkpipe/pkg/telemetry"
	"zkpipe/pkg/workspace"
)

// ProgramInfo identifies the guest program a run proved.
type ProgramInfo struct {
	Path         string         `json:"path"`
	Name         string         `json:"name"`
	AbsolutePath string         `json:"absolute_path,omitempty"`
	Cargo        guest.Manifest `json:"cargo_metadata"`
}

// Timings are the orchestration-level phase durations in milliseconds.
type Timings struct {
	WorkspaceSetupMS int64 `json:"workspace_setup_ms"`
	BuildMS          int64 `json:"build_ms"`
	ProveMS          int64 `json:"prove_ms"`
	VerifyMS         int64 `json:"verify_ms,omitempty"`
	TotalMS          int64 `json:"total_ms"`
}

// ProverStats are the zkVM-level figures the host driver measured.
type ProverStats struct {
	Cycles             uint64  `json:"cycles,omitempty"`
	Segments           uint64  `json:"num_segments,omitempty"`
	CoreProofSize      int64   `json:"core_proof_size,omitempty"`
	RecursiveProofSize int64   `json:"recursive_proof_size,omitempty"`
	ExecutionSpeed     float64 `json:"execution_speed,omitempty"`

	CoreProveMS      int64 `json:"core_prove_ms,omitempty"`
	CoreVerifyMS     int64 `json:"core_verify_ms,omitempty"`
	CompressProveMS  int64 `json:"compress_prove_ms,omitempty"`
	CompressVerifyMS int64 `json:"compress_verify_ms,omitempty"`
}

// ArtifactSummary describes the proof files a run produced.
type ArtifactSummary struct {
	ProofSizeBytes int64  `json:"proof_size_bytes"`
	ELFSizeBytes   int64  `json:"elf_size_bytes,omitempty"`
	VerifyingKeyID string `json:"verifying_key_id"`
	Dir            string `json:"dir,omitempty"`
}

// RunReport is the one JSON document written per run, success or failure.
type RunReport struct {
	Program            ProgramInfo `json:"program"`
	Backend            string      `json:"backend"`
	PrecompilesEnabled bool        `json:"precompiles_enabled"`
	GPUEnabled         bool        `json:"gpu_enabled"`

	Status       string `json:"status"`
	FailurePhase string `json:"failure_phase,omitempty"`
	Error        string `json:"error,omitempty"`

	Timings    Timings                     `json:"timings"`
	Prover     *ProverStats                `json:"prover_metrics,omitempty"`
	Artifact   *ArtifactSummary            `json:"artifact,omitempty"`
	Submission *agglayer.SubmissionReceipt `json:"submission,omitempty"`
	Resources  *telemetry.Summary          `json:"resources,omitempty"`
	Samples    []telemetry.Sample          `json:"samples,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// New starts a report for one run. The status begins as succeeded and is
// downgraded by Fail.
func New(prog *guest.Program, tag workspace.Backend, precompiles, gpu bool) *RunReport {
	info := ProgramInfo{
		Path:  prog.Dir,
		Name:  prog.Name,
		Cargo: prog.Manifest,
	}
	if abs, err := filepath.Abs(prog.Dir); err == nil {
		info.AbsolutePath = abs
	}
	return &RunReport{
		Program:            info,
		Backend:            string(tag),
		PrecompilesEnabled: precompiles,
		GPUEnabled:         gpu,
		Status:             StatusSucceeded,
		CreatedAt:          time.Now(),
	}
}

// AttachArtifact records the proof outcome and the prover's own metrics.
func (r *RunReport) AttachArtifact(artifact *backend.ProofArtifact, build *backend.BuildOutput) {
	r.Timings.BuildMS = artifact.BuildDuration.Milliseconds()
	r.Timings.ProveMS = artifact.ProveDuration.Milliseconds()

	summary := &ArtifactSummary{
		ProofSizeBytes: artifact.SizeBytes,
		VerifyingKeyID: artifact.VerifyingKeyID,
		Dir:            artifact.Dir,
	}
	if build != nil {
		summary.ELFSizeBytes = build.ELFSize
	}
	r.Artifact = summary
	r.Prover = proverStats(artifact.Metrics, artifact.ProveDuration)
}

func proverStats(m backend.ProverMetrics, prove time.Duration) *ProverStats {
	stats := &ProverStats{
		Cycles:             m.Cycles,
		Segments:           m.Segments,
		CoreProofSize:      m.CoreProofSize,
		RecursiveProofSize: m.RecursiveProofSize,
		CoreProveMS:        m.CoreProveDuration.Milliseconds(),
		CoreVerifyMS:       m.CoreVerifyDuration.Milliseconds(),
		CompressProveMS:    m.CompressProveDuration.Milliseconds(),
		CompressVerifyMS:   m.CompressVerifyDuration.Milliseconds(),
	}
	if m.Cycles > 0 && prove > 0 {
		stats.ExecutionSpeed = float64(m.Cycles) / prove.Seconds()
	}
	return stats
}

// AttachTelemetry records the resource samples gathered during the run.
// Partial sequences from failed runs attach the same way.
func (r *RunReport) AttachTelemetry(samples []telemetry.Sample) {
	if len(samples) == 0 {
		return
	}
	summary := telemetry.Summarize(samples)
	r.Resources = &summary
	r.Samples = samples
}

// Fail downgrades the report with phase attribution. The first failure
// wins.
func (r *RunReport) Fail(phase string, err error) {
	if r.Status == StatusFailed {
		return
	}
	r.Status = StatusFailed
	r.FailurePhase = phase
	if err != nil {
		r.Error = err.Error()
	}
}

// Filename follows the telemetry artifact convention: failed runs carry a
// failed marker between the program name and the timestamp.
func (r *RunReport) Filename() string {
	name := r.Program.Cargo.PackageName
	if name == "" {
		name = r.Program.Name
	}
	if name == "" {
		name = "unknown"
	}
	stamp := r.CreatedAt.Format("20060102_150405")
	if r.Status == StatusFailed {
		return fmt.Sprintf("%s_telemetry_%s_failed_%s.json", r.Backend, name, stamp)
	}
	return fmt.Sprintf("%s_telemetry_%s_%s.json", r.Backend, name, stamp)
}

// Write stores the report under dir and returns the written path.
func (r *RunReport) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create telemetry directory: %v", err)
	}

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode run report: %v", err)
	}

	path := filepath.Join(dir, r.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write run report: %v", err)
	}

	log.Info().Str("path", path).Str("status", r.Status).Msg("Run report saved")
	return path, nil
}
