// Package runner drives one proving run end to end against a single
// backend: toolchain probe, workspace materialization, host build, proof
// generation, and local re-verification, with resource telemetry wrapped
// around the build and prove phases.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"zkpipe/pkg/backend"
	"zkpipe/pkg/guest"
	"zkpipe/pkg/telemetry"
	"zkpipe/pkg/workspace"
)

// Phase names used for failure attribution throughout the pipeline. Submit
// and poll belong to the orchestration layer but share the taxonomy.
const (
	PhaseProbe       = "probe"
	PhaseMaterialize = "materialize"
	PhaseBuild       = "build"
	PhaseProve       = "prove"
	PhaseVerify      = "verify"
	PhaseSubmit      = "submit"
	PhasePoll        = "poll"
)

// PhaseError tags a pipeline failure with the phase it happened in.
type PhaseError struct {
	Phase string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// Options configure one run.
type Options struct {
	Precompiles  bool
	GPU          bool
	BuildTimeout time.Duration
	ProveTimeout time.Duration
}

// Result carries everything a completed run produced. On failure the
// phases that did complete are still populated, and Samples holds the
// partial telemetry gathered up to the failure.
type Result struct {
	Workspace *workspace.Workspace
	Build     *backend.BuildOutput
	Artifact  *backend.ProofArtifact

	MaterializeDuration time.Duration
	VerifyDuration      time.Duration

	Samples []telemetry.Sample
}

// Runner wires a workspace materializer, one backend driver, and a
// telemetry collector into a pipeline.
type Runner struct {
	materializer *workspace.Materializer
	driver       backend.Driver
	collector    *telemetry.Collector
}

// New builds a runner. A nil collector disables telemetry.
func New(materializer *workspace.Materializer, driver backend.Driver, collector *telemetry.Collector) *Runner {
	if collector == nil {
		collector = telemetry.Disabled()
	}
	return &Runner{materializer: materializer, driver: driver, collector: collector}
}

// Backend returns the tag of the driver this runner proves with.
func (r *Runner) Backend() workspace.Backend {
	return r.driver.Tag()
}

// Run executes the pipeline for one guest program. Failures short-circuit
// and come back as a PhaseError; the returned Result is non-nil either way
// so callers can report partial telemetry and phase outputs.
func (r *Runner) Run(ctx context.Context, prog *guest.Program, opts Options) (*Result, error) {
	result := &Result{}
	tag := r.driver.Tag()

	if err := r.driver.Probe(ctx); err != nil {
		return result, &PhaseError{Phase: PhaseProbe, Err: err}
	}

	log.Info().
		Str("program", prog.Name).
		Str("backend", string(tag)).
		Msg("Starting proving run")

	setupStart := time.Now()
	ws, err := r.materializer.Materialize(prog, tag, workspace.Options{Precompiles: opts.Precompiles})
	if err != nil {
		return result, &PhaseError{Phase: PhaseMaterialize, Err: err}
	}
	result.Workspace = ws
	result.MaterializeDuration = time.Since(setupStart)

	bopts := backend.Options{
		GPU:          opts.GPU,
		BuildTimeout: opts.BuildTimeout,
		ProveTimeout: opts.ProveTimeout,
	}

	r.collector.Start(ctx, telemetry.PhaseBuild)
	build, err := r.driver.Build(ctx, ws, bopts)
	if err != nil {
		result.Samples = r.collector.Stop()
		return result, &PhaseError{Phase: PhaseBuild, Err: err}
	}
	result.Build = build

	r.collector.Start(ctx, telemetry.PhaseProve)
	artifact, err := r.driver.Prove(ctx, ws, build, bopts)
	result.Samples = r.collector.Stop()
	if err != nil {
		return result, &PhaseError{Phase: PhaseProve, Err: err}
	}
	result.Artifact = artifact

	verifyStart := time.Now()
	ok, err := r.driver.Verify(ctx, ws, artifact)
	result.VerifyDuration = time.Since(verifyStart)
	if err != nil {
		return result, &PhaseError{Phase: PhaseVerify, Err: err}
	}
	if !ok {
		return result, &PhaseError{Phase: PhaseVerify, Err: fmt.Errorf("proof failed local verification")}
	}

	log.Info().
		Str("program", prog.Name).
		Str("backend", string(tag)).
		Dur("build", build.Duration).
		Dur("prove", artifact.ProveDuration).
		Int64("proof_bytes", artifact.SizeBytes).
		Msg("Proving run complete")
	return result, nil
}
