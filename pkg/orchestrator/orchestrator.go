// Package orchestrator sequences a full pipeline invocation: the proving
// run, optional submission to the aggregation layer with poll-to-terminal
// and inclusion re-verification, the run report, and the run ledger.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"zkpipe/pkg/agglayer"
	"zkpipe/pkg/backend"
	"zkpipe/pkg/guest"
	"zkpipe/pkg/ledger"
	"zkpipe/pkg/report"
	"zkpipe/pkg/runner"
)

// Config wires the orchestrator's collaborators. Runner is required; a nil
// Client disables submission, a nil Ledger disables run history, an empty
// ReportDir disables the report file.
type Config struct {
	Runner       *runner.Runner
	Client       *agglayer.Client
	Ledger       *ledger.Ledger
	ReportDir    string
	PollDeadline time.Duration
}

// Options select per-run behavior.
type Options struct {
	runner.Options

	// Submit sends the proof to the aggregation layer after local
	// verification succeeds.
	Submit bool
}

// Outcome is everything one Execute call produced.
type Outcome struct {
	Result       *runner.Result
	Report       *report.RunReport
	ReportPath   string
	SubmissionID string
	Receipt      *agglayer.SubmissionReceipt
	RunID        string
}

type Orchestrator struct {
	runner       *runner.Runner
	client       *agglayer.Client
	ledger       *ledger.Ledger
	reportDir    string
	pollDeadline time.Duration
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Runner == nil {
		return nil, fmt.Errorf("orchestrator requires a runner")
	}
	deadline := cfg.PollDeadline
	if deadline <= 0 {
		deadline = 10 * time.Minute
	}
	return &Orchestrator{
		runner:       cfg.Runner,
		client:       cfg.Client,
		ledger:       cfg.Ledger,
		reportDir:    cfg.ReportDir,
		pollDeadline: deadline,
	}, nil
}

// Execute runs the pipeline for one guest program. The report and ledger
// are written for failed runs too; the first failure determines the
// returned error and the report's phase attribution.
func (o *Orchestrator) Execute(ctx context.Context, prog *guest.Program, opts Options) (*Outcome, error) {
	start := time.Now()
	rep := report.New(prog, o.runner.Backend(), opts.Precompiles, opts.GPU)
	outcome := &Outcome{Report: rep}

	result, runErr := o.runner.Run(ctx, prog, opts.Options)
	outcome.Result = result
	rep.Timings.WorkspaceSetupMS = result.MaterializeDuration.Milliseconds()
	rep.Timings.VerifyMS = result.VerifyDuration.Milliseconds()
	rep.AttachTelemetry(result.Samples)

	var finalErr error
	if runErr != nil {
		var phaseErr *runner.PhaseError
		if errors.As(runErr, &phaseErr) {
			rep.Fail(phaseErr.Phase, phaseErr.Err)
		} else {
			rep.Fail("run", runErr)
		}
		finalErr = runErr
	} else {
		rep.AttachArtifact(result.Artifact, result.Build)
		if opts.Submit && o.client != nil {
			receipt, submissionID, settleErr := o.settle(ctx, result.Artifact)
			outcome.SubmissionID = submissionID
			if receipt != nil {
				outcome.Receipt = receipt
				rep.Submission = receipt
			}
			if settleErr != nil {
				rep.Fail(settleErr.Phase, settleErr.Err)
				finalErr = settleErr
			}
		}
	}
	rep.Timings.TotalMS = time.Since(start).Milliseconds()

	if o.reportDir != "" {
		path, err := rep.Write(o.reportDir)
		if err != nil {
			if finalErr == nil {
				finalErr = err
			} else {
				log.Error().Err(err).Msg("Failed to write run report")
			}
		}
		outcome.ReportPath = path
	}

	o.record(ctx, prog, opts, rep, result, outcome)
	return outcome, finalErr
}

// settle drives a proof through the aggregation layer to a terminal
// status. A timed_out receipt is an outcome, not an error; an inclusion
// that fails local re-verification is an error attributed to the poll
// stage.
func (o *Orchestrator) settle(ctx context.Context, artifact *backend.ProofArtifact) (*agglayer.SubmissionReceipt, string, *runner.PhaseError) {
	submissionID, err := o.client.Submit(ctx, artifact)
	if err != nil {
		return nil, "", &runner.PhaseError{Phase: runner.PhaseSubmit, Err: err}
	}

	receipt, err := o.client.Poll(ctx, submissionID, o.pollDeadline)
	if err != nil {
		return nil, submissionID, &runner.PhaseError{Phase: runner.PhasePoll, Err: err}
	}

	if receipt.Status == agglayer.StatusIncluded {
		if err := o.client.VerifyInclusion(ctx, artifact, receipt); err != nil {
			return receipt, submissionID, &runner.PhaseError{Phase: runner.PhasePoll, Err: err}
		}
	}
	return receipt, submissionID, nil
}

// record appends the run to the ledger. History is best-effort: a ledger
// failure never fails the run.
func (o *Orchestrator) record(ctx context.Context, prog *guest.Program, opts Options, rep *report.RunReport, result *runner.Result, outcome *Outcome) {
	if o.ledger == nil {
		return
	}

	run := &ledger.Run{
		Program:      prog.Name,
		Backend:      string(o.runner.Backend()),
		Status:       ledger.StatusSucceeded,
		FailurePhase: rep.FailurePhase,
		Error:        rep.Error,
		Precompiles:  opts.Precompiles,
		SubmissionID: outcome.SubmissionID,
	}
	if rep.Status == report.StatusFailed {
		run.Status = ledger.StatusFailed
	}
	if result.Build != nil {
		run.BuildDuration = result.Build.Duration
	}
	if result.Artifact != nil {
		run.ProveDuration = result.Artifact.ProveDuration
		run.ArtifactBytes = result.Artifact.SizeBytes
		run.VerifyingKeyID = result.Artifact.VerifyingKeyID
	}
	if outcome.Receipt != nil {
		run.ReceiptStatus = string(outcome.Receipt.Status)
	}

	id, err := o.ledger.Append(ctx, run)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to record run in ledger")
		return
	}
	outcome.RunID = id
}
