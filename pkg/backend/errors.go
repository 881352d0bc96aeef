package backend

import (
	"errors"
	"fmt"
	"time"

	"zkpipe/pkg/workspace"
)

// ErrToolchainMissing reports an absent or unusable backend toolchain.
// Wrapped with the binary name; callers test with errors.Is.
var ErrToolchainMissing = errors.New("backend toolchain not found")

// Host driver exit codes. 101 is the Rust panic exit status, raised when the
// in-host proof verification fails; 102 means guest ELF generation failed.
const (
	exitVerifyFailed = 101
	exitELFGenFailed = 102
)

func decodeExitReason(code int) string {
	switch code {
	case exitVerifyFailed:
		return "proof verification failed inside the host driver"
	case exitELFGenFailed:
		return "guest ELF generation failed"
	}
	return "host driver exited abnormally"
}

// CompileError carries the captured diagnostics of a failed workspace build.
type CompileError struct {
	Backend  workspace.Backend
	ExitCode int
	Output   string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("%s build failed with exit code %d", e.Backend, e.ExitCode)
}

// ProveTimeoutError reports a prover run killed at its deadline.
type ProveTimeoutError struct {
	Backend workspace.Backend
	After   time.Duration
}

func (e *ProveTimeoutError) Error() string {
	return fmt.Sprintf("%s prover timed out after %s", e.Backend, e.After)
}

// ProveRuntimeError reports a prover run that exited abnormally, with the
// exit code decoded where the host driver assigns it a meaning.
type ProveRuntimeError struct {
	Backend  workspace.Backend
	ExitCode int
	Reason   string
	Output   string
}

func (e *ProveRuntimeError) Error() string {
	return fmt.Sprintf("%s prover failed with exit code %d: %s", e.Backend, e.ExitCode, e.Reason)
}

// VerifyError reports a verification run that failed for a reason other than
// the proof being invalid, such as a malformed or missing artifact.
type VerifyError struct {
	Backend workspace.Backend
	Output  string
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("%s verification could not complete", e.Backend)
}
