package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// terminationGracePeriod is the time between SIGTERM and SIGKILL when a
	// child overruns its deadline.
	terminationGracePeriod = 5 * time.Second

	// maxOutputBytes caps captured child output. The tail is kept: cargo
	// prints its diagnostics last.
	maxOutputBytes = 64 * 1024
)

type command struct {
	bin     string
	args    []string
	dir     string
	env     []string
	timeout time.Duration
}

type commandResult struct {
	exitCode int
	output   string
	timedOut bool
	duration time.Duration
}

// runCommand executes a child process with combined output capture. When the
// timeout elapses the child gets SIGTERM, a grace period, then SIGKILL, and
// the result is marked timed out. Cancellation of ctx itself escalates the
// same way but returns ctx's error instead of a result.
func runCommand(ctx context.Context, spec command) (*commandResult, error) {
	runCtx := ctx
	if spec.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.timeout)
		defer cancel()
	}

	var buf bytes.Buffer
	cmd := exec.Command(spec.bin, spec.args...)
	cmd.Dir = spec.dir
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if len(spec.env) > 0 {
		cmd.Env = append(os.Environ(), spec.env...)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %v", spec.bin, err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	var err error
	timedOut := false
	select {
	case err = <-waitErr:
	case <-runCtx.Done():
		log.Warn().Str("bin", spec.bin).Msg("Command deadline reached, sending SIGTERM")
		if cmd.Process != nil {
			if serr := cmd.Process.Signal(syscall.SIGTERM); serr != nil {
				log.Error().Err(serr).Msg("Failed to send SIGTERM")
			}
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()
		select {
		case <-waitErr:
		case <-grace.C:
			log.Warn().Str("bin", spec.bin).Msg("Command ignored SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if kerr := cmd.Process.Kill(); kerr != nil {
					log.Error().Err(kerr).Msg("Failed to send SIGKILL")
				}
			}
			<-waitErr
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		timedOut = true
	}

	res := &commandResult{
		output:   outputTail(buf.Bytes()),
		timedOut: timedOut,
		duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to wait for %s: %v", spec.bin, err)
		}
		res.exitCode = exitErr.ExitCode()
	}
	return res, nil
}

func outputTail(b []byte) string {
	if len(b) <= maxOutputBytes {
		return string(b)
	}
	return string(b[len(b)-maxOutputBytes:])
}
