// Package agglayer is the client side of the external proof aggregation
// layer: proof submission, backoff polling to a terminal status, and local
// re-verification of the inclusion proofs the layer returns.
package agglayer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog/log"

	"zkpipe/pkg/backend"
)

// Status of a submission as tracked by this client. A terminal status never
// regresses.
type Status string

const (
	StatusCreated            Status = "created"
	StatusPending            Status = "pending"
	StatusIncluded           Status = "included"
	StatusRejected           Status = "rejected"
	StatusTimedOut           Status = "timed_out"
	StatusVerified           Status = "verified"
	StatusVerificationFailed Status = "verification_failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusTimedOut, StatusVerified, StatusVerificationFailed:
		return true
	}
	return false
}

// InclusionProof places one submission inside an aggregation batch.
type InclusionProof struct {
	LeafIndex int           `json:"leaf_index"`
	Path      []common.Hash `json:"path"`
	Root      common.Hash   `json:"root"`
	RootBlock uint64        `json:"root_block"`
}

// Attestation is the aggregated Groth16 proof the layer publishes for a
// batch.
type Attestation struct {
	Proof         hexutil.Bytes `json:"proof"`
	PublicWitness hexutil.Bytes `json:"public_witness"`
}

// SubmissionReceipt is the client's view of one submission's lifecycle.
type SubmissionReceipt struct {
	SubmissionID       string          `json:"submission_id"`
	BatchID            string          `json:"batch_id,omitempty"`
	Status             Status          `json:"status"`
	Inclusion          *InclusionProof `json:"inclusion,omitempty"`
	Attestation        *Attestation    `json:"attestation,omitempty"`
	VerificationResult string          `json:"verification_result,omitempty"`
}

// BackoffPolicy shapes the polling retry schedule.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	Multiplier  float64
	Jitter      float64
	MaxFailures int
}

// next advances the undecorated delay: multiplied, capped, never shrinking.
func (b BackoffPolicy) next(d time.Duration) time.Duration {
	n := time.Duration(float64(d) * b.Multiplier)
	if n > b.Cap {
		n = b.Cap
	}
	if n < d {
		n = d
	}
	return n
}

// jittered randomizes a delay by the policy's jitter fraction.
func (b BackoffPolicy) jittered(d time.Duration) time.Duration {
	if b.Jitter <= 0 {
		return d
	}
	f := 1 + b.Jitter*(2*rand.Float64()-1)
	return time.Duration(float64(d) * f)
}

// ClientOptions configure a submission client.
type ClientOptions struct {
	BaseURL string
	APIKey  string

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	Backoff    BackoffPolicy

	// Roots supplies the trusted on-chain batch root during verification.
	// Optional: without it only the claimed root is re-checked.
	Roots RootProvider

	// AttestationVK enables Groth16 attestation checking. Optional.
	AttestationVK groth16.VerifyingKey
}

// Client talks to one aggregation layer endpoint.
type Client struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	backoff       BackoffPolicy
	roots         RootProvider
	attestationVK groth16.VerifyingKey
}

func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("aggregation layer URL is required")
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	backoff := opts.Backoff
	if backoff.Base <= 0 {
		backoff.Base = 2 * time.Second
	}
	if backoff.Cap <= 0 {
		backoff.Cap = time.Minute
	}
	if backoff.Multiplier < 1 {
		backoff.Multiplier = 2
	}
	if backoff.MaxFailures <= 0 {
		backoff.MaxFailures = 10
	}

	return &Client{
		baseURL:       opts.BaseURL,
		apiKey:        opts.APIKey,
		http:          httpClient,
		backoff:       backoff,
		roots:         opts.Roots,
		attestationVK: opts.AttestationVK,
	}, nil
}

type submitRequest struct {
	Backend        string        `json:"backend"`
	Receipt        hexutil.Bytes `json:"receipt"`
	PublicOutput   hexutil.Bytes `json:"public_output"`
	VerifyingKeyID string        `json:"verifying_key_id"`
}

type submitResponse struct {
	SubmissionID string `json:"submission_id"`
}

// Submit posts a proof artifact. Application-level rejection is permanent
// and never retried here.
func (c *Client) Submit(ctx context.Context, artifact *backend.ProofArtifact) (string, error) {
	body, err := json.Marshal(submitRequest{
		Backend:        string(artifact.Backend),
		Receipt:        artifact.Receipt,
		PublicOutput:   artifact.PublicOutput,
		VerifyingKeyID: artifact.VerifyingKeyID,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode submission: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/proofs", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build submission request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit proof: %v", err)
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", &SubmissionRejectedError{StatusCode: resp.StatusCode, Body: string(respBody)}
	default:
		return "", fmt.Errorf("aggregation layer returned %d on submit", resp.StatusCode)
	}

	var out submitResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode submission response: %v", err)
	}
	if out.SubmissionID == "" {
		return "", fmt.Errorf("aggregation layer returned no submission id")
	}

	log.Info().
		Str("submission_id", out.SubmissionID).
		Str("backend", string(artifact.Backend)).
		Int64("proof_bytes", artifact.SizeBytes).
		Msg("Proof submitted to aggregation layer")
	return out.SubmissionID, nil
}

// Poll drives a submission to a terminal status with exponential backoff.
// Reaching the deadline is an outcome, not an error: the last known receipt
// comes back as timed_out. Only transient failures are retried, and only up
// to the policy's failure budget.
func (c *Client) Poll(ctx context.Context, submissionID string, deadline time.Duration) (*SubmissionReceipt, error) {
	pollCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	last := &SubmissionReceipt{SubmissionID: submissionID, Status: StatusPending}
	delay := c.backoff.Base
	failures := 0

	for {
		receipt, err := c.fetchStatus(pollCtx, submissionID)
		switch {
		case err == nil:
			failures = 0
			last = receipt
			if receipt.Status.Terminal() || receipt.Status == StatusIncluded {
				log.Info().
					Str("submission_id", submissionID).
					Str("status", string(receipt.Status)).
					Msg("Submission reached a settled status")
				return receipt, nil
			}
		case pollCtx.Err() != nil:
			// Deadline or cancellation surfaced through the request.
		default:
			var perm *permanentPollError
			if errors.As(err, &perm) {
				return nil, perm.err
			}
			failures++
			log.Warn().
				Err(err).
				Str("submission_id", submissionID).
				Int("failures", failures).
				Msg("Poll attempt failed")
			if failures >= c.backoff.MaxFailures {
				return nil, fmt.Errorf("failed to poll submission %s after %d attempts: %v", submissionID, failures, err)
			}
		}

		select {
		case <-pollCtx.Done():
			timedOut := *last
			if !timedOut.Status.Terminal() {
				timedOut.Status = StatusTimedOut
			}
			log.Warn().
				Str("submission_id", submissionID).
				Dur("deadline", deadline).
				Msg("Poll deadline reached before inclusion")
			return &timedOut, nil
		case <-time.After(c.backoff.jittered(delay)):
		}
		delay = c.backoff.next(delay)
	}
}

func (c *Client) fetchStatus(ctx context.Context, submissionID string) (*SubmissionReceipt, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/proofs/"+submissionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build status request: %v", err)
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode == http.StatusOK:
		var receipt SubmissionReceipt
		if err := json.Unmarshal(body, &receipt); err != nil {
			return nil, fmt.Errorf("failed to decode status response: %v", err)
		}
		if receipt.SubmissionID == "" {
			receipt.SubmissionID = submissionID
		}
		return &receipt, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &permanentPollError{
			err: fmt.Errorf("aggregation layer rejected status request for %s with %d", submissionID, resp.StatusCode),
		}
	}
	return nil, fmt.Errorf("aggregation layer returned %d", resp.StatusCode)
}

func (c *Client) authorize(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

const maxResponseBytes = 4 * 1024 * 1024
