package agglayer

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"zkpipe/pkg/backend"
	"zkpipe/pkg/merkle"
)

// VerifyInclusion re-checks an included receipt locally and advances it to
// verified or verification_failed. Three checks, each one fatal on mismatch:
// the inclusion path must fold from the artifact's own commitment to the
// claimed root, the claimed root must match the root provider's on-chain
// root for the receipt's block, and the batch attestation (when both the
// attestation and a verifying key are present) must verify.
func (c *Client) VerifyInclusion(ctx context.Context, artifact *backend.ProofArtifact, receipt *SubmissionReceipt) error {
	if receipt.Status != StatusIncluded {
		return fmt.Errorf("receipt for %s is %s, not included", receipt.SubmissionID, receipt.Status)
	}
	if receipt.Inclusion == nil {
		return c.fail(receipt, &VerificationMismatchError{Field: "inclusion", Got: "absent", Want: "present"})
	}

	leaf := merkle.Commitment(artifact.Receipt, artifact.PublicOutput, artifact.VerifyingKeyID)
	path := make([][32]byte, len(receipt.Inclusion.Path))
	for i, sibling := range receipt.Inclusion.Path {
		path[i] = sibling
	}

	computed := common.Hash(merkle.RootFromPath(leaf, receipt.Inclusion.LeafIndex, path))
	if computed != receipt.Inclusion.Root {
		return c.fail(receipt, &VerificationMismatchError{
			Field: "root",
			Got:   computed.Hex(),
			Want:  receipt.Inclusion.Root.Hex(),
		})
	}

	if c.roots != nil {
		chainRoot, err := c.roots.BatchRoot(ctx, receipt.Inclusion.RootBlock)
		if err != nil {
			// Indeterminate, not a mismatch: the receipt stays included.
			return fmt.Errorf("failed to fetch on-chain batch root: %v", err)
		}
		if chainRoot != receipt.Inclusion.Root {
			return c.fail(receipt, &VerificationMismatchError{
				Field: "chain_root",
				Got:   receipt.Inclusion.Root.Hex(),
				Want:  chainRoot.Hex(),
			})
		}
	}

	if c.attestationVK != nil && receipt.Attestation != nil {
		if err := VerifyAttestation(c.attestationVK, receipt.Attestation); err != nil {
			return c.fail(receipt, &VerificationMismatchError{
				Field: "attestation",
				Got:   err.Error(),
				Want:  "valid attestation",
			})
		}
	}

	receipt.Status = StatusVerified
	log.Info().
		Str("submission_id", receipt.SubmissionID).
		Str("batch_id", receipt.BatchID).
		Str("root", receipt.Inclusion.Root.Hex()).
		Msg("Inclusion verified against the batch root")
	return nil
}

func (c *Client) fail(receipt *SubmissionReceipt, err *VerificationMismatchError) error {
	receipt.Status = StatusVerificationFailed
	receipt.VerificationResult = err.Error()
	log.Error().
		Str("submission_id", receipt.SubmissionID).
		Str("field", err.Field).
		Msg("Inclusion verification failed")
	return err
}
