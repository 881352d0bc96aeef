package agglayer

import (
	"bytes"
	"fmt"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/backend/witness"
)

// VerifyAttestation checks the aggregated Groth16 attestation published for
// a batch against the operator's verifying key.
func VerifyAttestation(vk groth16.VerifyingKey, att *Attestation) error {
	proof := groth16.NewProof(ecc.BN254)
	if _, err := proof.ReadFrom(bytes.NewReader(att.Proof)); err != nil {
		return fmt.Errorf("failed to deserialize attestation proof: %v", err)
	}

	publicWitness, err := witness.New(ecc.BN254.ScalarField())
	if err != nil {
		return fmt.Errorf("failed to create witness: %v", err)
	}
	if _, err := publicWitness.ReadFrom(bytes.NewReader(att.PublicWitness)); err != nil {
		return fmt.Errorf("failed to deserialize public witness: %v", err)
	}

	if err := groth16.Verify(proof, vk, publicWitness); err != nil {
		return fmt.Errorf("attestation verification failed: %v", err)
	}
	return nil
}

// LoadAttestationVK reads the operator's serialized verifying key.
func LoadAttestationVK(path string) (groth16.VerifyingKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read attestation verifying key: %v", err)
	}

	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize attestation verifying key: %v", err)
	}
	return vk, nil
}
