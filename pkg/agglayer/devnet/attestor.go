package devnet

import (
	"bytes"
	"fmt"
	"math/big"
	"os"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/ethereum/go-ethereum/common"

	"zkpipe/pkg/agglayer"
)

// attestationCircuit binds a closed batch root to the operator's proving
// key. The root is the only public input; Opened is the operator's private
// copy of it.
type attestationCircuit struct {
	Root   frontend.Variable `gnark:",public"`
	Opened frontend.Variable
}

func (c *attestationCircuit) Define(api frontend.API) error {
	api.AssertIsEqual(c.Root, c.Opened)
	return nil
}

// Attestor produces Groth16 attestations over batch roots. The circuit is a
// deliberately small stand-in for the production aggregation circuit so that
// clients can exercise the attestation verification path end to end.
type Attestor struct {
	cs constraint.ConstraintSystem
	pk groth16.ProvingKey
	vk groth16.VerifyingKey
}

func NewAttestor() (*Attestor, error) {
	var circuit attestationCircuit
	cs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, &circuit)
	if err != nil {
		return nil, fmt.Errorf("failed to compile circuit: %v", err)
	}
	pk, vk, err := groth16.Setup(cs)
	if err != nil {
		return nil, fmt.Errorf("failed to setup keys: %v", err)
	}
	return &Attestor{cs: cs, pk: pk, vk: vk}, nil
}

func (a *Attestor) VerifyingKey() groth16.VerifyingKey { return a.vk }

// WriteVerifyingKey serializes the verifying key for client configuration.
func (a *Attestor) WriteVerifyingKey(path string) error {
	var buf bytes.Buffer
	if _, err := a.vk.WriteTo(&buf); err != nil {
		return fmt.Errorf("failed to serialize verifying key: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write verifying key: %v", err)
	}
	return nil
}

// Attest proves the batch root under the attestation circuit.
func (a *Attestor) Attest(root common.Hash) (*agglayer.Attestation, error) {
	value := new(big.Int).SetBytes(root[:])
	assignment := &attestationCircuit{Root: value, Opened: value}

	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("failed to create witness: %v", err)
	}
	proof, err := groth16.Prove(a.cs, a.pk, w)
	if err != nil {
		return nil, fmt.Errorf("failed to generate attestation: %v", err)
	}

	var proofBuf bytes.Buffer
	if _, err := proof.WriteTo(&proofBuf); err != nil {
		return nil, fmt.Errorf("failed to serialize attestation: %v", err)
	}
	public, err := w.Public()
	if err != nil {
		return nil, fmt.Errorf("failed to extract public witness: %v", err)
	}
	var publicBuf bytes.Buffer
	if _, err := public.WriteTo(&publicBuf); err != nil {
		return nil, fmt.Errorf("failed to serialize public witness: %v", err)
	}

	return &agglayer.Attestation{Proof: proofBuf.Bytes(), PublicWitness: publicBuf.Bytes()}, nil
}
