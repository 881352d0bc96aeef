package backend

import (
	"context"

	"zkpipe/pkg/workspace"
)

var risc0Files = artifactFiles{
	receipt: "risc0.proof",
	public:  "risc0_pub_input.pub",
	vkID:    "risc0.imageid",
	metrics: "risc0_metrics.json",
	// The image id file holds the raw 32-byte id.
	rawVKID: true,
}

// RISC0Driver drives the RISC0 toolchain through the generated host crate.
// The guest ELF and image id are embedded by risc0-build at compile time, so
// unlike SP1 there is no standalone ELF file to record after the build.
type RISC0Driver struct {
	cargo string
}

func NewRISC0Driver(cargoBin string) *RISC0Driver {
	return &RISC0Driver{cargo: cargoBin}
}

func (d *RISC0Driver) Tag() workspace.Backend { return workspace.RISC0 }

func (d *RISC0Driver) Probe(ctx context.Context) error {
	return probeToolchain(ctx, d.cargo, workspace.RISC0)
}

func (d *RISC0Driver) Build(ctx context.Context, ws *workspace.Workspace, opts Options) (*BuildOutput, error) {
	return buildHost(ctx, d.cargo, ws, opts)
}

func (d *RISC0Driver) Prove(ctx context.Context, ws *workspace.Workspace, build *BuildOutput, opts Options) (*ProofArtifact, error) {
	return proveHost(ctx, d.cargo, ws, build, opts, nil, risc0Files)
}

func (d *RISC0Driver) Verify(ctx context.Context, ws *workspace.Workspace, artifact *ProofArtifact) (bool, error) {
	return verifyHost(ctx, d.cargo, ws, artifact, workspace.RISC0)
}
