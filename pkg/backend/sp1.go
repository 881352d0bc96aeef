package backend

import (
	"context"
	"os"
	"path/filepath"

	"zkpipe/pkg/workspace"
)

var sp1Files = artifactFiles{
	receipt: "sp1.proof",
	public:  "sp1.pub",
	vkID:    "sp1.vk",
	metrics: "sp1_metrics.json",
}

// sp1ELFPath is where sp1-build drops the guest ELF, relative to the guest
// crate. The crate is named "method", hence the file name.
var sp1ELFPath = filepath.Join("target", "elf-compilation", "riscv32im-succinct-zkvm-elf", "release", "method")

// SP1Driver drives the SP1 toolchain through the generated host crate.
type SP1Driver struct {
	cargo string
}

func NewSP1Driver(cargoBin string) *SP1Driver {
	return &SP1Driver{cargo: cargoBin}
}

func (d *SP1Driver) Tag() workspace.Backend { return workspace.SP1 }

func (d *SP1Driver) Probe(ctx context.Context) error {
	return probeToolchain(ctx, d.cargo, workspace.SP1)
}

func (d *SP1Driver) Build(ctx context.Context, ws *workspace.Workspace, opts Options) (*BuildOutput, error) {
	out, err := buildHost(ctx, d.cargo, ws, opts)
	if err != nil {
		return nil, err
	}
	elf := filepath.Join(ws.GuestDir, sp1ELFPath)
	if info, statErr := os.Stat(elf); statErr == nil {
		out.ELFPath = elf
		out.ELFSize = info.Size()
	}
	return out, nil
}

func (d *SP1Driver) Prove(ctx context.Context, ws *workspace.Workspace, build *BuildOutput, opts Options) (*ProofArtifact, error) {
	var env []string
	if opts.GPU {
		env = append(env, "SP1_PROVER=cuda")
	}
	return proveHost(ctx, d.cargo, ws, build, opts, env, sp1Files)
}

func (d *SP1Driver) Verify(ctx context.Context, ws *workspace.Workspace, artifact *ProofArtifact) (bool, error) {
	return verifyHost(ctx, d.cargo, ws, artifact, workspace.SP1)
}
