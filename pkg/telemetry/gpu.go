package telemetry

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// gpuSampler reads utilization from nvidia-smi. Sampling is best effort:
// hosts without the binary simply produce samples without GPU fields.
type gpuSampler struct {
	bin string
}

func detectGPU() *gpuSampler {
	path, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return nil
	}
	return &gpuSampler{bin: path}
}

// sample returns GPU utilization percent and memory in use. With multiple
// GPUs only the first is reported.
func (g *gpuSampler) sample(ctx context.Context) (float64, uint64, error) {
	out, err := exec.CommandContext(ctx, g.bin,
		"--query-gpu=utilization.gpu,memory.used",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0, 0, err
	}

	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	fields := strings.Split(line, ",")
	if len(fields) < 2 {
		return 0, 0, fmt.Errorf("unexpected nvidia-smi output %q", line)
	}

	util, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse GPU utilization: %v", err)
	}
	mib, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to parse GPU memory: %v", err)
	}
	return util, mib * 1024 * 1024, nil
}
