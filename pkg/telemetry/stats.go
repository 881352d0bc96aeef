package telemetry

// Summary aggregates a sample series for the run report.
type Summary struct {
	Samples   int     `json:"samples"`
	CPUMin    float64 `json:"cpu_min_percent"`
	CPUMax    float64 `json:"cpu_max_percent"`
	CPUAvg    float64 `json:"cpu_avg_percent"`
	MemoryMin uint64  `json:"memory_min_bytes"`
	MemoryMax uint64  `json:"memory_max_bytes"`
	MemoryAvg uint64  `json:"memory_avg_bytes"`

	GPUMax *float64 `json:"gpu_max_percent,omitempty"`
	GPUAvg *float64 `json:"gpu_avg_percent,omitempty"`
}

// Summarize folds samples into min/max/avg figures. GPU figures appear only
// when at least one sample carried them.
func Summarize(samples []Sample) Summary {
	var s Summary
	if len(samples) == 0 {
		return s
	}

	s.Samples = len(samples)
	s.CPUMin = samples[0].CPUPercent
	s.MemoryMin = samples[0].MemoryBytes

	var cpuSum, gpuSum, gpuMax float64
	var memSum uint64
	gpuCount := 0
	for _, sample := range samples {
		cpuSum += sample.CPUPercent
		memSum += sample.MemoryBytes
		if sample.CPUPercent < s.CPUMin {
			s.CPUMin = sample.CPUPercent
		}
		if sample.CPUPercent > s.CPUMax {
			s.CPUMax = sample.CPUPercent
		}
		if sample.MemoryBytes < s.MemoryMin {
			s.MemoryMin = sample.MemoryBytes
		}
		if sample.MemoryBytes > s.MemoryMax {
			s.MemoryMax = sample.MemoryBytes
		}
		if sample.GPUPercent != nil {
			gpuCount++
			gpuSum += *sample.GPUPercent
			if *sample.GPUPercent > gpuMax {
				gpuMax = *sample.GPUPercent
			}
		}
	}

	s.CPUAvg = cpuSum / float64(len(samples))
	s.MemoryAvg = memSum / uint64(len(samples))
	if gpuCount > 0 {
		avg := gpuSum / float64(gpuCount)
		s.GPUMax = &gpuMax
		s.GPUAvg = &avg
	}
	return s
}
