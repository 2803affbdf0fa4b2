package modelstore

import (
	"context"
	"os"
	"os/exec"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// allLayers asks the runtime to offload every layer it can.
const allLayers = 999

// Hardware summarizes what the host offers for local inference.
type Hardware struct {
	CPUs        int
	MemoryBytes uint64
	GPU         string
	GPULayers   int
}

func (h Hardware) HasGPU() bool { return h.GPU != "" }

// ProbeHardware inspects the host. Probe failures degrade to conservative
// values, never to an error.
func ProbeHardware(ctx context.Context) Hardware {
	hw := Hardware{CPUs: runtime.NumCPU()}
	if n, err := cpu.CountsWithContext(ctx, false); err == nil && n > 0 {
		hw.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		hw.MemoryBytes = vm.Total
	}
	hw.GPU = detectGPU(runtime.GOOS, runtime.GOARCH, exec.LookPath, fileExists)
	if hw.GPU != "" {
		hw.GPULayers = allLayers
	}
	return hw
}

func detectGPU(goos, goarch string, lookPath func(string) (string, error), exists func(string) bool) string {
	if goos == "darwin" && goarch == "arm64" {
		return "metal"
	}
	if exists("/proc/driver/nvidia/version") {
		return "cuda"
	}
	if _, err := lookPath("nvidia-smi"); err == nil {
		return "cuda"
	}
	if exists("/dev/kfd") {
		return "rocm"
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Threads picks a decode thread count: physical cores capped to 8, at least 2.
func (h Hardware) Threads() int {
	n := h.CPUs
	if n > 8 {
		n = 8
	}
	if n < 2 {
		n = 2
	}
	return n
}
