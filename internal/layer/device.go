package layer

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/klauspost/cpuid/v2"
)

// DeviceEnv names the environment variable that selects the compute device.
const DeviceEnv = "DEEPNEF_DEVICE"

// DeviceType represents the hardware device used for computation.
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (t DeviceType) String() string {
	switch t {
	case CPU:
		return "cpu"
	case GPU:
		return "gpu"
	default:
		return fmt.Sprintf("DeviceType(%d)", int(t))
	}
}

// Device manages the hardware resources for neural network operations.
type Device interface {
	Type() DeviceType
	IsAvailable() bool
	Describe() string

	// Workers is the number of goroutines row-parallel work should use.
	Workers() int
}

// CPUDevice handles computations on the host CPU.
type CPUDevice struct{}

func (d *CPUDevice) Type() DeviceType  { return CPU }
func (d *CPUDevice) IsAvailable() bool { return true }

// Workers returns the physical core count, falling back to logical
// cores when cpuid cannot tell them apart.
func (d *CPUDevice) Workers() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		return n
	}
	return max(cpuid.CPU.LogicalCores, 1)
}

// Describe reports the CPU model and the SIMD features relevant to the
// float64 inner loops.
func (d *CPUDevice) Describe() string {
	var feats []string
	for _, f := range []struct {
		id   cpuid.FeatureID
		name string
	}{
		{cpuid.SSE2, "sse2"},
		{cpuid.AVX, "avx"},
		{cpuid.AVX2, "avx2"},
		{cpuid.FMA3, "fma3"},
		{cpuid.AVX512F, "avx512f"},
		{cpuid.ASIMD, "asimd"},
	} {
		if cpuid.CPU.Supports(f.id) {
			feats = append(feats, f.name)
		}
	}
	name := cpuid.CPU.BrandName
	if name == "" {
		name = "unknown cpu"
	}
	return fmt.Sprintf("%s, %d logical cores, %d workers, features [%s]",
		name, cpuid.CPU.LogicalCores, d.Workers(), strings.Join(feats, " "))
}

// ParallelFor splits [0, n) into at most workers contiguous chunks of at
// least minChunk items and runs f on every chunk concurrently. It returns
// the error of the lowest failing chunk.
func ParallelFor(n, workers, minChunk int, f func(lo, hi int) error) error {
	if n <= 0 {
		return nil
	}
	chunk := max((n+max(workers, 1)-1)/max(workers, 1), minChunk, 1)
	if chunk >= n {
		return f(0, n)
	}

	errs := make([]error, (n+chunk-1)/chunk)
	var wg sync.WaitGroup
	for c := range errs {
		c := c
		lo := c * chunk
		hi := min(lo+chunk, n)
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[c] = f(lo, hi)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ParseDevice maps a device name to a Device. Accelerator requests fall
// back to the CPU since no accelerator backend is linked in; the boolean
// reports whether the request was honoured as given.
func ParseDevice(name string) (Device, bool, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "cpu":
		return &CPUDevice{}, true, nil
	case "gpu", "cuda", "metal":
		return &CPUDevice{}, false, nil
	default:
		return nil, false, fmt.Errorf("unknown device %q", name)
	}
}

// DeviceFromEnv selects the process-wide device from DEEPNEF_DEVICE.
// It is meant to be called once at startup.
func DeviceFromEnv() (Device, error) {
	requested := os.Getenv(DeviceEnv)
	dev, honoured, err := ParseDevice(requested)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", DeviceEnv, err)
	}
	if !honoured {
		log.Printf("device %q unavailable, falling back to cpu", requested)
	}
	return dev, nil
}
