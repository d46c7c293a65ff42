package utils

import (
	"fmt"
	"github.com/notargets/gocca"
	"github.com/notargets/meshbls/config"
	"os"
	"strings"
)

// DeviceTestsEnv enables tests that need an OCCA device
const DeviceTestsEnv = "MESHBLS_DEVICE_TESTS"

// DeviceTestsEnabled reports whether device tests were requested
func DeviceTestsEnabled() bool {
	v := strings.ToLower(os.Getenv(DeviceTestsEnv))
	return v != "" && v != "0" && v != "false"
}

// BackendsFor lists the OCCA device properties to try for an arch, most
// parallel first
func BackendsFor(arch config.Arch) []string {
	if arch.IsSequential() {
		return []string{
			`{"mode": "OpenMP"}`,
			`{"mode": "Serial"}`,
		}
	}
	return []string{
		`{"mode": "CUDA", "device_id": 0}`,
		`{"mode": "OpenMP"}`,
		`{"mode": "Serial"}`,
	}
}

// CreateDevice creates the first available device for arch
func CreateDevice(arch config.Arch) (*gocca.OCCADevice, error) {
	var errs []string
	for _, props := range BackendsFor(arch) {
		device, err := gocca.NewDevice(props)
		if err == nil {
			return device, nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", props, err))
	}
	return nil, fmt.Errorf("no OCCA device available:\n  %s", strings.Join(errs, "\n  "))
}

// CreateTestDevice creates a device for testing, preferring parallel
// backends
func CreateTestDevice(arch config.Arch) *gocca.OCCADevice {
	device, err := CreateDevice(arch)
	if err != nil {
		panic(err)
	}
	return device
}
