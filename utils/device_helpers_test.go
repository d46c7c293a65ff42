package utils

import (
	"github.com/notargets/meshbls/config"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestBackendsFor(t *testing.T) {
	assert.Equal(t, `{"mode": "Serial"}`, BackendsFor(config.X64)[1])
	assert.Len(t, BackendsFor(config.ARM64), 2)
	assert.Contains(t, BackendsFor(config.CUDA)[0], "CUDA")
	assert.Len(t, BackendsFor(config.CUDA), 3)
}

func TestDeviceTestsEnabled(t *testing.T) {
	for value, enabled := range map[string]bool{"": false, "0": false, "false": false, "1": true, "yes": true} {
		t.Setenv(DeviceTestsEnv, value)
		assert.Equal(t, enabled, DeviceTestsEnabled(), value)
	}
}
