package util

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimestamp(t *testing.T) {
	assert.Equal(t, "00:00:00.000", Timestamp(0))
	assert.Equal(t, "00:00:00.000", Timestamp(-time.Second))
	assert.Equal(t, "00:01:05.500", Timestamp(Seconds(65.5)))
	assert.Equal(t, "01:00:00.250", Timestamp(Seconds(3600.25)))
	assert.Equal(t, "26:03:04.005", Timestamp(26*time.Hour+3*time.Minute+4*time.Second+5*time.Millisecond))
}

func fakeCard(t *testing.T, dev, sys, name, vendor string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dev, name), nil, 0o644))
	if vendor == "" {
		return
	}

	dir := filepath.Join(sys, name, "device")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "vendor"), []byte(vendor+"\n"), 0o644))
}

func TestDetectHWAccel(t *testing.T) {
	dev, sys := t.TempDir(), t.TempDir()

	_, err := detectHWAccel(filepath.Join(dev, "missing"), sys)
	assert.Error(t, err)

	_, err = detectHWAccel(dev, sys)
	assert.ErrorIs(t, err, ErrNoGPU)

	fakeCard(t, dev, sys, "renderD128", "0x10de")
	fakeCard(t, dev, sys, "card0", "")
	fakeCard(t, dev, sys, "card1", "0x1af4")
	_, err = detectHWAccel(dev, sys)
	assert.ErrorIs(t, err, ErrNoGPU, "render nodes and unknown vendors are ignored")

	fakeCard(t, dev, sys, "card2", "0x1002")
	accel, err := detectHWAccel(dev, sys)
	require.NoError(t, err)
	assert.Equal(t, "vaapi", accel)
}
