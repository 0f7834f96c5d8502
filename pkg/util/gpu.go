package util

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

var ErrNoGPU = errors.New("no supported gpu found")

// PCI vendor id -> ffmpeg -hwaccel method
var hwaccelByVendor = map[string]string{
	"0x10de": "cuda",  // nvidia
	"0x8086": "qsv",   // intel
	"0x1002": "vaapi", // amd
}

// DetectHWAccel looks through the DRM cards for a GPU ffmpeg can decode on
// and returns the matching -hwaccel value
func DetectHWAccel() (string, error) {
	return detectHWAccel("/dev/dri", "/sys/class/drm")
}

func detectHWAccel(devDir, sysDir string) (string, error) {
	zap.L().Debug("Trying to detect gpu for hardware acceleration")

	cards, err := os.ReadDir(devDir)
	if err != nil {
		return "", fmt.Errorf("failed to read %s, %w", devDir, err)
	}

	for _, c := range cards {
		if !strings.HasPrefix(c.Name(), "card") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(sysDir, c.Name(), "device", "vendor"))
		if err != nil {
			zap.L().Debug("Skipping card without vendor", zap.String("card", c.Name()), zap.Error(err))
			continue
		}

		if accel, ok := hwaccelByVendor[strings.TrimSpace(string(data))]; ok {
			return accel, nil
		}
	}

	return "", ErrNoGPU
}
