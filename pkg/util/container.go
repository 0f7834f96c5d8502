package util

import "os"

// InContainer reports whether the process runs inside docker or podman
func InContainer() bool {
	for _, marker := range []string{"/.dockerenv", "/run/.containerenv"} {
		if _, err := os.Stat(marker); err == nil {
			return true
		}
	}

	return os.Getenv("container") != ""
}
