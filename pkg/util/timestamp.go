package util

import (
	"fmt"
	"time"
)

// Timestamp formats d the way ffmpeg's -ss expects it, HH:MM:SS.mmm.
// Negative durations are treated as zero.
func Timestamp(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	ms := d.Round(time.Millisecond).Milliseconds()
	return fmt.Sprintf("%02d:%02d:%02d.%03d", ms/3_600_000, ms/60_000%60, ms/1000%60, ms%1000)
}

// Seconds converts a float amount of seconds, as reported by ffprobe
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
