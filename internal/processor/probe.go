package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type probeResult struct {
	Width    int
	Height   int
	Duration float64
}

type ffprobeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// probe reads the dimensions of the first video stream and the container
// duration. Images report a zero duration.
func probe(ctx context.Context, bin, p string) (probeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	zap.L().Debug("Running FFprobe", zap.String("path", p))

	cmd := exec.CommandContext(ctx, bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height:format=duration",
		"-of", "json",
		"-i", p,
	)

	var stdOut, stdErr bytes.Buffer
	cmd.Stdout = &stdOut
	cmd.Stderr = &stdErr

	if err := cmd.Run(); err != nil {
		return probeResult{}, fmt.Errorf("ffprobe failed, %w (%s)", err, stdErr.String())
	}

	var out ffprobeOutput
	if err := json.Unmarshal(stdOut.Bytes(), &out); err != nil {
		return probeResult{}, fmt.Errorf("malformed ffprobe output, %w", err)
	}

	var res probeResult
	if len(out.Streams) > 0 {
		res.Width = out.Streams[0].Width
		res.Height = out.Streams[0].Height
	}

	if d := strings.TrimSpace(out.Format.Duration); d != "" && d != "N/A" {
		res.Duration, _ = strconv.ParseFloat(d, 64)
	}

	return res, nil
}
