package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/echolab/reelcraft/internal/models"
)

// ffprobeOutput is the subset of ffprobe's JSON output we care about.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	CodecType   string `json:"codec_type"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	SideDataLst []struct {
		SideDataType string  `json:"side_data_type"`
		Rotation     float64 `json:"rotation"`
	} `json:"side_data_list"`
	Tags struct {
		Rotate string `json:"rotate"`
	} `json:"tags"`
}

// ProbeClip inspects a local media file with ffprobe and returns it as a
// MediaClip of the requested kind. The clip's intrinsic orientation
// transform is read from the stream's display matrix (or legacy rotate
// tag), since players apply it on display and it changes the effective
// render dimensions.
func ProbeClip(ctx context.Context, path string, kind models.TrackKind) (models.MediaClip, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)

	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return models.MediaClip{}, &models.AssetError{Locator: path, Reason: fmt.Sprintf("ffprobe failed: %v (%s)", err, truncate(stderr.String(), 200))}
	}

	var probed ffprobeOutput
	if err := json.Unmarshal(out.Bytes(), &probed); err != nil {
		return models.MediaClip{}, &models.AssetError{Locator: path, Reason: fmt.Sprintf("unparseable ffprobe output: %v", err)}
	}

	if probed.Format.Duration == "" {
		return models.MediaClip{}, &models.AssetError{Locator: path, Reason: "no duration in ffprobe output"}
	}
	durationSec, err := strconv.ParseFloat(probed.Format.Duration, 64)
	if err != nil {
		return models.MediaClip{}, &models.AssetError{Locator: path, Reason: fmt.Sprintf("bad duration %q", probed.Format.Duration)}
	}

	clip := models.MediaClip{
		SourceLocator: path,
		Duration:      time.Duration(durationSec * float64(time.Second)),
		Kind:          kind,
	}

	found := false
	for _, stream := range probed.Streams {
		if stream.CodecType != string(kind) {
			continue
		}
		found = true
		if kind == models.TrackVideo {
			clip.Width = stream.Width
			clip.Height = stream.Height
			clip.RotationDegrees = rotationFromStream(stream)
		}
		break
	}
	if !found {
		return models.MediaClip{}, &models.AssetError{Locator: path, Reason: fmt.Sprintf("missing %s track", kind)}
	}

	return clip, nil
}

// rotationFromStream normalizes the stream's rotation metadata to one of
// 0, 90, 180, 270. The display matrix reports counter-clockwise degrees,
// possibly negative.
func rotationFromStream(stream ffprobeStream) int {
	var rot float64
	for _, sd := range stream.SideDataLst {
		if sd.SideDataType == "Display Matrix" {
			rot = sd.Rotation
			break
		}
	}
	if rot == 0 && stream.Tags.Rotate != "" {
		if parsed, err := strconv.ParseFloat(stream.Tags.Rotate, 64); err == nil {
			rot = parsed
		}
	}

	deg := int(rot) % 360
	if deg < 0 {
		deg += 360
	}
	// Snap to the nearest quarter turn; anything else is not a container
	// orientation transform.
	switch {
	case deg >= 45 && deg < 135:
		return 90
	case deg >= 135 && deg < 225:
		return 180
	case deg >= 225 && deg < 315:
		return 270
	default:
		return 0
	}
}
