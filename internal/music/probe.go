package music

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Metadata is what a Prober can tell about a file. Zero values mean
// unknown.
type Metadata struct {
	Title    string
	Artist   string
	Duration time.Duration
	Disc     int
	Number   int
}

type Prober interface {
	Probe(ctx context.Context, path string) (Metadata, error)
}

// FFprobe reads duration and tags with the ffprobe binary.
type FFprobe struct {
	Binary string
}

func NewFFprobe(binary string) *FFprobe {
	if binary == "" {
		binary = "ffprobe"
	}
	return &FFprobe{Binary: binary}
}

func (p *FFprobe) Probe(ctx context.Context, path string) (Metadata, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration:format_tags=title,artist,album_artist,track,disc",
		"-of", "json",
		path,
	}

	output, err := exec.CommandContext(ctx, p.Binary, args...).Output()
	if err != nil {
		return Metadata{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	return parseProbeOutput(output)
}

type probeOutput struct {
	Format struct {
		Duration string            `json:"duration"`
		Tags     map[string]string `json:"tags"`
	} `json:"format"`
}

func parseProbeOutput(raw []byte) (Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return Metadata{}, fmt.Errorf("invalid ffprobe json: %w", err)
	}

	var meta Metadata
	if seconds, err := strconv.ParseFloat(strings.TrimSpace(out.Format.Duration), 64); err == nil && seconds > 0 {
		meta.Duration = time.Duration(seconds * float64(time.Second))
	}

	tags := make(map[string]string, len(out.Format.Tags))
	for k, v := range out.Format.Tags {
		tags[strings.ToLower(k)] = strings.TrimSpace(v)
	}

	meta.Title = tags["title"]
	meta.Artist = tags["artist"]
	if meta.Artist == "" {
		meta.Artist = tags["album_artist"]
	}
	meta.Number = leadingInt(tags["track"])
	meta.Disc = leadingInt(tags["disc"])
	return meta, nil
}

// leadingInt parses "3", "3/12" and similar tag values.
func leadingInt(value string) int {
	value = strings.TrimSpace(value)
	if i := strings.IndexAny(value, "/ "); i >= 0 {
		value = value[:i]
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
