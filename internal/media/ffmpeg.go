// Package media shells out to ffmpeg and ffprobe for audio probing and cutting.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// SupportedFormats lists audio formats that can be converted
var SupportedFormats = []string{".mp3", ".m4a", ".aac", ".ogg", ".flac", ".wav", ".webm", ".opus", ".mp4", ".mkv"}

// IsSupportedFormat checks if the file extension is a supported audio format
func IsSupportedFormat(filename string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, format := range SupportedFormats {
		if ext == format {
			return true
		}
	}
	return false
}

// FFmpeg runs the ffmpeg and ffprobe binaries.
type FFmpeg struct {
	Bin      string
	ProbeBin string
}

// New returns an FFmpeg using the given binaries, falling back to $PATH names.
func New(bin, probeBin string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if probeBin == "" {
		probeBin = "ffprobe"
	}
	return &FFmpeg{Bin: bin, ProbeBin: probeBin}
}

// Available checks that both binaries can be found.
func (f *FFmpeg) Available() error {
	if _, err := exec.LookPath(f.Bin); err != nil {
		return fmt.Errorf("ffmpeg not found: please install ffmpeg")
	}
	if _, err := exec.LookPath(f.ProbeBin); err != nil {
		return fmt.Errorf("ffprobe not found: please install ffmpeg")
	}
	return nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Duration returns the length of a media file in seconds.
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, f.ProbeBin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		path,
	)
	var out, stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w\nStderr: %s", err, stderr.String())
	}
	return parseProbe(out.Bytes())
}

func parseProbe(b []byte) (float64, error) {
	var p probeOutput
	if err := json.Unmarshal(b, &p); err != nil {
		return 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if p.Format.Duration == "" {
		return 0, fmt.Errorf("ffprobe output has no duration")
	}
	d, err := strconv.ParseFloat(p.Format.Duration, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", p.Format.Duration, err)
	}
	return d, nil
}

func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// cutArgs builds the ffmpeg arguments for a 16kHz mono WAV excerpt.
func cutArgs(in, out string, start, dur float64, denoise bool) []string {
	args := []string{
		"-y",
		"-ss", seconds(start),
		"-t", seconds(dur),
		"-i", in,
		"-ar", "16000",
		"-ac", "1",
	}
	if denoise {
		args = append(args, "-af", "afftdn")
	}
	return append(args, "-f", "wav", out)
}

// CutWindow writes [start, start+dur) of in to out as 16kHz mono WAV,
// optionally running the afftdn denoiser.
func (f *FFmpeg) CutWindow(ctx context.Context, in, out string, start, dur float64, denoise bool) error {
	return f.run(ctx, out, cutArgs(in, out, start, dur, denoise))
}

// ExtractClip writes [start, start+dur) of in to out, re-encoding for
// sample accuracy. The output format follows out's extension.
func (f *FFmpeg) ExtractClip(ctx context.Context, in, out string, start, dur float64) error {
	return f.run(ctx, out, []string{
		"-y",
		"-i", in,
		"-ss", seconds(start),
		"-t", seconds(dur),
		out,
	})
}

func (f *FFmpeg) run(ctx context.Context, out string, args []string) error {
	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	cmd := exec.CommandContext(ctx, f.Bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg failed: %w\nStderr: %s", err, stderr.String())
	}
	return nil
}
