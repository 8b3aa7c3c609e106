package media

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/subtrackd/subtrackd/internal/model"
	"github.com/subtrackd/subtrackd/internal/subtitle"
	"github.com/subtrackd/subtrackd/pkg/log"
)

var textCodecs = map[string]bool{
	"ass": true, "ssa": true, "srt": true, "subrip": true,
	"webvtt": true, "vtt": true, "mov_text": true, "text": true,
}

var imageCodecs = map[string]bool{
	"hdmv_pgs_subtitle": true, "dvd_subtitle": true, "dvb_subtitle": true,
	"xsub": true, "pgssub": true,
}

// Prober enumerates and extracts embedded subtitle streams through
// ffprobe/ffmpeg.
type Prober struct {
	ffprobeCmd string
	ffmpegCmd  string
}

func NewProber() *Prober {
	return &Prober{
		ffprobeCmd: "ffprobe",
		ffmpegCmd:  "ffmpeg",
	}
}

// IsAvailable reports whether the container tools are on PATH.
func (p *Prober) IsAvailable() bool {
	if _, err := exec.LookPath(p.ffprobeCmd); err != nil {
		return false
	}
	if _, err := exec.LookPath(p.ffmpegCmd); err != nil {
		return false
	}
	return true
}

// Probe returns one EmbeddedSubtitle per subtitle stream of the container
// at path, with stream indexes renumbered within the subtitle-only
// subset. A missing tool or a transient probe failure yields an empty
// list, not an error.
func (p *Prober) Probe(ctx context.Context, path string) []model.EmbeddedSubtitle {
	cmdPath, err := exec.LookPath(p.ffprobeCmd)
	if err != nil {
		return nil
	}

	cmd := exec.CommandContext(ctx, cmdPath, p.probeArgs(path)...)
	output, err := cmd.Output()
	if err != nil {
		log.Error("ffprobe failed for %s: %v", path, err)
		return nil
	}

	var probeResult struct {
		Streams []struct {
			Index       int    `json:"index"`
			CodecType   string `json:"codec_type"`
			CodecName   string `json:"codec_name"`
			Disposition struct {
				Default int `json:"default"`
				Forced  int `json:"forced"`
			} `json:"disposition"`
			Tags struct {
				Language string `json:"language"`
				Title    string `json:"title"`
			} `json:"tags"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &probeResult); err != nil {
		log.Error("parse ffprobe output for %s: %v", path, err)
		return nil
	}

	streams := make([]model.EmbeddedSubtitle, 0, len(probeResult.Streams))
	for _, stream := range probeResult.Streams {
		if stream.CodecType != "subtitle" {
			continue
		}
		streams = append(streams, model.EmbeddedSubtitle{
			StreamIndex: len(streams),
			Language:    stream.Tags.Language,
			Title:       stream.Tags.Title,
			CodecName:   stream.CodecName,
			IsTextBased: IsTextCodec(stream.CodecName),
			IsDefault:   stream.Disposition.Default == 1,
			IsForced:    stream.Disposition.Forced == 1,
		})
	}
	return streams
}

// Extract writes the subtitle stream at streamIndex to a sidecar file
// next to the container, named <base>.<lang|streamN>.<ext>. Text codecs
// convert to SRT except ASS/SSA which keep their native form; extracted
// SRT output is cleaned up afterwards.
func (p *Prober) Extract(ctx context.Context, path string, streamIndex int, codec string, langCode string) (string, error) {
	cmdPath, err := exec.LookPath(p.ffmpegCmd)
	if err != nil {
		return "", fmt.Errorf("ffmpeg not available: %w", err)
	}
	if !IsTextCodec(codec) {
		return "", fmt.Errorf("cannot extract image-based codec %q", codec)
	}

	tag := langCode
	if tag == "" {
		tag = fmt.Sprintf("stream%d", streamIndex)
	}
	ext, outCodec := extractionTarget(codec)

	base := strings.TrimSuffix(path, filepath.Ext(path))
	outPath := fmt.Sprintf("%s.%s%s", base, tag, ext)

	cmd := exec.CommandContext(ctx, cmdPath, p.extractArgs(path, streamIndex, outCodec, outPath)...)
	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		return "", fmt.Errorf("extract stream %d from %s: %w", streamIndex, path, err)
	}

	if ext == ".srt" {
		if err := cleanupExtractedSRT(outPath); err != nil {
			log.Warn("cleanup of extracted subtitle %s failed: %v", outPath, err)
		}
	}
	return outPath, nil
}

func (p *Prober) probeArgs(path string) []string {
	return []string{
		"-v", "quiet",
		"-print_format", "json",
		"-show_streams",
		"-select_streams", "s",
		path,
	}
}

func (p *Prober) extractArgs(path string, streamIndex int, outCodec string, outPath string) []string {
	return []string{
		"-y",
		"-v", "quiet",
		"-i", path,
		"-map", fmt.Sprintf("0:s:%d", streamIndex),
		"-c:s", outCodec,
		outPath,
	}
}

// extractionTarget picks the sidecar extension and ffmpeg subtitle codec
// for a stream codec.
func extractionTarget(codec string) (ext string, outCodec string) {
	switch strings.ToLower(codec) {
	case "ass":
		return ".ass", "copy"
	case "ssa":
		return ".ssa", "copy"
	default:
		return ".srt", "srt"
	}
}

func cleanupExtractedSRT(path string) error {
	f, err := subtitle.Read(path)
	if err != nil {
		return err
	}
	subtitle.CleanupExtracted(f)
	return subtitle.Write(path, f)
}

// IsTextCodec classifies a subtitle codec name; unknown codecs are
// treated as image-based.
func IsTextCodec(codec string) bool {
	return textCodecs[strings.ToLower(codec)]
}

// IsImageCodec reports whether the codec is a known bitmap subtitle
// format.
func IsImageCodec(codec string) bool {
	return imageCodecs[strings.ToLower(codec)]
}
