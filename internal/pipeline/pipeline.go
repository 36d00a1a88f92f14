// Package pipeline executes the per-job transcoding sequence: resolve the
// source URL, remux into a canonical container, capture a thumbnail, encode
// the rendition ladder, and synthesize the master manifest.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"mediaforge/internal/encoder"
	"mediaforge/internal/models"
	"mediaforge/internal/profiles"
)

// Directories holds the per-ref output tree created for one job.
type Directories struct {
	RefDir string `json:"refDir"`
	MP4Dir string `json:"mp4Dir"`
	HLSDir string `json:"hlsDir"`
}

// Observer receives progress for a running job. Implementations must be safe
// for use from the pipeline's goroutine.
type Observer interface {
	JobStatus(status models.JobStatus, message string)
	JobDirectories(dirs Directories, sanitizedRef string)
	JobSourceURL(url string)
}

// Pipeline runs jobs to completion or failure. Renditions are encoded
// strictly sequentially within one job; concurrency across jobs comes from
// the dispatcher.
type Pipeline struct {
	Resolver  *Resolver
	Invoker   encoder.Invoker
	Profiles  *profiles.Loader
	Root      string
	Thumbnail ThumbnailConfig
	Logger    *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger == nil {
		return slog.Default()
	}
	return p.Logger
}

// Run executes every stage for ref. On success the returned result references
// the remuxed mp4, optional thumbnail, master manifest, and ordered variants.
// On failure partially written rendition directories are left on disk for
// diagnostics.
func (p *Pipeline) Run(ctx context.Context, ref string, observer Observer) (*models.JobResult, error) {
	dirs, sanitizedRef, err := p.ensureOutputDirs(ref)
	if err != nil {
		return nil, err
	}
	observer.JobDirectories(dirs, sanitizedRef)
	observer.JobStatus(models.JobStatusQueued, "Preparing directories")

	observer.JobStatus(models.JobStatusDownloading, "Downloading source media")
	sourceURL, err := p.Resolver.ResolveDownloadURL(ctx, ref)
	if err != nil {
		return nil, err
	}
	observer.JobSourceURL(sourceURL)

	mp4Filename := uuid.NewString() + ".mp4"
	mp4Path := filepath.Join(dirs.MP4Dir, mp4Filename)
	if err := p.remux(ctx, sanitizedRef, sourceURL, mp4Path); err != nil {
		return nil, err
	}

	observer.JobStatus(models.JobStatusEncoding, "Capturing thumbnail")
	thumbnail := p.captureThumbnail(ctx, sanitizedRef, mp4Path, dirs.RefDir)

	observer.JobStatus(models.JobStatusEncoding, "Encoding HLS variants")
	catalog, err := p.Profiles.Load()
	if err != nil {
		return nil, err
	}
	variants, err := p.encodeLadder(ctx, sanitizedRef, mp4Path, dirs.HLSDir, catalog)
	if err != nil {
		return nil, err
	}

	masterPath, err := WriteMasterManifest(dirs.HLSDir, variants)
	if err != nil {
		return nil, err
	}

	return &models.JobResult{
		MP4:       &models.MP4Result{Path: mp4Path, Filename: mp4Filename},
		Thumbnail: thumbnail,
		HLS:       &models.HLSResult{MasterPlaylist: masterPath, Variants: variants},
	}, nil
}

func (p *Pipeline) ensureOutputDirs(ref string) (Directories, string, error) {
	sanitizedRef := SanitizeRef(ref)
	refDir := filepath.Join(p.Root, sanitizedRef)
	dirs := Directories{
		RefDir: refDir,
		MP4Dir: filepath.Join(refDir, "mp4"),
		HLSDir: filepath.Join(refDir, "hls"),
	}
	for _, dir := range []string{dirs.MP4Dir, dirs.HLSDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Directories{}, "", fmt.Errorf("prepare output directories: %w", err)
		}
	}
	return dirs, sanitizedRef, nil
}

// remux copies the resolved source into a canonical mp4 container without
// re-encoding. Resolver access headers are forwarded to ffmpeg because the
// short-lived source URL may require them.
func (p *Pipeline) remux(ctx context.Context, label, sourceURL, outputPath string) error {
	args := []string{"-y"}
	if headers := p.Resolver.HeaderString(); headers != "" {
		args = append(args, "-headers", headers)
	}
	args = append(args, "-i", sourceURL, "-c", "copy", outputPath)
	if err := p.Invoker.Run(ctx, label+":remux", args...); err != nil {
		return fmt.Errorf("remux source: %w", err)
	}
	return nil
}

func (p *Pipeline) encodeLadder(ctx context.Context, label, input, hlsDir string, catalog *profiles.Catalog) ([]models.Variant, error) {
	ladder := catalog.Profiles()
	variants := make([]models.Variant, 0, len(ladder))
	for _, profile := range ladder {
		variant, err := p.encodeVariant(ctx, label, input, hlsDir, profile)
		if err != nil {
			return nil, err
		}
		variants = append(variants, variant)
	}
	return variants, nil
}

func (p *Pipeline) encodeVariant(ctx context.Context, label, input, hlsDir string, profile profiles.Profile) (models.Variant, error) {
	variantName := profile.Name
	if variantName == "" {
		variantName = fmt.Sprintf("%dp", profile.Height)
	}
	variantName = SanitizeRef(variantName)

	variantDir := filepath.Join(hlsDir, variantName)
	if err := os.MkdirAll(variantDir, 0o755); err != nil {
		return models.Variant{}, fmt.Errorf("prepare variant directory: %w", err)
	}

	playlistPath := filepath.Join(variantDir, "playlist.m3u8")
	segmentPattern := filepath.Join(variantDir, "segment_%03d.ts")

	scaleWidth := "-2"
	if profile.Width > 0 {
		scaleWidth = strconv.Itoa(profile.Width)
	}
	args := []string{
		"-y",
		"-i", input,
		"-vf", fmt.Sprintf("scale=%s:%d", scaleWidth, profile.Height),
		"-c:v", stringOrDefault(profile.VideoCodec, "libx264"),
		"-preset", stringOrDefault(profile.Preset, "veryfast"),
		"-profile:v", stringOrDefault(profile.VideoProfile, "main"),
		"-b:v", stringOrDefault(profile.VideoBitrate, "3000k"),
		"-maxrate", stringOrDefault(profile.MaxVideoBitrate, stringOrDefault(profile.VideoBitrate, "3000k")),
		"-bufsize", bufsize(profile),
		"-c:a", stringOrDefault(profile.AudioCodec, "aac"),
		"-b:a", stringOrDefault(profile.AudioBitrate, "128k"),
		"-ac", strconv.Itoa(intOrDefault(profile.AudioChannels, 2)),
		"-hls_time", strconv.Itoa(intOrDefault(profile.SegmentSeconds, 6)),
		"-hls_playlist_type", "vod",
		"-hls_segment_filename", segmentPattern,
		"-hls_flags", "independent_segments",
		playlistPath,
	}
	if err := p.Invoker.Run(ctx, label+":hls:"+variantName, args...); err != nil {
		return models.Variant{}, fmt.Errorf("encode variant %s: %w", variantName, err)
	}

	name := profile.Name
	if name == "" {
		name = variantName
	}
	return models.Variant{
		Name:             name,
		PlaylistPath:     playlistPath,
		RelativePlaylist: variantName + "/playlist.m3u8",
		Bandwidth:        profile.Bandwidth(),
		// A profile without a width yields "0xH" here; the master manifest
		// drops the RESOLUTION attribute for those variants.
		Resolution: fmt.Sprintf("%dx%d", profile.Width, profile.Height),
	}, nil
}

func bufsize(profile profiles.Profile) string {
	if profile.VideoBufsize != "" {
		return profile.VideoBufsize
	}
	if profile.MaxVideoBitrate != "" {
		return profile.MaxVideoBitrate
	}
	return stringOrDefault(profile.VideoBitrate, "3000k")
}

func stringOrDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func intOrDefault(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}
