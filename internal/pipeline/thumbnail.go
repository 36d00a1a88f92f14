package pipeline

import (
	"context"
	"fmt"
	"image"
	"path/filepath"
	"strconv"

	"github.com/disintegration/imaging"

	"mediaforge/internal/models"
)

// ThumbnailConfig tunes the best-effort frame capture stage.
type ThumbnailConfig struct {
	// SeekOffsets lists capture positions in seconds, tried in order.
	SeekOffsets []int
	// LuminanceThreshold is the minimum average luma (0-255) for a frame to
	// be accepted without trying later offsets.
	LuminanceThreshold float64
}

const (
	defaultLuminanceThreshold = 32.0
	thumbnailFilename         = "thumbnail.jpg"
	// luminanceSample bounds the cost of frame analysis; average luma over a
	// downscaled copy tracks the full frame closely enough for a darkness
	// check.
	luminanceSample = 64
)

func defaultSeekOffsets() []int {
	return []int{0, 3, 6, 9}
}

func (c ThumbnailConfig) offsets() []int {
	if len(c.SeekOffsets) == 0 {
		return defaultSeekOffsets()
	}
	return c.SeekOffsets
}

func (c ThumbnailConfig) threshold() float64 {
	if c.LuminanceThreshold <= 0 {
		return defaultLuminanceThreshold
	}
	return c.LuminanceThreshold
}

// captureThumbnail tries each seek offset until a bright enough frame is
// captured, keeping the last frame when every attempt is dark or analysis
// fails. A nil result means no frame could be captured at all; the caller
// treats that as a logged, tolerated absence rather than a job failure.
func (p *Pipeline) captureThumbnail(ctx context.Context, label, input, refDir string) *models.ThumbnailResult {
	thumbPath := filepath.Join(refDir, thumbnailFilename)
	captured := false

	for _, offset := range p.Thumbnail.offsets() {
		args := []string{
			"-y",
			"-ss", strconv.Itoa(offset),
			"-i", input,
			"-frames:v", "1",
			"-q:v", "2",
			thumbPath,
		}
		if err := p.Invoker.Run(ctx, label+":thumbnail", args...); err != nil {
			p.logger().Warn("thumbnail capture attempt failed",
				"label", label, "offset_s", offset, "error", err)
			continue
		}
		captured = true

		luma, err := averageLuminance(thumbPath)
		if err != nil {
			p.logger().Warn("thumbnail analysis failed, keeping frame",
				"label", label, "offset_s", offset, "error", err)
			break
		}
		if luma >= p.Thumbnail.threshold() {
			break
		}
		p.logger().Debug("thumbnail frame too dark, retrying",
			"label", label, "offset_s", offset, "luminance", luma)
	}

	if !captured {
		p.logger().Warn("thumbnail capture produced no frame", "label", label)
		return nil
	}
	return &models.ThumbnailResult{Path: thumbPath, Filename: thumbnailFilename}
}

// averageLuminance estimates the mean Rec.601 luma of the image at path.
var averageLuminance = func(path string) (float64, error) {
	img, err := imaging.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open thumbnail: %w", err)
	}
	sample := imaging.Resize(img, luminanceSample, 0, imaging.Box)
	return meanLuma(sample), nil
}

func meanLuma(img image.Image) float64 {
	bounds := img.Bounds()
	pixels := bounds.Dx() * bounds.Dy()
	if pixels == 0 {
		return 0
	}
	var total float64
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			// 16-bit channels scaled to 0-255.
			luma := 0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(b>>8)
			total += luma
		}
	}
	return total / float64(pixels)
}
