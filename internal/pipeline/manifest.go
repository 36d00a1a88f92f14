package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mediaforge/internal/models"
)

// WriteMasterManifest emits the top-level HLS playlist referencing every
// produced rendition in ladder order. The RESOLUTION attribute is only
// written when the variant declares a positive width.
func WriteMasterManifest(outputDir string, variants []models.Variant) (string, error) {
	lines := []string{"#EXTM3U", "#EXT-X-VERSION:3"}

	for _, variant := range variants {
		bandwidth := variant.Bandwidth
		if bandwidth < 1 {
			bandwidth = 1
		}
		attr := fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", bandwidth)
		if width := variantWidth(variant.Resolution); width > 0 {
			attr += fmt.Sprintf(",RESOLUTION=%s", variant.Resolution)
		}
		lines = append(lines, attr, variant.RelativePlaylist)
	}

	masterPath := filepath.Join(outputDir, "master.m3u8")
	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(masterPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write master playlist: %w", err)
	}
	return masterPath, nil
}

func variantWidth(resolution string) int {
	width, _, ok := strings.Cut(resolution, "x")
	if !ok {
		return 0
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(width))
	if err != nil {
		return 0
	}
	return parsed
}
