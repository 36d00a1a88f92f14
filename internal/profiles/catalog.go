// Package profiles loads the encoding ladder used by the transcoding
// pipeline. The catalog is read once per process and treated as immutable; the
// declared order of profiles determines rendition and manifest emission order.
package profiles

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Profile describes one rendition in the encoding ladder. Bitrate fields use
// ffmpeg notation and accept "k"/"m" suffixes (e.g. "400k", "1.2m").
type Profile struct {
	Name            string `json:"name"`
	Width           int    `json:"width,omitempty"`
	Height          int    `json:"height"`
	VideoCodec      string `json:"videoCodec,omitempty"`
	AudioCodec      string `json:"audioCodec,omitempty"`
	Preset          string `json:"preset,omitempty"`
	VideoProfile    string `json:"profile,omitempty"`
	VideoBitrate    string `json:"videoBitrate,omitempty"`
	MaxVideoBitrate string `json:"maxVideoBitrate,omitempty"`
	VideoBufsize    string `json:"videoBufsize,omitempty"`
	AudioBitrate    string `json:"audioBitrate,omitempty"`
	AudioChannels   int    `json:"audioChannels,omitempty"`
	SegmentSeconds  int    `json:"hlsTime,omitempty"`
}

// Bandwidth returns the stream bandwidth advertised in the master manifest:
// video plus audio bitrate in bits per second, never below 1.
func (p Profile) Bandwidth() int {
	bandwidth := ParseBitrate(p.VideoBitrate) + ParseBitrate(p.AudioBitrate)
	if bandwidth < 1 {
		return 1
	}
	return bandwidth
}

// Catalog is an immutable, ordered rendition ladder.
type Catalog struct {
	profiles []Profile
}

// NewCatalog copies the provided ladder so later mutation of the input slice
// cannot leak into the catalog.
func NewCatalog(ladder []Profile) *Catalog {
	out := make([]Profile, len(ladder))
	copy(out, ladder)
	return &Catalog{profiles: out}
}

// Profiles returns the ladder in declaration order. Callers must not modify
// the returned slice.
func (c *Catalog) Profiles() []Profile {
	if c == nil {
		return nil
	}
	return c.profiles
}

// Len reports the number of renditions in the ladder.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.profiles)
}

// Loader memoizes a catalog read from a JSON file. The first Load wins; every
// subsequent call returns the same catalog (or the same error).
type Loader struct {
	path    string
	once    sync.Once
	catalog *Catalog
	err     error
}

// NewLoader prepares a lazy loader for the given profiles file.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load reads and validates the ladder on first use.
func (l *Loader) Load() (*Catalog, error) {
	l.once.Do(func() {
		raw, err := os.ReadFile(l.path)
		if err != nil {
			l.err = fmt.Errorf("read encoding profiles: %w", err)
			return
		}
		var ladder []Profile
		if err := json.Unmarshal(raw, &ladder); err != nil {
			l.err = fmt.Errorf("decode encoding profiles: %w", err)
			return
		}
		if len(ladder) == 0 {
			l.err = fmt.Errorf("no encoding profiles configured in %s", l.path)
			return
		}
		for i, profile := range ladder {
			if profile.Height <= 0 {
				l.err = fmt.Errorf("encoding profile %d (%q): height is required", i, profile.Name)
				return
			}
		}
		l.catalog = NewCatalog(ladder)
	})
	return l.catalog, l.err
}

var bitratePattern = regexp.MustCompile(`^(\d+(?:\.\d+)?)([kKmM]?)$`)

// ParseBitrate converts an ffmpeg-style bitrate value into absolute bits per
// second. Malformed values parse as 0.
func ParseBitrate(value string) int {
	match := bitratePattern.FindStringSubmatch(strings.TrimSpace(value))
	if match == nil {
		return 0
	}
	parsed, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0
	}
	switch strings.ToLower(match[2]) {
	case "k":
		parsed *= 1000
	case "m":
		parsed *= 1000 * 1000
	}
	return int(math.Round(parsed))
}
