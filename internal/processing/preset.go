package processing

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Preset describes reusable ffmpeg output settings.
type Preset struct {
	Name         string
	VideoCodec   string
	AudioCodec   string
	VideoBitrate string
	AudioBitrate string
	CRF          int
	Speed        string
	PixelFormat  string
	FrameRate    string
	// MaxHeight scales the video down to at most this many lines.
	MaxHeight int
	Filters   []string
	ExtraArgs []string
}

// Args returns the ffmpeg output arguments encoded by the preset.
func (p Preset) Args() []string {
	args := make([]string, 0, 16+len(p.ExtraArgs))
	if p.VideoCodec != "" {
		args = append(args, "-c:v", p.VideoCodec)
	}
	if p.Speed != "" {
		args = append(args, "-preset", p.Speed)
	}
	if p.CRF > 0 {
		args = append(args, "-crf", strconv.Itoa(p.CRF))
	}
	if p.VideoBitrate != "" {
		args = append(args, "-b:v", p.VideoBitrate)
	}
	if p.PixelFormat != "" {
		args = append(args, "-pix_fmt", p.PixelFormat)
	}
	if p.FrameRate != "" {
		args = append(args, "-r", p.FrameRate)
	}
	filters := p.Filters
	if p.MaxHeight > 0 {
		filters = append([]string{fmt.Sprintf("scale=-2:'min(%d,ih)'", p.MaxHeight)}, filters...)
	}
	if len(filters) > 0 {
		args = append(args, "-vf", strings.Join(filters, ","))
	}
	if p.AudioCodec != "" {
		args = append(args, "-c:a", p.AudioCodec)
	}
	if p.AudioBitrate != "" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	args = append(args, p.ExtraArgs...)
	return args
}

// PresetLibrary stores named presets.
type PresetLibrary struct {
	presets map[string]Preset
}

// NewPresetLibrary constructs a library from a map of presets.
func NewPresetLibrary(m map[string]Preset) *PresetLibrary {
	cp := make(map[string]Preset, len(m))
	for k, v := range m {
		v.Name = k
		cp[k] = v
	}
	return &PresetLibrary{presets: cp}
}

// DefaultPresets returns the built-in web delivery presets.
func DefaultPresets() *PresetLibrary {
	return NewPresetLibrary(map[string]Preset{
		"default": {
			VideoCodec:   "libx264",
			Speed:        "veryfast",
			CRF:          28,
			PixelFormat:  "yuv420p",
			MaxHeight:    720,
			AudioCodec:   "aac",
			AudioBitrate: "128k",
			ExtraArgs:    []string{"-movflags", "+faststart"},
		},
		"small": {
			VideoCodec:   "libx264",
			Speed:        "faster",
			CRF:          32,
			PixelFormat:  "yuv420p",
			MaxHeight:    480,
			AudioCodec:   "aac",
			AudioBitrate: "96k",
			ExtraArgs:    []string{"-movflags", "+faststart"},
		},
	})
}

// Get retrieves a preset by name.
func (l *PresetLibrary) Get(name string) (Preset, bool) {
	if l == nil {
		return Preset{}, false
	}
	preset, ok := l.presets[name]
	return preset, ok
}

// Merge returns a library holding the presets of l overridden by other.
func (l *PresetLibrary) Merge(other *PresetLibrary) *PresetLibrary {
	merged := make(map[string]Preset)
	for _, lib := range []*PresetLibrary{l, other} {
		if lib == nil {
			continue
		}
		for k, v := range lib.presets {
			merged[k] = v
		}
	}
	return NewPresetLibrary(merged)
}

// LoadPresetFile reads presets from a YAML file on disk.
func LoadPresetFile(path string) (*PresetLibrary, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("load preset file: %w", err)
	}
	type rawPreset struct {
		VideoCodec   string   `yaml:"video_codec"`
		AudioCodec   string   `yaml:"audio_codec"`
		VideoBitrate string   `yaml:"video_bitrate"`
		AudioBitrate string   `yaml:"audio_bitrate"`
		CRF          int      `yaml:"crf"`
		Speed        string   `yaml:"speed"`
		PixelFormat  string   `yaml:"pixel_format"`
		FrameRate    string   `yaml:"frame_rate"`
		MaxHeight    int      `yaml:"max_height"`
		Filters      []string `yaml:"filters"`
		ExtraArgs    []string `yaml:"extra_args"`
	}
	var payload struct {
		Presets map[string]rawPreset `yaml:"presets"`
	}
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse preset file: %w", err)
	}
	presets := make(map[string]Preset, len(payload.Presets))
	for name, rp := range payload.Presets {
		presets[name] = Preset{
			Name:         name,
			VideoCodec:   rp.VideoCodec,
			AudioCodec:   rp.AudioCodec,
			VideoBitrate: rp.VideoBitrate,
			AudioBitrate: rp.AudioBitrate,
			CRF:          rp.CRF,
			Speed:        rp.Speed,
			PixelFormat:  rp.PixelFormat,
			FrameRate:    rp.FrameRate,
			MaxHeight:    rp.MaxHeight,
			Filters:      append([]string(nil), rp.Filters...),
			ExtraArgs:    append([]string(nil), rp.ExtraArgs...),
		}
	}
	return NewPresetLibrary(presets), nil
}
