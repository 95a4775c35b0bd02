// Package config loads the service configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"

	"portrait-capture/pkg/camera"
	"portrait-capture/pkg/clock"
	"portrait-capture/pkg/frame"
	"portrait-capture/pkg/types"
	"portrait-capture/pkg/upload"
	"portrait-capture/pkg/video"
)

const (
	DefaultCloseDelay = 3 * time.Second
	// TokenEnv overrides the upload token from the file.
	TokenEnv = "PORTRAIT_UPLOAD_TOKEN"
)

type Device struct {
	Path string `json:"path"`
	// Rotation is used when the driver lacks the sensor rotation control.
	// -1 means unknown.
	Rotation int `json:"rotation"`
}

type Camera struct {
	// Devices maps a facing mode ("user", "environment") to a V4L2 node.
	Devices map[types.FacingMode]Device `json:"devices"`
	Width   int                         `json:"width"`
	Height  int                         `json:"height"`
	FPS     int                         `json:"fps"`
	Quality int                         `json:"quality"`
	// Fake replaces the hardware with synthetic test frames.
	Fake bool `json:"fake,omitempty"`
}

type Microphone struct {
	// Device is an ALSA device name; empty records video only.
	Device string `json:"device,omitempty"`
}

type Encoder struct {
	Codecs  []string `json:"codecs,omitempty"`
	FFmpeg  string   `json:"ffmpeg"`
	FFprobe string   `json:"ffprobe"`
	TempDir string   `json:"tempDir,omitempty"`
}

type Photo struct {
	MaxWidth  int `json:"maxWidth"`
	MaxHeight int `json:"maxHeight"`
}

type Upload struct {
	upload.Endpoints
	Token          string `json:"token,omitempty"`
	UploadedBy     string `json:"uploadedBy,omitempty"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	CloseDelayMs   int    `json:"closeDelayMs"`
	// StoreMB bounds the in-memory store for binary responses.
	StoreMB int `json:"storeMB"`
}

type NTP struct {
	Server          string `json:"server,omitempty"`
	IntervalMinutes int    `json:"intervalMinutes"`
}

type Config struct {
	Camera     Camera     `json:"camera"`
	Microphone Microphone `json:"microphone"`
	Encoder    Encoder    `json:"encoder"`
	Photo      Photo      `json:"photo"`
	Upload     Upload     `json:"upload"`
	NTP        NTP        `json:"ntp"`
	Origins    []string   `json:"origins,omitempty"`
	LogLevel   string     `json:"logLevel,omitempty"`
}

func Default() *Config {
	return &Config{
		Camera: Camera{
			Devices: map[types.FacingMode]Device{
				types.FacingFront: {Path: "/dev/video0", Rotation: camera.RotationUnknown},
				types.FacingBack:  {Path: "/dev/video2", Rotation: camera.RotationUnknown},
			},
			Width:   camera.DefaultWidth,
			Height:  camera.DefaultHeight,
			FPS:     camera.DefaultFPS,
			Quality: frame.DefaultQuality,
		},
		Encoder: Encoder{FFmpeg: "ffmpeg", FFprobe: "ffprobe"},
		Photo:   Photo{MaxWidth: frame.PhotoMaxWidth, MaxHeight: frame.PhotoMaxHeight},
		Upload: Upload{
			Endpoints:      upload.DefaultEndpoints(""),
			TimeoutSeconds: int(upload.DefaultTimeout / time.Second),
			CloseDelayMs:   int(DefaultCloseDelay / time.Millisecond),
			StoreMB:        256,
		},
		NTP:      NTP{Server: clock.DefaultServer, IntervalMinutes: int(clock.DefaultInterval / time.Minute)},
		LogLevel: "info",
	}
}

// Load reads path over the defaults and validates the result. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	c, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err = c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Read is Load without validation, for tools that only use part of the
// config.
func Read(path string) (*Config, error) {
	c := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err = json.Unmarshal(data, c); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if tok := os.Getenv(TokenEnv); tok != "" {
		c.Upload.Token = tok
	}
	c.applyDefaults()

	return c, nil
}

func (c *Config) applyDefaults() {
	d := Default()
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		c.Camera.Width, c.Camera.Height = d.Camera.Width, d.Camera.Height
	}
	if c.Camera.FPS <= 0 {
		c.Camera.FPS = d.Camera.FPS
	}
	if c.Camera.Quality <= 0 {
		c.Camera.Quality = d.Camera.Quality
	}
	if c.Encoder.FFmpeg == "" {
		c.Encoder.FFmpeg = d.Encoder.FFmpeg
	}
	if c.Encoder.FFprobe == "" {
		c.Encoder.FFprobe = d.Encoder.FFprobe
	}
	if c.Encoder.TempDir == "" {
		c.Encoder.TempDir = os.TempDir()
	}
	if c.Photo.MaxWidth <= 0 || c.Photo.MaxHeight <= 0 {
		c.Photo = d.Photo
	}
	e := &c.Upload.Endpoints
	if e.Image == "" {
		e.Image = d.Upload.Image
	}
	if e.Video == "" {
		e.Video = d.Upload.Video
	}
	if e.ImageBase == "" {
		e.ImageBase = d.Upload.ImageBase
	}
	if e.VideoBase == "" {
		e.VideoBase = d.Upload.VideoBase
	}
	if c.Upload.TimeoutSeconds <= 0 {
		c.Upload.TimeoutSeconds = d.Upload.TimeoutSeconds
	}
	if c.Upload.CloseDelayMs < 0 {
		c.Upload.CloseDelayMs = 0
	}
	if c.Upload.StoreMB <= 0 {
		c.Upload.StoreMB = d.Upload.StoreMB
	}
	if c.NTP.IntervalMinutes <= 0 {
		c.NTP.IntervalMinutes = d.NTP.IntervalMinutes
	}
}

func (c *Config) Validate() error {
	if err := c.ValidateCamera(); err != nil {
		return err
	}
	if _, err := video.Chain(c.Encoder.Codecs); err != nil {
		return fmt.Errorf("encoder.codecs: %w", err)
	}
	if c.Upload.BaseURL == "" {
		return errors.New("upload.baseURL is required")
	}

	return nil
}

// ValidateCamera checks only the camera section.
func (c *Config) ValidateCamera() error {
	if len(c.Camera.Devices) == 0 && !c.Camera.Fake {
		return errors.New("camera.devices: at least one device is required")
	}
	for f, d := range c.Camera.Devices {
		if !f.Valid() {
			return fmt.Errorf("camera.devices: unknown facing mode %q", f)
		}
		if d.Path == "" && !c.Camera.Fake {
			return fmt.Errorf("camera.devices.%s: path is required", f)
		}
		switch d.Rotation {
		case camera.RotationUnknown, 0, 90, 180, 270:
		default:
			return fmt.Errorf("camera.devices.%s: rotation %d is not a multiple of 90", f, d.Rotation)
		}
	}
	if c.Camera.Quality > 100 {
		return fmt.Errorf("camera.quality %d out of range", c.Camera.Quality)
	}

	return nil
}

func (c *Config) CloseDelay() time.Duration {
	return time.Duration(c.Upload.CloseDelayMs) * time.Millisecond
}

func (c *Config) UploadTimeout() time.Duration {
	return time.Duration(c.Upload.TimeoutSeconds) * time.Second
}

func (c *Config) NTPInterval() time.Duration {
	return time.Duration(c.NTP.IntervalMinutes) * time.Minute
}
