// Command snapshot grabs one frame from a configured camera and writes the
// portrait still the capture service would produce for it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"portrait-capture/pkg/camera"
	"portrait-capture/pkg/config"
	"portrait-capture/pkg/frame"
	"portrait-capture/pkg/types"
	imgutil "portrait-capture/pkg/utils/image"
)

var (
	configPath = flag.String("config", "./portrait-capture.json", "config file")
	facing     = flag.String("facing", string(types.FacingFront), "user or environment")
	out        = flag.String("o", "snapshot.jpg", "output file")
	timeout    = flag.Duration("timeout", 10*time.Second, "time to wait for a frame")
)

func captureOnce(ctx context.Context, cfg *config.Config, f types.FacingMode) ([]byte, error) {
	devices := make(map[types.FacingMode]camera.DeviceConfig, len(cfg.Camera.Devices))
	for k, d := range cfg.Camera.Devices {
		devices[k] = camera.DeviceConfig{Path: d.Path, Rotation: d.Rotation}
	}
	var opener camera.VideoOpener = camera.NewV4L2(devices, cfg.Camera.FPS)
	if cfg.Camera.Fake {
		opener = &camera.FakeOpener{Width: 1920, Height: 1080}
	}

	track, err := opener.OpenVideo(ctx, f, cfg.Camera.Width, cfg.Camera.Height)
	if err != nil {
		return nil, err
	}
	defer track.Stop()

	select {
	case data, ok := <-track.Frames():
		if !ok {
			return nil, fmt.Errorf("channel closed")
		}
		raw := camera.Frame{Data: data, Format: track.Format(), At: time.Now()}
		img, params, err := frame.Snapshot(raw, cfg.Photo.MaxWidth, cfg.Photo.MaxHeight)
		if err != nil {
			return nil, fmt.Errorf("decode frame: %w", err)
		}
		log.Printf("source %dx%d, crop %v, rotation %d", raw.Format.Width, raw.Format.Height, params.Crop, params.Rotation)
		return imgutil.JPEGBytes(img, cfg.Camera.Quality)
	case <-ctx.Done():
		return nil, fmt.Errorf("timeout waiting for frame")
	}
}

func main() {
	flag.Parse()
	cfg, err := config.Read(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if err = cfg.ValidateCamera(); err != nil {
		log.Fatal(err)
	}
	f := types.FacingMode(*facing)
	if !f.Valid() {
		log.Fatalf("unknown facing mode %q", *facing)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	data, err := captureOnce(ctx, cfg, f)
	if err != nil {
		log.Fatalf("capture failed: %v", err)
	}
	if err = os.WriteFile(*out, data, 0o644); err != nil {
		log.Fatal(err)
	}
	log.Printf("Saved file: %s", *out)
}
