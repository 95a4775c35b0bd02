package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/vincent-vinf/go-jsend"
	"go.uber.org/zap"

	"portrait-capture/pkg/camera"
	"portrait-capture/pkg/clock"
	"portrait-capture/pkg/config"
	"portrait-capture/pkg/normalize"
	"portrait-capture/pkg/notify"
	"portrait-capture/pkg/session"
	"portrait-capture/pkg/storage"
	"portrait-capture/pkg/types"
	"portrait-capture/pkg/upload"
	"portrait-capture/pkg/utils"
	"portrait-capture/pkg/video"
)

var (
	port       = flag.Int("port", 9999, "ui port")
	configPath = flag.String("config", "./portrait-capture.json", "config file")
	staticsDir = flag.String("statics", "./statics", "")
	fake       = flag.Bool("fake-camera", false, "use synthetic camera frames")

	logger *zap.SugaredLogger
)

func init() {
	logger = utils.GetLogger()
}

func main() {
	flag.Parse()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal(err)
	}
	if err = utils.SetLevel(cfg.LogLevel); err != nil {
		logger.Warnf("log level %q: %s", cfg.LogLevel, err)
	}
	if *fake {
		cfg.Camera.Fake = true
	}

	a, err := newApp(cfg, videoOpener(cfg), audioOpener(cfg))
	if err != nil {
		logger.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.clock.Run(ctx, cfg.NTPInterval())

	r := a.router()
	if err = registerStaticsDir(r, *staticsDir, "/"); err != nil {
		logger.Warn(err)
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, jsend.SimpleErr("page not found"))
	})

	utils.ListenAndServe(r, *port, cancel, a.close)
}

// app is everything the handlers share.
type app struct {
	cfg      *config.Config
	camera   *camera.Manager
	ffmpeg   *video.FFmpeg
	chain    []video.Codec
	encoders *video.Encoders
	store    *storage.Store
	hub      *notify.Hub
	clock    *clock.Clock
	sessions *session.Registry
}

func newApp(cfg *config.Config, vo camera.VideoOpener, ao camera.AudioOpener) (*app, error) {
	chain, err := video.Chain(cfg.Encoder.Codecs)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:    cfg,
		camera: camera.NewManager(vo, ao, cfg.Camera.Width, cfg.Camera.Height),
		ffmpeg: video.NewFFmpeg(cfg.Encoder.FFmpeg, cfg.Encoder.FFprobe),
		chain:  chain,
		store:  storage.New(cfg.Upload.StoreMB << 20),
		hub:    notify.NewHub(cfg.Origins...),
		clock:  clock.New(cfg.NTP.Server),
	}
	a.encoders = &video.Encoders{FFmpeg: a.ffmpeg, TempDir: cfg.Encoder.TempDir}

	negotiator := upload.New(
		cfg.Upload.Endpoints,
		upload.Credentials{Token: cfg.Upload.Token, UploadedBy: cfg.Upload.UploadedBy},
		a.store,
		upload.WithClient(&http.Client{Timeout: cfg.UploadTimeout()}),
	)
	a.sessions = session.NewRegistry(session.Deps{
		Camera:      a.camera,
		Encoders:    a.encoders,
		Chain:       chain,
		Normalizer:  normalize.New(a.ffmpeg, chain, cfg.Encoder.TempDir),
		Uploader:    negotiator,
		Store:       a.store,
		Notifier:    a.hub,
		FPS:         cfg.Camera.FPS,
		Quality:     cfg.Camera.Quality,
		PhotoWidth:  cfg.Photo.MaxWidth,
		PhotoHeight: cfg.Photo.MaxHeight,
		CloseDelay:  cfg.CloseDelay(),
		Now:         a.clock.Now,
	})

	return a, nil
}

func (a *app) close() {
	a.sessions.Close()
	_ = a.camera.Release()
	a.hub.Close()
}

func videoOpener(cfg *config.Config) camera.VideoOpener {
	if cfg.Camera.Fake {
		logger.Warn("using synthetic camera frames")
		return &camera.FakeOpener{Width: 1920, Height: 1080}
	}
	devices := make(map[types.FacingMode]camera.DeviceConfig, len(cfg.Camera.Devices))
	for f, d := range cfg.Camera.Devices {
		devices[f] = camera.DeviceConfig{Path: d.Path, Rotation: d.Rotation}
	}
	return camera.NewV4L2(devices, cfg.Camera.FPS)
}

func audioOpener(cfg *config.Config) camera.AudioOpener {
	if cfg.Microphone.Device == "" {
		return nil
	}
	if cfg.Camera.Fake {
		return &camera.FakeMicrophone{}
	}
	return camera.NewMicrophone(cfg.Microphone.Device)
}

func registerStaticsDir(group gin.IRoutes, dir, relativeGroup string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("the specified directory %s does not exist", dir)
	}
	dir = filepath.ToSlash(filepath.Clean(dir))
	group.StaticFile(relativeGroup, filepath.Join(dir, "index.html"))
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			relativePath := path.Join(relativeGroup, strings.Replace(filepath.ToSlash(p), dir, "", 1))
			group.StaticFile(relativePath, p)
		}
		return nil
	})
}
