package video

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/utils"
)

// Runner runs a child process to completion and returns its stdout.
type Runner interface {
	Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error)
}

type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args []string, stdin io.Reader) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	stderr := utils.NewStderrBuffer()
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if msg := utils.LastLine(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return stdout.Bytes(), nil
}

// FFmpeg locates the ffmpeg and ffprobe binaries and answers capability
// questions about them. The encoder list is read once.
type FFmpeg struct {
	Bin      string
	ProbeBin string
	Runner   Runner

	once     sync.Once
	encoders map[string]bool
}

func NewFFmpeg(bin, probe string) *FFmpeg {
	if bin == "" {
		bin = "ffmpeg"
	}
	if probe == "" {
		probe = "ffprobe"
	}
	return &FFmpeg{Bin: bin, ProbeBin: probe, Runner: ExecRunner{}}
}

func (f *FFmpeg) HasEncoder(name string) bool {
	f.once.Do(f.loadEncoders)
	return f.encoders[name]
}

func (f *FFmpeg) loadEncoders() {
	f.encoders = map[string]bool{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := f.Runner.Run(ctx, f.Bin, []string{"-hide_banner", "-encoders"}, nil)
	if err != nil {
		logger.Warnf("ffmpeg unavailable, only builtin codecs will be used: %s", err)
		return
	}
	f.encoders = parseEncoders(out)
	logger.Debugf("ffmpeg reports %d encoders", len(f.encoders))
}

// parseEncoders reads `ffmpeg -encoders` output: a header, a " ------"
// separator, then lines of "<flags> <name> <description>".
func parseEncoders(out []byte) map[string]bool {
	res := map[string]bool{}
	sc := bufio.NewScanner(bytes.NewReader(out))
	listing := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !listing {
			listing = strings.HasPrefix(line, "---")
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			res[fields[1]] = true
		}
	}
	return res
}

// Info is the intrinsic geometry of a media payload.
type Info struct {
	Width    int
	Height   int
	Duration time.Duration
}

type probeOutput struct {
	Streams []struct {
		Width    int    `json:"width"`
		Height   int    `json:"height"`
		Duration string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads the first video stream's dimensions from a file.
func (f *FFmpeg) Probe(ctx context.Context, path string) (Info, error) {
	out, err := f.Runner.Run(ctx, f.ProbeBin, []string{
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height,duration:format=duration",
		"-of", "json",
		path,
	}, nil)
	if err != nil {
		return Info{}, err
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (Info, error) {
	var po probeOutput
	if err := json.Unmarshal(out, &po); err != nil {
		return Info{}, fmt.Errorf("parse ffprobe output: %w", err)
	}
	if len(po.Streams) == 0 || po.Streams[0].Width == 0 || po.Streams[0].Height == 0 {
		return Info{}, errors.New("no video stream found")
	}
	s := po.Streams[0]
	info := Info{Width: s.Width, Height: s.Height}
	d := s.Duration
	if d == "" || d == "N/A" {
		d = po.Format.Duration
	}
	if sec, err := strconv.ParseFloat(d, 64); err == nil {
		info.Duration = time.Duration(sec * float64(time.Second))
	}

	return info, nil
}

// Transcode re-encodes the file at src with a video filter into codec c
// and returns the new payload.
func (f *FFmpeg) Transcode(ctx context.Context, src, filter string, c Codec) ([]byte, error) {
	args := []string{"-hide_banner", "-loglevel", "warning", "-i", src, "-vf", filter}
	args = append(args, c.AudioArgs...)
	args = append(args, c.Args...)
	args = append(args, "pipe:1")
	out, err := f.Runner.Run(ctx, f.Bin, args, nil)
	if err != nil {
		return nil, errs.Wrap(errs.ErrEncoding, "transcode "+c.Name, err)
	}
	return out, nil
}

// ffmpegEncoder pipes JPEG frames into ffmpeg's stdin, PCM into fd 3, and
// collects the encoded stream from stdout in chunks.
type ffmpegEncoder struct {
	codec  Codec
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	audio  *os.File
	stderr *utils.BoundedBuffer

	chunks   [][]byte
	readDone chan struct{}
	readErr  error

	closeOnce sync.Once
}

func encoderArgs(c Codec, p Params) []string {
	args := []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "mjpeg", "-framerate", strconv.Itoa(p.FPS), "-i", "pipe:0",
	}
	if p.Audio {
		args = append(args,
			"-f", "s16le", "-ar", strconv.Itoa(p.SampleRate), "-ac", strconv.Itoa(p.Channels), "-i", "pipe:3",
			"-map", "0:v", "-map", "1:a",
		)
		args = append(args, c.AudioArgs...)
		args = append(args, "-shortest")
	}
	args = append(args, c.Args...)
	return append(args, "pipe:1")
}

func newFFmpegEncoder(bin string, c Codec, p Params) (*ffmpegEncoder, error) {
	cmd := exec.Command(bin, encoderArgs(c, p)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	e := &ffmpegEncoder{
		codec:    c,
		cmd:      cmd,
		stdin:    stdin,
		stderr:   utils.NewStderrBuffer(),
		readDone: make(chan struct{}),
	}
	cmd.Stderr = e.stderr

	var audioR *os.File
	if p.Audio {
		audioR, e.audio, err = os.Pipe()
		if err != nil {
			return nil, err
		}
		cmd.ExtraFiles = []*os.File{audioR}
	}
	if err = cmd.Start(); err != nil {
		if audioR != nil {
			_ = audioR.Close()
			_ = e.audio.Close()
		}
		return nil, err
	}
	if audioR != nil {
		_ = audioR.Close()
	}
	go e.read(stdout)
	logger.Infof("ffmpeg encoder %s started (pid %d)", c.Name, cmd.Process.Pid)

	return e, nil
}

func (e *ffmpegEncoder) read(r io.Reader) {
	defer close(e.readDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.chunks = append(e.chunks, append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				e.readErr = err
			}
			return
		}
	}
}

func (e *ffmpegEncoder) Codec() Codec {
	return e.codec
}

func (e *ffmpegEncoder) WriteFrame(frame []byte) error {
	_, err := e.stdin.Write(frame)
	return err
}

func (e *ffmpegEncoder) WriteAudio(pcm []byte) error {
	if e.audio == nil {
		return nil
	}
	_, err := e.audio.Write(pcm)
	return err
}

func (e *ffmpegEncoder) closePipes() {
	_ = e.stdin.Close()
	if e.audio != nil {
		_ = e.audio.Close()
	}
}

// Close ends the input and waits for ffmpeg to flush its last chunk.
func (e *ffmpegEncoder) Close() ([]byte, error) {
	var (
		payload []byte
		err     error
	)
	e.closeOnce.Do(func() {
		e.closePipes()
		<-e.readDone
		if werr := e.cmd.Wait(); werr != nil {
			err = errs.Wrap(errs.ErrEncoding, "finalize "+e.codec.Name,
				fmt.Errorf("%w: %s", werr, utils.LastLine(e.stderr.String())))
			return
		}
		if e.readErr != nil {
			err = e.readErr
			return
		}
		payload = bytes.Join(e.chunks, nil)
	})
	return payload, err
}

func (e *ffmpegEncoder) Abort() {
	e.closeOnce.Do(func() {
		if e.cmd.Process != nil {
			_ = e.cmd.Process.Kill()
		}
		e.closePipes()
		<-e.readDone
		_ = e.cmd.Wait()
	})
}
