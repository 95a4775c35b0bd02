package camera

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"portrait-capture/pkg/errs"
	"portrait-capture/pkg/utils"
)

const (
	SampleRate = 48000
	Channels   = 2

	micStartTimeout = 500 * time.Millisecond
	micChunkSize    = 4096
)

// Microphone captures PCM from an ALSA device through arecord.
type Microphone struct {
	Device  string
	Command string
}

func NewMicrophone(dev string) *Microphone {
	return &Microphone{Device: dev, Command: "arecord"}
}

func (m *Microphone) args() []string {
	return []string{
		"-D", m.Device,
		"-f", "S16_LE",
		"-r", fmt.Sprint(SampleRate),
		"-c", fmt.Sprint(Channels),
		"-t", "raw",
		"-q",
		"-",
	}
}

func (m *Microphone) OpenAudio(_ context.Context) (AudioTrack, error) {
	cmd := exec.Command(m.Command, m.args()...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := utils.NewStderrBuffer()
	cmd.Stderr = stderr
	if err = cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return nil, errs.Wrap(errs.ErrDevice, "open microphone", err)
		}
		return nil, Classify("open microphone", err)
	}

	t := &micTrack{
		cmd:     cmd,
		stderr:  stderr,
		samples: make(chan []byte, 64),
		done:    make(chan struct{}),
	}
	first := make(chan error, 1)
	go t.read(stdout, first)

	select {
	case err := <-first:
		if err != nil {
			_ = t.Stop()
			return nil, err
		}
	case <-time.After(micStartTimeout):
		// still running, no sample yet
	}

	return t, nil
}

type micTrack struct {
	cmd     *exec.Cmd
	stderr  *utils.BoundedBuffer
	samples chan []byte
	done    chan struct{}
	once    sync.Once
}

func (t *micTrack) read(r io.Reader, first chan<- error) {
	defer close(t.done)
	defer close(t.samples)
	signaled := false
	for {
		buf := make([]byte, micChunkSize)
		n, err := r.Read(buf)
		if n > 0 {
			if !signaled {
				first <- nil
				signaled = true
			}
			select {
			case t.samples <- buf[:n]:
			default:
			}
		}
		if err != nil {
			if !signaled {
				_ = t.cmd.Wait()
				first <- classifyMic(t.stderr.String())
			}
			return
		}
	}
}

func classifyMic(stderr string) error {
	msg := utils.LastLine(stderr)
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "permission denied"):
		return errs.Wrap(errs.ErrPermission, "open microphone", errors.New(msg))
	case strings.Contains(lower, "no such"), strings.Contains(lower, "audio open error"):
		return errs.Wrap(errs.ErrDevice, "open microphone", errors.New(msg))
	}
	return fmt.Errorf("microphone exited: %s", msg)
}

func (t *micTrack) Samples() <-chan []byte { return t.samples }

func (t *micTrack) SampleRate() int { return SampleRate }

func (t *micTrack) Channels() int { return Channels }

func (t *micTrack) Stop() error {
	t.once.Do(func() {
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-t.done
		_ = t.cmd.Wait()
	})
	return nil
}
