package encoder

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"sync"
	"time"

	procgroup "github.com/babelcloud/gbox/packages/screencast/internal/proc_group"
	"github.com/pkg/errors"
)

const (
	stderrTailLines = 20
	stopGrace       = 2 * time.Second
)

// process is an ffmpeg child with piped stdin and stdout.
type process struct {
	args   []string
	binary string
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	mu     sync.Mutex
	tail   []string
	exited chan struct{}
	err    error

	stopOnce sync.Once
}

func newProcess(binary string, args []string, logger *slog.Logger) *process {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &process{binary: binary, args: args, logger: logger}
}

func (p *process) start(ctx context.Context) error {
	if _, err := exec.LookPath(p.binary); err != nil {
		return errors.Wrapf(err, "ffmpeg binary %q not found", p.binary)
	}

	p.cmd = exec.Command(p.binary, p.args...)
	procgroup.Detach(p.cmd)
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "ffmpeg stdin")
	}
	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return errors.Wrap(err, "ffmpeg stdout")
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return errors.Wrap(err, "ffmpeg stderr")
	}
	p.stdin, p.stdout = stdin, stdout

	if err := p.cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return errors.Wrap(err, "start ffmpeg")
	}
	p.exited = make(chan struct{})
	p.logger.Info("FFmpeg encoder started", "pid", p.cmd.Process.Pid)

	go p.captureStderr(stderr)
	go func() {
		err := p.cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.exited)
	}()

	// startup failures (bad options, missing encoder) exit almost immediately
	select {
	case <-p.exited:
		return errors.Errorf("ffmpeg exited during startup: %s", p.exitReason())
	case <-time.After(50 * time.Millisecond):
		return nil
	case <-ctx.Done():
		p.stop()
		return ctx.Err()
	}
}

func (p *process) captureStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.logger.Debug("ffmpeg", "line", line)
		p.mu.Lock()
		p.tail = append(p.tail, line)
		if len(p.tail) > stderrTailLines {
			p.tail = p.tail[len(p.tail)-stderrTailLines:]
		}
		p.mu.Unlock()
	}
}

// exitReason summarises why ffmpeg exited, using its last stderr line.
func (p *process) exitReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	reason := "exit"
	if p.err != nil {
		reason = p.err.Error()
	}
	if n := len(p.tail); n > 0 {
		reason += ": " + p.tail[n-1]
	}
	return reason
}

// stop closes stdin so ffmpeg flushes and exits, then terminates it if it lingers.
func (p *process) stop() {
	p.stopOnce.Do(func() {
		if p.cmd == nil || p.cmd.Process == nil {
			return
		}
		p.stdin.Close()
		select {
		case <-p.exited:
		case <-time.After(stopGrace):
			procgroup.Terminate(p.cmd)
			select {
			case <-p.exited:
			case <-time.After(stopGrace):
				p.cmd.Process.Kill()
				<-p.exited
			}
			p.logger.Warn("FFmpeg encoder force stopped")
		}
		p.stdout.Close()
		p.logger.Info("FFmpeg encoder stopped", "reason", p.exitReason())
	})
}

// videoArgs reads raw RGBA frames on stdin and writes H.264 Annex-B on stdout.
func videoArgs(cfg VideoConfig) []string {
	gop := int(cfg.KeyFrameInterval.Seconds() * float64(cfg.FPS))
	if gop < 1 {
		gop = 1
	}
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", strconv.Itoa(cfg.Width) + "x" + strconv.Itoa(cfg.Height),
		"-r", strconv.Itoa(cfg.FPS),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-preset", cfg.Preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-profile:v", "baseline",
		"-bf", "0",
		"-g", strconv.Itoa(gop),
		"-keyint_min", strconv.Itoa(gop),
		"-sc_threshold", "0",
		"-b:v", strconv.Itoa(cfg.Bitrate),
		"-maxrate", strconv.Itoa(cfg.Bitrate),
		"-bufsize", strconv.Itoa(cfg.Bitrate),
		"-bsf:v", "h264_metadata=aud=insert",
		"-flush_packets", "1",
		"-f", "h264",
		"pipe:1",
	}
}

// audioArgs reads s16le PCM on stdin and writes ADTS AAC-LC on stdout.
func audioArgs(cfg AudioConfig) []string {
	return []string{
		"-hide_banner", "-loglevel", "warning",
		"-f", "s16le",
		"-ar", strconv.Itoa(cfg.SampleRate),
		"-ac", strconv.Itoa(cfg.Channels),
		"-i", "pipe:0",
		"-c:a", "aac",
		"-profile:a", "aac_low",
		"-b:a", strconv.Itoa(cfg.Bitrate),
		"-flush_packets", "1",
		"-f", "adts",
		"pipe:1",
	}
}
