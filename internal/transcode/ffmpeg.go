package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Defaults for [FFmpegConfig].
const (
	DefaultFFmpegPath   = "ffmpeg"
	DefaultWriteTimeout = 5 * time.Second
	DefaultReadSize     = 4096

	killGrace = 2 * time.Second
)

// FFmpegConfig configures the external decoder process.
type FFmpegConfig struct {
	// Path is the executable. Default "ffmpeg".
	Path string `yaml:"ffmpeg_path"`

	// InputFormat is passed as -f before the input when the container can't
	// be probed from a pipe (for example "webm" or "ogg"). Empty lets the
	// decoder probe.
	InputFormat string `yaml:"input_format"`

	// Args replaces the whole argument list. Used to run a different
	// decoder with the same pipe contract.
	Args []string `yaml:"args"`

	// WriteTimeout bounds a single Write when ctx carries no deadline.
	WriteTimeout time.Duration `yaml:"write_timeout"`

	// ReadSize is the stdout read buffer size.
	ReadSize int `yaml:"-"`
}

// args returns the decoder command line: stdin in, s16le 16 kHz mono out.
func (c FFmpegConfig) args() []string {
	if len(c.Args) > 0 {
		return c.Args
	}
	args := []string{"-hide_banner", "-loglevel", "error", "-fflags", "nobuffer"}
	if c.InputFormat != "" {
		args = append(args, "-f", c.InputFormat)
	}
	return append(args,
		"-i", "pipe:0",
		"-f", "s16le", "-acodec", "pcm_s16le", "-ac", "1", "-ar", "16000",
		"pipe:1",
	)
}

// FFmpeg is a [Bridge] backed by one long-lived decoder process.
type FFmpeg struct {
	cfg FFmpegConfig
	log *slog.Logger
	q   *queue

	cmd    *exec.Cmd
	stdin  *os.File
	stderr *tailBuffer
	cancel context.CancelFunc
	exited chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once

	mu      sync.Mutex
	started bool
	closed  bool
	waitErr error
}

// NewFFmpeg returns an unstarted bridge.
func NewFFmpeg(cfg FFmpegConfig, log *slog.Logger) *FFmpeg {
	if cfg.Path == "" {
		cfg.Path = DefaultFFmpegPath
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReadSize <= 0 {
		cfg.ReadSize = DefaultReadSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &FFmpeg{cfg: cfg, log: log, q: newQueue(), exited: make(chan struct{})}
}

// Start launches the process and its stdout reader.
func (f *FFmpeg) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	if f.started {
		return errors.New("transcode: already started")
	}

	// The process is bound to the bridge, not to ctx; Close ends it.
	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	cmd := exec.CommandContext(procCtx, f.cfg.Path, f.cfg.args()...)
	cmd.WaitDelay = killGrace

	// os.Pipe gives a pollable writer so Write can honour deadlines.
	pr, pw, err := os.Pipe()
	if err != nil {
		cancel()
		return fmt.Errorf("transcode: stdin pipe: %w", err)
	}
	cmd.Stdin = pr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		pr.Close()
		pw.Close()
		return fmt.Errorf("transcode: stdout pipe: %w", err)
	}
	f.stderr = &tailBuffer{max: 2048}
	cmd.Stderr = f.stderr

	if err := cmd.Start(); err != nil {
		cancel()
		pr.Close()
		pw.Close()
		return fmt.Errorf("transcode: start %s: %w", f.cfg.Path, err)
	}
	pr.Close()

	f.cmd, f.stdin, f.cancel, f.started = cmd, pw, cancel, true
	go f.readLoop(stdout)

	f.log.Debug("transcode: decoder started", "pid", cmd.Process.Pid, "path", f.cfg.Path)
	return nil
}

// readLoop copies stdout into the queue until the process ends, then reaps
// it and ends the queue.
func (f *FFmpeg) readLoop(stdout io.Reader) {
	defer close(f.exited)
	for {
		buf := make([]byte, f.cfg.ReadSize)
		n, err := stdout.Read(buf)
		if n > 0 {
			f.q.push(buf[:n])
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				f.log.Debug("transcode: stdout read ended", "err", err)
			}
			break
		}
	}

	werr := f.cmd.Wait()
	f.mu.Lock()
	f.waitErr = werr
	closed := f.closed
	f.mu.Unlock()
	f.q.end()

	if werr != nil && !closed {
		f.log.Warn("transcode: decoder exited", "err", werr, "stderr", f.stderr.String())
	}
}

// Write forwards data to the decoder's stdin. The write is abandoned when
// ctx ends or, without a ctx deadline, after WriteTimeout.
func (f *FFmpeg) Write(ctx context.Context, data []byte) error {
	f.mu.Lock()
	started, closed := f.started, f.closed
	f.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return errors.New("transcode: write before start")
	}
	if len(data) == 0 {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(f.cfg.WriteTimeout)
	}
	if err := f.stdin.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("transcode: set write deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = f.stdin.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := f.stdin.Write(data); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if f.isClosed() {
			return ErrClosed
		}
		return fmt.Errorf("transcode: write: %w", err)
	}
	return nil
}

// Read implements [Bridge].
func (f *FFmpeg) Read(ctx context.Context) ([]byte, error) {
	return f.q.pop(ctx)
}

// Close ends the queue, closes stdin, kills the process and waits for it to
// be reaped.
func (f *FFmpeg) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closed = true
		started := f.started
		f.mu.Unlock()

		f.q.end()
		if !started {
			close(f.exited)
			return
		}
		_ = f.stdin.Close()
		f.cancel()
		select {
		case <-f.exited:
		case <-time.After(killGrace + time.Second):
			f.log.Error("transcode: decoder did not exit after kill", "pid", f.cmd.Process.Pid)
		}
	})
	return nil
}

// Exited is closed once the process has been reaped.
func (f *FFmpeg) Exited() <-chan struct{} { return f.exited }

// ExitErr returns the process's wait error once it has exited.
func (f *FFmpeg) ExitErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waitErr
}

// Pid returns the process id, or 0 before Start.
func (f *FFmpeg) Pid() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cmd == nil || f.cmd.Process == nil {
		return 0
	}
	return f.cmd.Process.Pid
}

func (f *FFmpeg) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}

var _ Bridge = (*FFmpeg)(nil)
