package transcode

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"layeh.com/gopus"

	"github.com/MrWong99/balcao/pkg/audio"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestQueue_FIFOAndEnd(t *testing.T) {
	t.Parallel()
	q := newQueue()
	ctx := context.Background()

	q.push([]byte("a"))
	q.push([]byte("b"))
	q.end()
	if q.push([]byte("c")) {
		t.Error("push after end accepted")
	}

	for _, want := range []string{"a", "b"} {
		got, err := q.pop(ctx)
		if err != nil || string(got) != want {
			t.Fatalf("pop = %q, %v, want %q", got, err, want)
		}
	}
	if _, err := q.pop(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("pop after drain = %v, want ErrClosed", err)
	}
	q.end() // idempotent
}

func TestQueue_EndWakesAllWaiters(t *testing.T) {
	t.Parallel()
	q := newQueue()

	const readers = 4
	errs := make(chan error, readers)
	var wg sync.WaitGroup
	for range readers {
		wg.Go(func() {
			_, err := q.pop(context.Background())
			errs <- err
		})
	}
	time.Sleep(10 * time.Millisecond)
	q.end()
	wg.Wait()
	close(errs)
	for err := range errs {
		if !errors.Is(err, ErrClosed) {
			t.Errorf("waiter woke with %v, want ErrClosed", err)
		}
	}
}

func TestQueue_PopHonoursContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := newQueue().pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("pop = %v, want deadline exceeded", err)
	}
}

func TestFFmpegConfig_Args(t *testing.T) {
	t.Parallel()
	joined := strings.Join(FFmpegConfig{InputFormat: "webm"}.args(), " ")
	for _, want := range []string{"-f webm -i pipe:0", "-ar 16000", "-ac 1", "-f s16le", "pipe:1"} {
		if !strings.Contains(joined, want) {
			t.Errorf("args %q missing %q", joined, want)
		}
	}
	if args := strings.Join(FFmpegConfig{}.args(), " "); strings.Contains(args, "-f webm") {
		t.Errorf("args without input format = %q", args)
	}
	if custom := (FFmpegConfig{Args: []string{"x"}}).args(); len(custom) != 1 {
		t.Errorf("custom args = %v", custom)
	}
}

// lookPath skips the test when a helper binary is unavailable.
func lookPath(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return p
}

func TestFFmpeg_RoundTripThroughProcess(t *testing.T) {
	t.Parallel()
	// cat honours the same stdin/stdout contract as the real decoder.
	b := NewFFmpeg(FFmpegConfig{Path: lookPath(t, "cat"), Args: []string{"-u"}}, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer b.Close()

	want := bytes.Repeat([]byte{1, 2, 3, 4}, 100)
	if err := b.Write(ctx, want); err != nil {
		t.Fatalf("Write: %v", err)
	}
	var got []byte
	for len(got) < len(want) {
		chunk, err := b.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %d bytes", len(got))
	}
}

func TestFFmpeg_CloseTerminatesAndUnblocks(t *testing.T) {
	t.Parallel()
	b := NewFFmpeg(FFmpegConfig{Path: lookPath(t, "sleep"), Args: []string{"60"}}, discardLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	pid := b.Pid()

	readErr := make(chan error, 1)
	go func() {
		_, err := b.Read(context.Background())
		readErr <- err
	}()

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case err := <-readErr:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Read = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read still blocked after Close")
	}
	select {
	case <-b.Exited():
	default:
		t.Fatal("process not reaped after Close")
	}
	if err := syscall.Kill(pid, 0); err == nil {
		t.Errorf("process %d still alive", pid)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := b.Write(context.Background(), []byte{1}); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}

func TestFFmpeg_AbnormalExit(t *testing.T) {
	t.Parallel()
	b := NewFFmpeg(FFmpegConfig{Path: lookPath(t, "sh"), Args: []string{"-c", "echo boom >&2; exit 3"}}, discardLogger())
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := b.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("Read after exit = %v, want ErrClosed", err)
	}
	<-b.Exited()
	if b.ExitErr() == nil {
		t.Error("ExitErr = nil for exit status 3")
	}
	// Close stays safe after the process died on its own.
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestFFmpeg_StartFailure(t *testing.T) {
	t.Parallel()
	b := NewFFmpeg(FFmpegConfig{Path: "/nonexistent/decoder"}, discardLogger())
	if err := b.Start(context.Background()); err == nil {
		t.Fatal("Start succeeded with missing binary")
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close after failed Start: %v", err)
	}
	if _, err := b.Read(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Read = %v, want ErrClosed", err)
	}
}

func TestFFmpeg_WriteBeforeStart(t *testing.T) {
	t.Parallel()
	b := NewFFmpeg(FFmpegConfig{}, nil)
	if err := b.Write(context.Background(), []byte{1}); err == nil {
		t.Error("Write before Start succeeded")
	}
}

func TestOpus_DecodesToCanonical(t *testing.T) {
	t.Parallel()
	enc, err := gopus.NewEncoder(48000, 1, gopus.Voip)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	frame := make([]int16, 960) // 20 ms at 48 kHz
	for i := range frame {
		frame[i] = int16((i % 48) * 400)
	}
	packet, err := enc.Encode(frame, len(frame), 4000)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	b := NewOpus(1)
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := b.Write(ctx, packet); err != nil {
		t.Fatalf("Write: %v", err)
	}
	pcm, err := b.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := audio.Canonical.Duration(len(pcm)), 20*time.Millisecond; got != want {
		t.Errorf("decoded duration = %v, want %v", got, want)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := b.Read(ctx); !errors.Is(err, ErrClosed) {
		t.Errorf("Read after Close = %v, want ErrClosed", err)
	}
	if err := b.Write(ctx, packet); !errors.Is(err, ErrClosed) {
		t.Errorf("Write after Close = %v, want ErrClosed", err)
	}
}
