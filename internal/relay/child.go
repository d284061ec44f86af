// Package relay is the Relay Supervisor (C4), the core of the core: it
// spawns one stream-copy transcoder child per enabled destination and
// tracks each destination's session independently of the others. The child
// process lifecycle (exec.CommandContext, a line-buffering stderr writer,
// an onExit callback fired from the Wait goroutine) is grounded on
// ProhibitedTV-BitRiver-Live's cmd/transcoder/main.go startFFmpeg/
// processState/makeJobExitHandler/logWriter, generalized from a batch
// rendition ladder job to one long-lived stream-copy relay per destination.
package relay

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"

	"relaycaster/internal/errs"
	"relaycaster/internal/telemetry"
)

const accumulatorLimit = 1 << 20 // 1 MiB, see spec's byte-counted-not-buffered stdout/stderr contract.

// TranscoderBinary is the external stream-copy tool the supervisor
// preflights and spawns. It is looked up on PATH at spawn time so a build
// or container without it fails fast with installation guidance.
var TranscoderBinary = "ffmpeg"

// child owns one spawned transcoder process end to end: starting it,
// counting (not buffering) its stdout, line-feeding its stderr to the
// telemetry parser, and reporting its exit via onExit exactly once.
type child struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}

	stdoutBytes atomic.Uint64
	stderrBytes atomic.Uint64
}

// spawnOpts describes one relay child invocation, already fully composed —
// URL composition per §4.4.1 happens in supervisor.go before this is
// called.
type spawnOpts struct {
	destinationID string
	inputURL      string
	outputURL     string
	isRTMPS       bool
	logger        *slog.Logger
	onStats       func(*telemetry.Stats)
	onLog         func(level, message string)
	onExit        func(err error)
}

// lookPath is a package variable so tests can stub PATH discovery without
// touching the real environment.
var lookPath = exec.LookPath

// spawnChildFunc is the supervisor's spawn entry point as a variable so
// tests can substitute a fake child lifecycle without touching os/exec.
var spawnChildFunc = spawnChild

func spawnChild(opts spawnOpts) (*child, error) {
	if _, err := lookPath(TranscoderBinary); err != nil {
		return nil, errs.New(errs.TranscoderMissing,
			"%s not found on PATH; install it and ensure it is reachable from this process's PATH", TranscoderBinary)
	}

	args := buildArgs(opts)
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, TranscoderBinary, args...)

	c := &child{cmd: cmd, cancel: cancel, done: make(chan struct{})}

	cmd.Stdout = &countingWriter{counter: &c.stdoutBytes}
	stderrWriter := &lineWriter{
		onLine: func(line string) {
			if stats := telemetry.Parse(line); stats != nil && opts.onStats != nil {
				opts.onStats(stats)
			}
			if opts.onLog != nil {
				opts.onLog("info", line)
			}
		},
		counter: &c.stderrBytes,
	}
	cmd.Stderr = stderrWriter

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, errs.New(errs.ChildExit, "start %s for destination %s: %v", TranscoderBinary, opts.destinationID, err)
	}

	go func() {
		err := cmd.Wait()
		cancel()
		close(c.done)
		if opts.onExit != nil {
			opts.onExit(err)
		}
	}()

	return c, nil
}

// stop sends SIGTERM and returns immediately; the caller does not wait for
// exit (§5 Cancellation and timeouts).
func (c *child) stop() {
	if c.cmd != nil && c.cmd.Process != nil {
		_ = c.cmd.Process.Signal(sigterm())
	}
}

// alive reports whether the process's Wait goroutine has not yet observed
// exit.
func (c *child) alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// countingWriter discards bytes but tracks how many crossed the 1 MiB
// threshold since the last reset, per the accumulator-not-buffer contract.
type countingWriter struct {
	mu      sync.Mutex
	counter *atomic.Uint64
}

func (w *countingWriter) Write(p []byte) (int, error) {
	total := w.counter.Add(uint64(len(p)))
	if total >= accumulatorLimit {
		w.counter.Store(0)
	}
	return len(p), nil
}

// lineWriter buffers only up to the next newline (never the full stream)
// before invoking onLine, mirroring the teacher's logWriter line-splitting
// but forwarding recognized lines to the statistics parser instead of a
// bare log.Printf.
type lineWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	onLine  func(string)
	counter *atomic.Uint64
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	total := w.counter.Add(uint64(len(p)))
	if total >= accumulatorLimit {
		w.counter.Store(0)
	}

	w.buf.Write(p)
	for {
		data := w.buf.Bytes()
		idx := bytes.IndexByte(data, '\n')
		if idx == -1 {
			break
		}
		line := strings.TrimSpace(string(data[:idx]))
		w.buf.Next(idx + 1)
		if line != "" && w.onLine != nil {
			w.onLine(line)
		}
	}
	return len(p), nil
}

// buildArgs composes the stream-copy ffmpeg invocation per §4.4.1: copy
// codecs, FLV mux, a 2-thread cap, info-level diagnostics, and — for RTMPS
// egress — a protocol whitelist, bounded reconnect, and a modest output
// buffer.
func buildArgs(opts spawnOpts) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "info",
		"-threads", "2",
		"-i", opts.inputURL,
		"-c:v", "copy",
		"-c:a", "copy",
		"-f", "flv",
	}
	if opts.isRTMPS {
		args = append(args,
			"-protocol_whitelist", "rtmp,rtmps,file,http,https,tcp,tls",
			"-reconnect", "1",
			"-reconnect_at_eof", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "2",
			"-bufsize", "384k",
		)
	}
	args = append(args, opts.outputURL)
	return args
}
