// Package logaggregator owns the line-splitting readers over every
// container's stdout/stderr: it tags each line with process/stream/time,
// keeps a bounded in-memory ring per process for fast "recent lines"
// reads, and writes the raw bytes through to a rotating log file.
// Rotation is grounded on the teacher's internal/logger.Config/Writers
// (lumberjack-backed); the ring buffer and line tee are new code, since
// the teacher writes a container's output directly to lumberjack with
// no in-memory history or event emission.
package logaggregator

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/novapm/novapm/internal/eventbus"
	"github.com/novapm/novapm/internal/logger"
	"github.com/novapm/novapm/internal/procspec"
)

// Line is one tagged line of captured process output.
type Line struct {
	ProcessName string    `json:"process_name"`
	Stream      string    `json:"stream"` // "stdout" or "stderr"
	Timestamp   time.Time `json:"timestamp"`
	Text        string    `json:"text"`
}

const defaultRingSize = 200

// ringBuffer is a fixed-capacity circular buffer of Lines; pushing past
// capacity silently overwrites the oldest entry, per the in-memory half
// of the backpressure contract (file writes below are never dropped).
type ringBuffer struct {
	mu    sync.Mutex
	lines []Line
	size  int
	start int
	count int
}

func newRingBuffer(size int) *ringBuffer {
	if size <= 0 {
		size = defaultRingSize
	}
	return &ringBuffer{lines: make([]Line, size), size: size}
}

func (r *ringBuffer) push(l Line) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.size
	r.lines[idx] = l
	if r.count < r.size {
		r.count++
	} else {
		r.start = (r.start + 1) % r.size
	}
}

func (r *ringBuffer) recent(n int) []Line {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]Line, n)
	for i := 0; i < n; i++ {
		idx := (r.start + r.count - n + i) % r.size
		out[i] = r.lines[idx]
	}
	return out
}

func (r *ringBuffer) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// process is the per-name aggregation state: its ring buffer plus the
// resolved on-disk paths used by Recent's file-tail fallback.
type process struct {
	ring       *ringBuffer
	stdoutPath string
	stderrPath string
}

// Aggregator is the Log Aggregator. The zero value is not usable; use New.
type Aggregator struct {
	mu    sync.Mutex
	procs map[string]*process
	bus   *eventbus.Bus
	log   *slog.Logger
}

// New constructs an Aggregator. A nil logger falls back to slog.Default().
func New(bus *eventbus.Bus, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{procs: make(map[string]*process), bus: bus, log: log}
}

func qualifiedName(base string, instanceIdx int) string {
	if instanceIdx <= 0 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, instanceIdx)
}

// OpenWriters implements supervisor.LogOpener. It builds (or reuses) the
// rotating stdout/stderr writers for processName/instanceIdx, each
// wrapped in a line-tee that tags, ring-buffers, and emits a `log` event
// for every complete line before forwarding the raw bytes unchanged to
// the rotating file.
func (a *Aggregator) OpenWriters(processName string, instanceIdx int, spec procspec.LogSpec) (io.WriteCloser, io.WriteCloser, error) {
	name := qualifiedName(processName, instanceIdx)

	cfg := logger.Config{
		Dir:        spec.Dir,
		StdoutPath: spec.StdoutPath,
		StderrPath: spec.StderrPath,
		MaxSizeMB:  spec.MaxSizeMB,
		MaxBackups: spec.MaxBackups,
		MaxAgeDays: spec.MaxAgeDays,
		Compress:   spec.Compress,
	}
	rawOut, rawErr, err := cfg.Writers(name)
	if err != nil {
		return nil, nil, err
	}

	a.mu.Lock()
	p, ok := a.procs[name]
	if !ok {
		p = &process{ring: newRingBuffer(spec.RingSize)}
		a.procs[name] = p
	}
	p.stdoutPath = resolvedPath(cfg, name, "stdout")
	p.stderrPath = resolvedPath(cfg, name, "stderr")
	a.mu.Unlock()

	var stdout, stderr io.WriteCloser
	if rawOut != nil {
		stdout = newLineTee(a, name, "stdout", rawOut, p.ring)
	}
	if rawErr != nil {
		stderr = newLineTee(a, name, "stderr", rawErr, p.ring)
	}
	return stdout, stderr, nil
}

func resolvedPath(cfg logger.Config, name, stream string) string {
	if stream == "stdout" && cfg.StdoutPath != "" {
		return cfg.StdoutPath
	}
	if stream == "stderr" && cfg.StderrPath != "" {
		return cfg.StderrPath
	}
	if cfg.Dir == "" {
		return ""
	}
	return filepath.Join(cfg.Dir, fmt.Sprintf("%s.%s.log", name, stream))
}

// lineTee splits writes on '\n' into complete lines, ring-buffers and
// emits each one, then forwards the original bytes unchanged to the
// rotating file. The passthrough is synchronous, so the file always
// holds exactly what the process wrote and a write is never dropped,
// even if the in-memory ring has already overwritten its view of it.
type lineTee struct {
	agg     *Aggregator
	name    string
	stream  string
	under   io.WriteCloser
	ring    *ringBuffer
	mu      sync.Mutex
	pending string
}

func newLineTee(agg *Aggregator, name, stream string, under io.WriteCloser, ring *ringBuffer) *lineTee {
	return &lineTee{agg: agg, name: name, stream: stream, under: under, ring: ring}
}

func (t *lineTee) Write(p []byte) (int, error) {
	t.mu.Lock()
	t.pending += string(p)
	for {
		idx := strings.IndexByte(t.pending, '\n')
		if idx < 0 {
			break
		}
		t.emitLine(t.pending[:idx])
		t.pending = t.pending[idx+1:]
	}
	t.mu.Unlock()
	return t.under.Write(p)
}

func (t *lineTee) emitLine(text string) {
	l := Line{ProcessName: t.name, Stream: t.stream, Timestamp: time.Now().UTC(), Text: text}
	t.ring.push(l)
	if t.agg.bus != nil {
		t.agg.bus.Publish(eventbus.Event{Type: eventbus.TypeLog, ProcessName: t.name, Data: l})
	}
}

func (t *lineTee) Close() error {
	t.mu.Lock()
	if t.pending != "" {
		t.emitLine(t.pending)
		t.pending = ""
	}
	t.mu.Unlock()
	return t.under.Close()
}

// Recent returns the last n lines for target: the ring buffer if it
// already holds n or more, otherwise the ring plus a best-effort tail
// read of the stdout log file to make up the difference.
func (a *Aggregator) Recent(target string, n int) ([]Line, error) {
	a.mu.Lock()
	p, ok := a.procs[target]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("logaggregator: unknown process %q", target)
	}
	ring := p.ring.recent(n)
	if n <= 0 || len(ring) >= n {
		return ring, nil
	}
	// The stdout file also holds the stdout lines already in the ring;
	// drop those so the file only supplies older lines.
	inRing := 0
	for _, l := range ring {
		if l.Stream == "stdout" {
			inRing++
		}
	}
	fromFile := tailFile(p.stdoutPath, n-len(ring)+inRing)
	if len(fromFile) <= inRing {
		return ring, nil
	}
	return append(fromFile[:len(fromFile)-inRing], ring...), nil
}

// Flush is a no-op hook invoked on shutdown: every write above already
// goes straight through to the file's Write, so there is no buffered
// queue in this package to force out.
func (a *Aggregator) Flush() error { return nil }

func tailFile(path string, n int) []Line {
	if path == "" || n <= 0 {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	var all []string
	for sc.Scan() {
		all = append(all, sc.Text())
	}
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]Line, len(all))
	for i, text := range all {
		out[i] = Line{Text: text}
	}
	return out
}
