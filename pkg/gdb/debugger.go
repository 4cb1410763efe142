package gdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/regexp"
	"go.uber.org/atomic"

	"github.com/grafana/remotesym/pkg/model"
	"github.com/grafana/remotesym/pkg/session"
)

// Lines of `info proc mappings`. Recent GDB versions print a permissions
// column between the offset and the file name.
var mappingRe = regexp.MustCompile(`^\s*(0x[0-9a-fA-F]+)\s+(0x[0-9a-fA-F]+)\s+(0x[0-9a-fA-F]+)\s+(0x[0-9a-fA-F]+)(?:\s+[r-][w-][x-][ps-])?(?:\s+(.*?))?\s*$`)

// Debugger implements session.Debugger on top of a GDB client.
type Debugger struct {
	logger    log.Logger
	client    *Client
	maxFrames int
	init      []string

	generation *atomic.Int64

	mu       sync.Mutex
	nextID   int
	onStop   map[int]func()
	onExit   map[int]func()
	exitSeen bool
}

var _ session.Debugger = (*Debugger)(nil)

// NewDebugger returns a debugger sending commands through client. It takes
// over the client's asynchronous records.
func NewDebugger(logger log.Logger, cfg Config, client *Client) *Debugger {
	d := &Debugger{
		client:     client,
		logger:     log.With(logger, "component", "gdb"),
		maxFrames:  cfg.MaxFrames,
		init:       cfg.InitCommands,
		generation: atomic.NewInt64(0),
		onStop:     map[int]func(){},
		onExit:     map[int]func(){},
	}
	client.SetAsync(d.handle)
	return d
}

// Client gives access to the underlying client, for example to pass user
// commands through.
func (d *Debugger) Client() *Client { return d.client }

func (d *Debugger) Connect(ctx context.Context, address string) error {
	for _, setting := range [][]string{{"pagination", "off"}, {"confirm", "off"}, {"mi-async", "on"}} {
		if _, _, err := d.client.Exec(ctx, "gdb-set", setting...); err != nil {
			return err
		}
	}
	for _, cmd := range d.init {
		if _, err := d.client.Console(ctx, cmd); err != nil {
			return err
		}
	}
	if _, _, err := d.client.Exec(ctx, "target-select", "remote", address); err != nil {
		return err
	}
	level.Info(d.logger).Log("msg", "connected to debug server", "address", address)
	return nil
}

func (d *Debugger) Mappings(ctx context.Context) ([]model.Mapping, error) {
	out, err := d.client.Console(ctx, "info proc mappings")
	if err != nil {
		return nil, err
	}
	return ParseMappings(out), nil
}

// ParseMappings parses the output of `info proc mappings`. Header lines and
// anything else that is not a mapping are skipped.
func ParseMappings(out string) []model.Mapping {
	var res []model.Mapping
	for _, line := range strings.Split(out, "\n") {
		m := mappingRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var vals [4]uint64
		ok := true
		for i := range vals {
			v, err := strconv.ParseUint(m[i+1], 0, 64)
			if err != nil {
				ok = false
				break
			}
			vals[i] = v
		}
		if !ok {
			continue
		}
		res = append(res, model.Mapping{
			Start:  vals[0],
			End:    vals[1],
			Size:   vals[2],
			Offset: vals[3],
			Path:   m[5],
		})
	}
	return res
}

// RegisterSymbols loads path with its text section at addr. Frames returned
// before are invalid afterwards.
func (d *Debugger) RegisterSymbols(ctx context.Context, path string, addr uint64) error {
	if _, err := d.client.Console(ctx, fmt.Sprintf("add-symbol-file %s %#x", quote(path), addr)); err != nil {
		return err
	}
	d.generation.Inc()
	// Make gdb recompute its frames with the new symbols.
	if _, _, err := d.client.Exec(ctx, "thread-info"); err != nil {
		return err
	}
	return nil
}

func (d *Debugger) threadInfo(ctx context.Context) (Payload, error) {
	payload, _, err := d.client.Exec(ctx, "thread-info")
	return payload, err
}

func (d *Debugger) Threads(ctx context.Context) ([]int, error) {
	info, err := d.threadInfo(ctx)
	if err != nil {
		return nil, err
	}
	var ids []int
	for _, t := range info.Tuples("threads", "thread") {
		id, err := strconv.Atoi(t.String("id"))
		if err != nil {
			return nil, fmt.Errorf("invalid thread id %q", t.String("id"))
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// SelectedThread returns 0 when no thread is selected.
func (d *Debugger) SelectedThread(ctx context.Context) (int, error) {
	info, err := d.threadInfo(ctx)
	if err != nil {
		return 0, err
	}
	s := info.String("current-thread-id")
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func (d *Debugger) SelectThread(ctx context.Context, id int) error {
	_, _, err := d.client.Exec(ctx, "thread-select", strconv.Itoa(id))
	return err
}

func (d *Debugger) NewestFrame(ctx context.Context) (session.Frame, error) {
	var args []string
	if d.maxFrames > 0 {
		args = []string{"0", strconv.Itoa(d.maxFrames - 1)}
	}
	payload, _, err := d.client.Exec(ctx, "stack-list-frames", args...)
	if err != nil {
		return nil, err
	}
	var frames []frameInfo
	for _, t := range payload.Tuples("stack", "frame") {
		pc, err := strconv.ParseUint(t.String("addr"), 0, 64)
		if err != nil {
			// <unavailable> and similar mark the end of what gdb can unwind.
			break
		}
		name := t.String("func")
		if name == "??" {
			name = ""
		}
		frames = append(frames, frameInfo{pc: pc, name: name})
	}
	if len(frames) == 0 {
		return nil, nil
	}
	return &frame{d: d, frames: frames, gen: d.generation.Load()}, nil
}

type frameInfo struct {
	pc   uint64
	name string
}

// frame is a view of a stack listing taken at one point in time.
type frame struct {
	d      *Debugger
	frames []frameInfo
	idx    int
	gen    int64
}

func (f *frame) PC() uint64   { return f.frames[f.idx].pc }
func (f *frame) Name() string { return f.frames[f.idx].name }
func (f *frame) Valid() bool  { return f.gen == f.d.generation.Load() }

func (f *frame) Older() session.Frame {
	if f.idx+1 >= len(f.frames) {
		return nil
	}
	return &frame{d: f.d, frames: f.frames, idx: f.idx + 1, gen: f.gen}
}

func (d *Debugger) OnStop(fn func()) func() { return d.subscribe(d.onStop, fn) }

func (d *Debugger) OnExit(fn func()) func() { return d.subscribe(d.onExit, fn) }

func (d *Debugger) subscribe(m map[int]func(), fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextID
	d.nextID++
	m[id] = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(m, id)
	}
}

// handle receives exec and notify records from the client.
func (d *Debugger) handle(rec Record) {
	switch {
	case rec.Type == execRecord && rec.Class == "stopped":
		reason := rec.Payload.String("reason")
		if strings.HasPrefix(reason, "exited") {
			d.exited(reason)
			return
		}
		// Frames listed while the process was running are stale.
		d.generation.Inc()
		d.notify(d.onStop)
	case rec.Type == execRecord && rec.Class == "running":
		d.generation.Inc()
	case rec.Type == notifyRecord && rec.Class == "thread-group-exited":
		d.exited("thread-group-exited")
	}
}

func (d *Debugger) exited(reason string) {
	d.mu.Lock()
	seen := d.exitSeen
	d.exitSeen = true
	d.mu.Unlock()
	if seen {
		return
	}
	level.Info(d.logger).Log("msg", "debugged process exited", "reason", reason)
	d.notify(d.onExit)
}

func (d *Debugger) notify(m map[int]func()) {
	d.mu.Lock()
	fns := make([]func(), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
