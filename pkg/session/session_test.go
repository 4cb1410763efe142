package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/grafana/remotesym/pkg/device"
	"github.com/grafana/remotesym/pkg/model"
	"github.com/grafana/remotesym/pkg/remotefile"
	"github.com/grafana/remotesym/pkg/resolver"
	"github.com/grafana/remotesym/pkg/symstore"
	"github.com/grafana/remotesym/pkg/test"
	"github.com/grafana/remotesym/pkg/test/elftest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDebugger struct {
	mu sync.Mutex

	connectErr error
	address    string
	mappings   []model.Mapping
	named      []model.Mapping
	threads    []int
	stacks     map[int][]uint64
	cyclic     map[int]bool
	selectErr  map[int]error
	selected   int
	generation int
	registered []registration
	selections []int
	inspected  int
	sweeps     int
	onStop     func()
	onExit     func()
}

type registration struct {
	path string
	addr uint64
}

func newFakeDebugger() *fakeDebugger {
	return &fakeDebugger{
		stacks:    map[int][]uint64{},
		cyclic:    map[int]bool{},
		selectErr: map[int]error{},
		threads:   []int{1},
		selected:  1,
	}
}

func (d *fakeDebugger) Connect(_ context.Context, address string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = address
	return d.connectErr
}

func (d *fakeDebugger) Mappings(context.Context) ([]model.Mapping, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sweeps++
	return append([]model.Mapping(nil), d.mappings...), nil
}

func (d *fakeDebugger) addMapping(m model.Mapping) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mappings = append(d.mappings, m)
}

// RegisterSymbols names every address of the file mapped at addr and
// invalidates the frames handed out so far.
func (d *fakeDebugger) RegisterSymbols(_ context.Context, path string, addr uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	files := model.GroupMappings(d.mappings)
	f, ok := model.FindMappedFile(files, addr)
	if !ok {
		return fmt.Errorf("no mapping at %#x", addr)
	}
	d.named = append(d.named, f.Mappings...)
	d.generation++
	d.registered = append(d.registered, registration{path: path, addr: addr})
	return nil
}

func (d *fakeDebugger) Threads(context.Context) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]int(nil), d.threads...), nil
}

func (d *fakeDebugger) SelectedThread(context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selected, nil
}

func (d *fakeDebugger) SelectThread(_ context.Context, id int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selections = append(d.selections, id)
	if err := d.selectErr[id]; err != nil {
		return err
	}
	d.selected = id
	return nil
}

func (d *fakeDebugger) NewestFrame(context.Context) (Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	pcs := d.stacks[d.selected]
	if len(pcs) == 0 {
		return nil, nil
	}
	return &fakeFrame{d: d, pcs: pcs, cyclic: d.cyclic[d.selected], gen: d.generation}, nil
}

func (d *fakeDebugger) OnStop(fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onStop = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.onStop = nil
	}
}

func (d *fakeDebugger) OnExit(fn func()) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onExit = fn
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.onExit = nil
	}
}

func (d *fakeDebugger) fireStop() {
	d.mu.Lock()
	fn := d.onStop
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *fakeDebugger) fireExit() {
	d.mu.Lock()
	fn := d.onExit
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (d *fakeDebugger) subscribed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onStop != nil || d.onExit != nil
}

func (d *fakeDebugger) registrations() []registration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]registration(nil), d.registered...)
}

func (d *fakeDebugger) inspections() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inspected
}

type fakeFrame struct {
	d      *fakeDebugger
	pcs    []uint64
	idx    int
	cyclic bool
	gen    int
}

func (f *fakeFrame) PC() uint64 { return f.pcs[f.idx] }

func (f *fakeFrame) Name() string {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	f.d.inspected++
	for _, m := range f.d.named {
		if m.Contains(f.PC()) {
			return fmt.Sprintf("fn_%x", f.PC())
		}
	}
	return ""
}

func (f *fakeFrame) Older() Frame {
	next := f.idx + 1
	if next >= len(f.pcs) {
		if !f.cyclic {
			return nil
		}
		next = 0
	}
	return &fakeFrame{d: f.d, pcs: f.pcs, idx: next, cyclic: f.cyclic, gen: f.gen}
}

func (f *fakeFrame) Valid() bool {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	return f.gen == f.d.generation
}

type memFile struct {
	*bytes.Reader
}

func (memFile) Close() error { return nil }

type fakeFiles struct {
	mu         sync.Mutex
	address    string
	connectErr error
	files      map[string][]byte
	openErr    map[string]error
	closed     bool
}

func (f *fakeFiles) Connect(context.Context) error { return f.connectErr }

func (f *fakeFiles) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFiles) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeFiles) setFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
}

func (f *fakeFiles) setOpenErr(path string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openErr[path] = err
}

func (f *fakeFiles) Open(_ context.Context, path string) (resolver.RemoteFile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.openErr[path]; err != nil {
		return nil, err
	}
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: %w", path, remotefile.ErrNotExist)
	}
	return memFile{bytes.NewReader(data)}, nil
}

func (f *fakeFiles) Pull(_ context.Context, path string, w io.Writer) (int64, error) {
	f.mu.Lock()
	data, ok := f.files[path]
	f.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("open %s: %w", path, remotefile.ErrNotExist)
	}
	n, err := w.Write(data)
	return int64(n), err
}

type fakeTarget struct {
	mu         sync.Mutex
	prepareErr error
	closed     int
}

func (t *fakeTarget) Prepare(context.Context) (device.Endpoints, error) {
	if t.prepareErr != nil {
		return device.Endpoints{}, t.prepareErr
	}
	return device.Endpoints{DebugServer: "localhost:9999", FileService: "127.0.0.1:10000"}, nil
}

func (t *fakeTarget) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTarget) closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeWatcher struct {
	announced map[string]string
	stopped   bool
}

func (w *fakeWatcher) Announcements() map[string]string { return w.announced }
func (w *fakeWatcher) Stop()                            { w.stopped = true }

var (
	appProcess = model.Mapping{Start: 0x1000, End: 0x2000, Size: 0x1000, Path: "/system/bin/app_process"}
	libfoo     = model.Mapping{Start: 0x7000, End: 0x7200, Size: 0x200, Path: "/data/app/org.chromium.mojo.shell/lib/arm64/libfoo.so"}
	libbar     = model.Mapping{Start: 0x9000, End: 0x9400, Size: 0x400, Path: "/system/lib64/libbar.so"}
	libbaz     = model.Mapping{Start: 0xb000, End: 0xb100, Size: 0x100, Path: "/data/data/org.chromium.mojo.shell/app_cache/libbaz.so"}

	fooCode = []byte("\x1f\x20\x03\xd5 libfoo code")
	barCode = []byte("\x1f\x20\x03\xd5 libbar code")
	bazCode = []byte("\x1f\x20\x03\xd5 libbaz code")
)

func debugImage(code []byte) elftest.Image {
	return elftest.Image{Text: code, BuildID: []byte{0xaa, byte(len(code))}}
}

type fixture struct {
	cfg      Config
	debugger *fakeDebugger
	files    *fakeFiles
	target   *fakeTarget
	store    *symstore.Store
	libDir   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fx := &fixture{
		cfg:      DefaultConfig(),
		debugger: newFakeDebugger(),
		files: &fakeFiles{
			files: map[string][]byte{
				appProcess.Path: []byte("not an elf file"),
				libfoo.Path:     elftest.Image{Text: fooCode}.Bytes(),
				libbar.Path:     elftest.Image{Text: barCode}.Bytes(),
				libbaz.Path:     elftest.Image{Text: bazCode}.Bytes(),
			},
			openErr: map[string]error{},
		},
		target: &fakeTarget{},
		libDir: t.TempDir(),
	}
	debugImage(fooCode).WriteFile(t, fx.libDir, "libfoo.so")
	debugImage(barCode).WriteFile(t, fx.libDir, "libbar.so")
	debugImage(bazCode).WriteFile(t, fx.libDir, "libbaz.so")
	fx.cfg.LibraryDirs = []string{fx.libDir}
	fx.debugger.mappings = []model.Mapping{appProcess, libfoo, libbar}
	fx.debugger.named = []model.Mapping{appProcess}

	scfg := symstore.DefaultConfig()
	scfg.Dir = t.TempDir()
	scfg.DisableCloud = true
	store, err := symstore.New(log.NewNopLogger(), scfg, nil, nil)
	require.NoError(t, err)
	fx.store = store
	return fx
}

func (fx *fixture) session(t *testing.T, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithRemoteFiles(func(address string) RemoteFiles {
		fx.files.address = address
		return fx.files
	})}, opts...)
	s, err := New(test.NewTestingLogger(t), fx.cfg, fx.debugger, fx.target, fx.store, prometheus.NewRegistry(), opts...)
	require.NoError(t, err)
	return s
}

func (fx *fixture) local(name string) string {
	return fx.libDir + "/" + name
}

// run starts Run in the background and returns a function waiting for it.
func run(t *testing.T, s *Session) func() error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(context.Background()) }()
	return func() error {
		select {
		case err := <-errc:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
			return nil
		}
	}
}

func TestSession_Start(t *testing.T) {
	fx := newFixture(t)
	fx.debugger.threads = []int{1, 2, 3}
	fx.debugger.stacks[1] = []uint64{0x1100}
	fx.debugger.stacks[2] = []uint64{0x9010, 0x1100}
	fx.debugger.selectErr[3] = errors.New("thread 3 is gone")
	s := fx.session(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, "localhost:9999", fx.debugger.address)
	assert.Equal(t, "127.0.0.1:10000", fx.files.address)

	// libfoo is under /data and resolved eagerly, libbar because a frame of
	// thread 2 points into it.
	assert.Equal(t, []registration{
		{path: fx.local("libfoo.so"), addr: 0x7040},
		{path: fx.local("libbar.so"), addr: 0x9040},
	}, fx.debugger.registrations())
	assert.Equal(t, []int{1, 2, 3, 1}, fx.debugger.selections)
	assert.Equal(t, 1, fx.debugger.selected)

	a, ok := s.Resolver().Attempted(libbar.Path)
	require.True(t, ok)
	assert.Equal(t, resolver.Resolved, a.Outcome)
	_, ok = s.Resolver().Attempted(appProcess.Path)
	assert.False(t, ok, "named frames are never resolved")
	assert.True(t, fx.debugger.subscribed())

	s.Stop()
	wait := run(t, s)
	require.NoError(t, wait())
}

func TestSession_Start_WithoutTarget(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.DebugServerAddress = "localhost:5039"
	fx.cfg.RemoteFile.Address = "localhost:5040"
	s, err := New(log.NewNopLogger(), fx.cfg, fx.debugger, nil, fx.store, nil, WithRemoteFiles(func(address string) RemoteFiles {
		fx.files.address = address
		return fx.files
	}))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, "localhost:5039", fx.debugger.address)
	assert.Equal(t, "localhost:5040", fx.files.address)
	s.Stop()
	require.NoError(t, run(t, s)())
}

func TestSession_PremapAnnounced(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.PremapPrefixes = nil
	w := &fakeWatcher{announced: map[string]string{libbar.Path: "libbar.so"}}
	s := fx.session(t, WithWatcher(w))

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []registration{{path: fx.local("libbar.so"), addr: 0x9040}}, fx.debugger.registrations())

	s.Stop()
	require.NoError(t, run(t, s)())
	assert.True(t, w.stopped)
}

func TestSession_LogsSummaryOnTeardown(t *testing.T) {
	fx := newFixture(t)
	fx.debugger.mappings = []model.Mapping{appProcess, libfoo, libbaz}
	fx.files.openErr[libbaz.Path] = errors.New("connection reset by peer")
	var buf bytes.Buffer
	logger := log.NewLogfmtLogger(log.NewSyncWriter(&buf))
	s, err := New(logger, fx.cfg, fx.debugger, fx.target, fx.store, prometheus.NewRegistry(), WithRemoteFiles(func(string) RemoteFiles {
		return fx.files
	}))
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	s.Stop()
	require.NoError(t, run(t, s)())
	assert.Contains(t, buf.String(), `msg="symbol resolution summary" resolved=1 unresolved=0 failed=1`)
}

func TestSession_PremapExcludesSuffixes(t *testing.T) {
	cfg := DefaultConfig()
	for path, want := range map[string]bool{
		"/data/app/org.chromium.mojo.shell/lib/arm64/libfoo.so": true,
		"/data/app/org.chromium.mojo.shell/base.apk":            false,
		"/data/app/org.chromium.mojo.shell/oat/arm64/base.odex": false,
		"/data/data/org.chromium.mojo.shell/cache/libx.so":      true,
		"/data/user/0/org.chromium.mojo.shell/cache/liby.so":    true,
		"/system/lib64/libc.so":                                 false,
		"/dev/ashmem/dalvik-main space":                         false,
	} {
		assert.Equal(t, want, cfg.premap(model.MappedFile{Path: path}), path)
	}
}

func TestSession_WalkRestartsAfterResolution(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.PremapPrefixes = nil
	fx.debugger.stacks[1] = []uint64{0x1100, 0x9010, 0x1200, 0x1300}
	s := fx.session(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, []registration{{path: fx.local("libbar.so"), addr: 0x9040}}, fx.debugger.registrations())
	// Four frames plus the frame inspected again after the restart.
	assert.Equal(t, 5, fx.debugger.inspections())

	s.Stop()
	require.NoError(t, run(t, s)())
}

func TestSession_WalkStopsWhenChainDoesNotAdvance(t *testing.T) {
	fx := newFixture(t)
	fx.debugger.stacks[1] = []uint64{0x1100, 0x1100, 0x1200}
	s := fx.session(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 1, fx.debugger.inspections())

	s.Stop()
	require.NoError(t, run(t, s)())
}

func TestSession_WalkStopsAtMaxFrames(t *testing.T) {
	fx := newFixture(t)
	fx.cfg.MaxFrames = 5
	fx.debugger.stacks[1] = []uint64{0x1100, 0x1200}
	fx.debugger.cyclic[1] = true
	s := fx.session(t)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, 5, fx.debugger.inspections())

	s.Stop()
	require.NoError(t, run(t, s)())
}

func TestSession_Run(t *testing.T) {
	fx := newFixture(t)
	fx.debugger.threads = []int{1, 2}
	fx.debugger.stacks[1] = []uint64{0x9010, 0x1100}
	s := fx.session(t)
	require.NoError(t, s.Start(context.Background()))
	require.Len(t, fx.debugger.registrations(), 2)
	wait := run(t, s)

	// A new library appears and the process stops.
	fx.debugger.addMapping(libbaz)
	fx.debugger.fireStop()
	require.Eventually(t, func() bool {
		return len(fx.debugger.registrations()) == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, registration{path: fx.local("libbaz.so"), addr: 0xb040}, fx.debugger.registrations()[2])

	// A transient failure is only retried when every thread is updated.
	transient := errors.New("connection reset by peer")
	flaky := model.Mapping{Start: 0xd000, End: 0xd100, Size: 0x100, Path: "/data/app/org.chromium.mojo.shell/lib/arm64/libflaky.so"}
	fx.files.setFile(flaky.Path, elftest.Image{Text: fooCode}.Bytes())
	fx.files.setOpenErr(flaky.Path, transient)
	fx.debugger.addMapping(flaky)

	require.NoError(t, s.UpdateSymbols(context.Background(), false))
	require.Len(t, fx.debugger.registrations(), 3)

	fx.files.setOpenErr(flaky.Path, nil)
	require.NoError(t, s.UpdateSymbols(context.Background(), false))
	require.Len(t, fx.debugger.registrations(), 3)

	require.NoError(t, s.UpdateSymbols(context.Background(), true))
	require.Len(t, fx.debugger.registrations(), 4)
	assert.Equal(t, registration{path: fx.local("libfoo.so"), addr: 0xd040}, fx.debugger.registrations()[3])

	s.Stop()
	require.NoError(t, wait())
	<-s.Done()
	assert.False(t, fx.debugger.subscribed())
	assert.True(t, fx.files.isClosed())
	assert.Equal(t, 1, fx.target.closes())
	assert.Empty(t, fx.store.PendingTemps())
	assert.ErrorIs(t, s.UpdateSymbols(context.Background(), true), ErrClosed)
}

func TestSession_ExitEndsRun(t *testing.T) {
	fx := newFixture(t)
	s := fx.session(t)
	require.NoError(t, s.Start(context.Background()))
	wait := run(t, s)

	fx.debugger.fireExit()
	require.NoError(t, wait())
	<-s.Done()
	assert.True(t, fx.files.isClosed())
	assert.Equal(t, 1, fx.target.closes())
}

func TestSession_RunCancelled(t *testing.T) {
	fx := newFixture(t)
	s := fx.session(t)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-errc, context.Canceled)
	<-s.Done()
}

func TestSession_StartFailureTearsDown(t *testing.T) {
	t.Run("debugger", func(t *testing.T) {
		fx := newFixture(t)
		fx.debugger.connectErr = errors.New("connection refused")
		s := fx.session(t)

		err := s.Start(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "localhost:9999")
		<-s.Done()
		assert.Equal(t, 1, fx.target.closes())
		assert.False(t, fx.files.isClosed(), "never opened")
	})
	t.Run("library directory", func(t *testing.T) {
		fx := newFixture(t)
		fx.cfg.LibraryDirs = []string{fx.libDir + "/missing"}
		s := fx.session(t)

		require.Error(t, s.Start(context.Background()))
		<-s.Done()
		assert.True(t, fx.files.isClosed())
		assert.Equal(t, 1, fx.target.closes())
		assert.False(t, fx.debugger.subscribed())
	})
	t.Run("device", func(t *testing.T) {
		fx := newFixture(t)
		fx.target.prepareErr = errors.New("no devices connected")
		s := fx.session(t)

		require.ErrorContains(t, s.Start(context.Background()), "no devices connected")
		<-s.Done()
		assert.Equal(t, 1, fx.target.closes())
		require.ErrorIs(t, s.Run(context.Background()), ErrClosed)
	})
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	cfg.MaxFrames = 0
	require.Error(t, cfg.Validate())
}
