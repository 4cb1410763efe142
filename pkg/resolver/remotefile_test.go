package resolver

import (
	"bufio"
	"context"
	"debug/elf"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/grafana/remotesym/pkg/library"
	"github.com/grafana/remotesym/pkg/remotefile"
	"github.com/grafana/remotesym/pkg/signature"
	"github.com/grafana/remotesym/pkg/test/elftest"
)

// listen accepts connections until the test ends and hands each of them to
// handle, numbered from 0.
func listen(t *testing.T, handle func(n int, conn net.Conn)) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; ; n++ {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				defer conn.Close()
				handle(n, conn)
			}(n)
		}
	}()
	t.Cleanup(func() {
		_ = l.Close()
		wg.Wait()
	})
	return l.Addr().String()
}

func startCompanion(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- remotefile.NewServer(log.NewNopLogger()).Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l.Addr().String()
}

// remoteFiles connects a real client to addr. It must be called after the
// listeners it talks to are set up, so it is closed before them.
func remoteFiles(t *testing.T, addr string) FileService {
	t.Helper()
	cfg := remotefile.DefaultConfig()
	cfg.Address = addr
	cfg.BackoffConfig = backoff.Config{MinBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, MaxRetries: 5}
	c := remotefile.NewClient(log.NewNopLogger(), cfg)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return NewFileService(c)
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

func TestRemoteSignature_MatchesLocal(t *testing.T) {
	addr := startCompanion(t)
	r := New(log.NewNopLogger(), remoteFiles(t, addr), nil, nil, &fakeRegistrar{}, prometheus.NewRegistry())
	dir := t.TempDir()

	for _, size := range []int{
		remoteReadBufferSize - elftest.TextOffset - 1,
		remoteReadBufferSize - elftest.TextOffset,
		remoteReadBufferSize,
		remoteReadBufferSize + 1,
		1<<20 - 1,
		1 << 20,
		1<<20 + 1,
		remotefile.MaxReadSize + remoteReadBufferSize + 3,
	} {
		t.Run(fmt.Sprint(size), func(t *testing.T) {
			path := elftest.Image{Text: pattern(size), Extra: []elftest.Section{
				{Name: ".debug_line", Type: elf.SHT_PROGBITS, Data: pattern(size / 3)},
			}}.WriteFile(t, dir, fmt.Sprintf("lib%d.so", size))
			want, err := signature.OfFile(path)
			require.NoError(t, err)
			require.False(t, want.Empty())

			got, err := r.remoteSignature(context.Background(), path)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestTryToMap_OverRemoteFileService(t *testing.T) {
	addr := startCompanion(t)
	device := t.TempDir()
	outDir := t.TempDir()
	code := pattern(1<<20 + 1)
	remote := elftest.Image{Text: code}.WriteFile(t, device, "data/app/lib/libbig.so")
	local := elftest.Image{Text: code, BuildID: []byte{9, 9}}.WriteFile(t, outDir, "libbig.so")

	idx, err := library.Build(context.Background(), log.NewNopLogger(), []string{outDir}, 1)
	require.NoError(t, err)
	registrar := &fakeRegistrar{}
	r := New(log.NewNopLogger(), remoteFiles(t, addr), idx, nil, registrar, prometheus.NewRegistry())

	ok, err := r.TryToMap(context.Background(), mapped(remote, 0x40000, 0x200000))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []registration{{path: local, addr: 0x40000 + elftest.TextOffset}}, registrar.calls)
}

// serveHeaderThenDrop answers OPEN with a size and hangs up on the first READ.
func serveHeaderThenDrop(_ int, conn net.Conn) {
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		switch {
		case strings.HasPrefix(line, "OPEN "):
			_, _ = io.WriteString(conn, "OK 4096\n")
		case strings.HasPrefix(line, "CLOSE"):
			_, _ = io.WriteString(conn, "OK 0\n")
		default:
			return
		}
	}
}

func TestTryToMap_ConnectionDroppedWhileReadingHeader(t *testing.T) {
	addr := listen(t, serveHeaderThenDrop)
	registrar := &fakeRegistrar{}
	r := New(log.NewNopLogger(), remoteFiles(t, addr), nil, nil, registrar, prometheus.NewRegistry())

	ok, err := r.TryToMap(context.Background(), mapped("/data/app/lib/libfoo.so", 0x7000, 0x7200))
	require.Error(t, err)
	assert.ErrorIs(t, err, remotefile.ErrConnectionLost)
	assert.False(t, ok)
	assert.Empty(t, registrar.calls)

	a, found := r.Attempted("/data/app/lib/libfoo.so")
	require.True(t, found)
	assert.Equal(t, Failed, a.Outcome)
	assert.True(t, a.Signature.Empty())
	assert.Equal(t, 1, r.ForgetFailures())
}

// proxy hangs up on the first connection as soon as it sends a request and
// forwards every later connection to target.
func proxy(t *testing.T, target string) string {
	t.Helper()
	return listen(t, func(n int, conn net.Conn) {
		if n == 0 {
			_, _ = bufio.NewReader(conn).ReadString('\n')
			return
		}
		upstream, err := net.Dial("tcp", target)
		if err != nil {
			return
		}
		defer upstream.Close()
		done := make(chan struct{}, 2)
		go func() { _, _ = io.Copy(upstream, conn); done <- struct{}{} }()
		go func() { _, _ = io.Copy(conn, upstream); done <- struct{}{} }()
		<-done
		_ = conn.Close()
		_ = upstream.Close()
		<-done
	})
}

func TestTryToMap_RetrySucceedsAfterReconnect(t *testing.T) {
	addr := proxy(t, startCompanion(t))
	device := t.TempDir()
	outDir := t.TempDir()
	remote := fooStripped.WriteFile(t, device, "libfoo.so")
	local := fooDebug.WriteFile(t, outDir, "libfoo.so")

	idx, err := library.Build(context.Background(), log.NewNopLogger(), []string{outDir}, 1)
	require.NoError(t, err)
	registrar := &fakeRegistrar{}
	r := New(log.NewNopLogger(), remoteFiles(t, addr), idx, nil, registrar, prometheus.NewRegistry())
	f := mapped(remote, 0x7000, 0x7200)

	ok, err := r.TryToMap(context.Background(), f)
	require.ErrorIs(t, err, remotefile.ErrConnectionLost)
	assert.False(t, ok)
	a, _ := r.Attempted(f.Path)
	assert.Equal(t, Failed, a.Outcome)

	require.Equal(t, 1, r.ForgetFailures())
	ok, err = r.TryToMap(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []registration{{path: local, addr: 0x7000 + elftest.TextOffset}}, registrar.calls)
}
