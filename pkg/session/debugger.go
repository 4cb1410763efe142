package session

import (
	"context"

	"github.com/grafana/remotesym/pkg/device"
	"github.com/grafana/remotesym/pkg/model"
	"github.com/grafana/remotesym/pkg/resolver"
)

// Frame is a stack frame of the selected thread.
type Frame interface {
	PC() uint64
	// Name is the resolved function name, empty when the debugger has none.
	Name() string
	// Older returns the calling frame or nil.
	Older() Frame
	// Valid is false once the frame has been invalidated, for example by a
	// symbol registration.
	Valid() bool
}

// Debugger is the part of the host debugger the session drives.
//
// RegisterSymbols invalidates every Frame returned before it.
type Debugger interface {
	Connect(ctx context.Context, address string) error
	Mappings(ctx context.Context) ([]model.Mapping, error)
	RegisterSymbols(ctx context.Context, path string, addr uint64) error
	Threads(ctx context.Context) ([]int, error)
	SelectedThread(ctx context.Context) (int, error)
	SelectThread(ctx context.Context, id int) error
	// NewestFrame returns the innermost frame of the selected thread, or nil
	// when the thread has no stack.
	NewestFrame(ctx context.Context) (Frame, error)

	// OnStop and OnExit register callbacks and return a function removing
	// them. Callbacks run on the debugger's goroutine and must not block.
	OnStop(func()) func()
	OnExit(func()) func()
}

// Target prepares the device side of a session: a debug server attached to
// the process and the remote file companion, both reachable from the host.
type Target interface {
	Prepare(ctx context.Context) (device.Endpoints, error)
	Close() error
}

// RemoteFiles is the remote file service as used by a session.
type RemoteFiles interface {
	resolver.FileService
	Connect(ctx context.Context) error
	Close() error
}

// Watcher follows the device log in the background.
type Watcher interface {
	// Announcements maps the device paths of libraries the application
	// reported loading to the file names of their symbol files.
	Announcements() map[string]string
	Stop()
}
