package remotefile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/backoff"
	"go.uber.org/atomic"
	"gopkg.in/alecthomas/kingpin.v2"
)

type Config struct {
	// Address is the host side of the forwarded companion port.
	Address       string         `yaml:"address"`
	DialTimeout   time.Duration  `yaml:"dial_timeout"`
	BackoffConfig backoff.Config `yaml:"backoff_config"`
}

func (cfg *Config) RegisterFlags(cmd *kingpin.CmdClause) {
	cmd.Flag("remote-file.dial-timeout", "Timeout of a single connection attempt to the remote file service.").Default("5s").DurationVar(&cfg.DialTimeout)
	cmd.Flag("remote-file.max-retries", "Maximum number of connection attempts to the remote file service.").Default("10").IntVar(&cfg.BackoffConfig.MaxRetries)
	cmd.Flag("remote-file.min-backoff", "Minimum delay between connection attempts.").Default("100ms").DurationVar(&cfg.BackoffConfig.MinBackoff)
	cmd.Flag("remote-file.max-backoff", "Maximum delay between connection attempts.").Default("2s").DurationVar(&cfg.BackoffConfig.MaxBackoff)
}

func DefaultConfig() Config {
	return Config{
		DialTimeout: 5 * time.Second,
		BackoffConfig: backoff.Config{
			MinBackoff: 100 * time.Millisecond,
			MaxBackoff: 2 * time.Second,
			MaxRetries: 10,
		},
	}
}

// Client talks to the remote file companion over a single connection, which
// is re-established when it drops. It is safe for concurrent use; requests
// are serialised. Close may be called at any time and unblocks a request in
// flight; after it every request fails with ErrClosed.
type Client struct {
	logger log.Logger
	cfg    Config
	closed *atomic.Bool

	// mu serialises requests and guards the stream and the active file.
	mu     sync.Mutex
	r      *bufio.Reader
	w      *bufio.Writer
	active *File

	connMu sync.Mutex
	conn   net.Conn
}

func NewClient(logger log.Logger, cfg Config) *Client {
	return &Client{
		logger: log.With(logger, "component", "remote-file-client"),
		cfg:    cfg,
		closed: atomic.NewBool(false),
	}
}

func (c *Client) connection() net.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

// Connect dials the companion, retrying while it is not yet listening.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connect(ctx)
}

// connect must be called with c.mu held.
func (c *Client) connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.connection() != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	b := backoff.New(ctx, c.cfg.BackoffConfig)
	var lastErr error
	for b.Ongoing() {
		conn, err := dialer.DialContext(ctx, "tcp", c.cfg.Address)
		if err == nil {
			c.connMu.Lock()
			c.conn = conn
			c.connMu.Unlock()
			if c.closed.Load() {
				_ = conn.Close()
				return ErrClosed
			}
			c.r = bufio.NewReaderSize(conn, MaxReadSize)
			c.w = bufio.NewWriter(conn)
			level.Debug(c.logger).Log("msg", "connected", "address", c.cfg.Address, "attempts", b.NumRetries()+1)
			return nil
		}
		lastErr = err
		level.Debug(c.logger).Log("msg", "connect failed, retrying", "address", c.cfg.Address, "err", err)
		b.Wait()
	}
	if lastErr == nil {
		lastErr = b.Err()
	}
	return fmt.Errorf("connect to remote file service at %s after %d attempts: %w", c.cfg.Address, b.NumRetries(), lastErr)
}

// Close releases the connection. Open files become unusable.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	conn := c.connection()
	if conn == nil {
		return nil
	}
	level.Debug(c.logger).Log("msg", "closing remote file connection")
	return conn.Close()
}

// Open opens path on the device.
func (c *Client) Open(ctx context.Context, path string) (*File, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := &File{c: c, path: path}
	size, err := c.open(ctx, f)
	if err != nil {
		return nil, err
	}
	f.size = size
	return f, nil
}

// Pull copies the whole remote file at path into w.
func (c *Client) Pull(ctx context.Context, path string, w io.Writer) (int64, error) {
	f, err := c.Open(ctx, path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	n, err := io.Copy(w, &contextReader{ctx: ctx, r: io.NewSectionReader(f, 0, f.Size())})
	if err != nil {
		return n, fmt.Errorf("pull %s: %w", path, err)
	}
	if n != f.Size() {
		return n, fmt.Errorf("pull %s: short read %d of %d bytes", path, n, f.Size())
	}
	return n, nil
}

func (c *Client) open(ctx context.Context, f *File) (int64, error) {
	var size int64
	err := c.roundTrip(ctx, request{cmd: cmdOpen, path: f.path}, func() error {
		n, err := readResponse(c.r)
		size = n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", f.path, err)
	}
	c.active = f
	return size, nil
}

func (c *Client) readAt(f *File, p []byte, off int64) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := context.Background()
	if c.active != f {
		if _, err := c.open(ctx, f); err != nil {
			return 0, err
		}
	}

	var total int
	for total < len(p) {
		chunk := p[total:]
		if len(chunk) > MaxReadSize {
			chunk = chunk[:MaxReadSize]
		}
		var n int
		err := c.roundTrip(ctx, request{cmd: cmdRead, offset: off + int64(total), length: int64(len(chunk))}, func() error {
			got, err := readResponse(c.r)
			if err != nil {
				return err
			}
			if got > int64(len(chunk)) {
				return fmt.Errorf("server returned %d bytes for a %d byte read", got, len(chunk))
			}
			n, err = io.ReadFull(c.r, chunk[:got])
			return err
		})
		total += n
		if err != nil {
			return total, fmt.Errorf("read %s: %w", f.path, err)
		}
		if n < len(chunk) {
			return total, io.EOF
		}
	}
	return total, nil
}

func (c *Client) closeFile(f *File) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != f {
		return nil
	}
	c.active = nil
	return c.roundTrip(context.Background(), request{cmd: cmdClose}, func() error {
		_, err := readResponse(c.r)
		return err
	})
}

// roundTrip sends req and runs read to consume the response, connecting
// first if the previous connection was lost. A cancelled context or a
// transport failure leaves the stream in an unknown state, so the connection
// is dropped and the next request dials again. Must be called with c.mu held.
func (c *Client) roundTrip(ctx context.Context, req request, read func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.connect(ctx); err != nil {
		return err
	}
	conn := c.connection()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	err := c.send(req)
	if err == nil {
		err = read()
	}
	if err == nil {
		return nil
	}
	var remoteErr *RemoteError
	if errors.Is(err, ErrNotExist) || errors.As(err, &remoteErr) {
		return err
	}
	c.drop(conn)
	if c.closed.Load() {
		// Closed underneath us.
		return ErrClosed
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	level.Warn(c.logger).Log("msg", "dropping remote file connection", "err", err)
	return fmt.Errorf("%w: %v", ErrConnectionLost, err)
}

// drop forgets conn and the file open on it. Must be called with c.mu held.
func (c *Client) drop(conn net.Conn) {
	c.active = nil
	c.r, c.w = nil, nil
	c.connMu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.connMu.Unlock()
	_ = conn.Close()
}

func (c *Client) send(req request) error {
	if _, err := c.w.WriteString(req.String()); err != nil {
		return err
	}
	return c.w.Flush()
}

// File is an open remote file. Reads on different files of the same client
// are serialised; reading a file that is not the active one re-opens it.
type File struct {
	c      *Client
	path   string
	size   int64
	mu     sync.Mutex
	closed bool
}

func (f *File) Path() string { return f.path }

func (f *File) Size() int64 { return f.size }

// ReadAt implements io.ReaderAt.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if off < 0 {
		return 0, fmt.Errorf("read %s: negative offset", f.path)
	}
	if off >= f.size {
		return 0, io.EOF
	}
	return f.c.readAt(f, p, off)
}

func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()
	return f.c.closeFile(f)
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *contextReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if len(p) > MaxReadSize {
		p = p[:MaxReadSize]
	}
	return r.r.Read(p)
}
