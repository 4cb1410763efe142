package remotefile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Server serves local files over the remote file protocol. It runs on the
// device next to the debugged process.
type Server struct {
	logger log.Logger

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	shutdown bool
	wg       sync.WaitGroup
}

func NewServer(logger log.Logger) *Server {
	return &Server{
		logger: log.With(logger, "component", "remote-file-server"),
		conns:  make(map[net.Conn]struct{}),
	}
}

// Serve accepts connections on l until ctx is cancelled. It closes l and
// every open connection before returning.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	var once sync.Once
	shutdown := func() {
		once.Do(func() {
			_ = l.Close()
			s.mu.Lock()
			s.shutdown = true
			for c := range s.conns {
				_ = c.Close()
			}
			s.mu.Unlock()
		})
	}
	stop := context.AfterFunc(ctx, shutdown)
	defer func() {
		stop()
		shutdown()
		s.wg.Wait()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = conn.Close()
			continue
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.conns, conn)
				s.mu.Unlock()
				_ = conn.Close()
			}()
			if err := s.handle(conn); err != nil && ctx.Err() == nil {
				level.Warn(s.logger).Log("msg", "connection failed", "remote", conn.RemoteAddr(), "err", err)
			}
		}()
	}
}

type session struct {
	file *os.File
	size int64
	buf  []byte
}

func (s *session) close() {
	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}
}

func (s *Server) handle(conn net.Conn) error {
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	var sess session
	defer sess.close()

	for {
		line, err := readLine(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		req, err := parseRequest(line)
		if err != nil {
			if err := writeErr(w, codeInvalid, err.Error()); err != nil {
				return err
			}
		} else if err := s.serve(&sess, req, w); err != nil {
			return err
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
}

// serve answers one request. Only failures to write the response are returned.
func (s *Server) serve(sess *session, req request, w *bufio.Writer) error {
	switch req.cmd {
	case cmdOpen:
		sess.close()
		f, err := os.Open(req.path)
		if err != nil {
			return writeErr(w, errorCode(err), err.Error())
		}
		fi, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return writeErr(w, errorCode(err), err.Error())
		}
		if fi.IsDir() {
			_ = f.Close()
			return writeErr(w, codeInvalid, req.path+" is a directory")
		}
		sess.file, sess.size = f, fi.Size()
		level.Debug(s.logger).Log("msg", "opened", "path", req.path, "size", sess.size)
		return writeOK(w, sess.size)

	case cmdRead:
		if sess.file == nil {
			return writeErr(w, codeInvalid, "no open file")
		}
		n := req.length
		if n > MaxReadSize {
			n = MaxReadSize
		}
		if cap(sess.buf) < int(n) {
			sess.buf = make([]byte, n)
		}
		buf := sess.buf[:n]
		got, err := sess.file.ReadAt(buf, req.offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return writeErr(w, codeIO, err.Error())
		}
		if err := writeOK(w, int64(got)); err != nil {
			return err
		}
		_, err = w.Write(buf[:got])
		return err

	case cmdClose:
		sess.close()
		return writeOK(w, 0)
	}
	return writeErr(w, codeInvalid, "unknown command")
}

func errorCode(err error) string {
	if errors.Is(err, fs.ErrNotExist) {
		return codeNotExist
	}
	return codeIO
}
