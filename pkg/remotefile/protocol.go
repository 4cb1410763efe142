// Package remotefile implements random access to files on a remote device
// through a small line protocol spoken with a companion process.
//
// A connection has at most one open file at a time:
//
//	OPEN "<path>"\n        -> OK <size>\n | ERR <code> <message>\n
//	READ <offset> <len>\n  -> OK <n>\n followed by n bytes | ERR ...
//	CLOSE\n                -> OK 0\n
//
// A READ returning fewer bytes than requested has reached the end of file.
package remotefile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	cmdOpen  = "OPEN"
	cmdRead  = "READ"
	cmdClose = "CLOSE"

	respOK  = "OK"
	respErr = "ERR"

	codeNotExist = "ENOENT"
	codeIO       = "EIO"
	codeInvalid  = "EINVAL"

	// MaxReadSize is the largest READ the server answers in one response.
	MaxReadSize = 1 << 20

	maxLineSize = 64 << 10
)

var (
	// ErrNotExist is returned when the remote path does not exist.
	ErrNotExist = errors.New("remote file does not exist")
	// ErrClosed is returned for operations on a closed client or file.
	ErrClosed = errors.New("remote file service closed")
	// ErrConnectionLost is returned when the connection failed during a
	// request. It never matches io.EOF, so a dropped connection cannot be
	// mistaken for the end of a file. The next request reconnects.
	ErrConnectionLost = errors.New("remote file connection lost")
)

// RemoteError is a failure reported by the companion other than a missing file.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error %s: %s", e.Code, e.Message)
}

type request struct {
	cmd    string
	path   string
	offset int64
	length int64
}

func (r request) String() string {
	switch r.cmd {
	case cmdOpen:
		return cmdOpen + " " + strconv.Quote(r.path) + "\n"
	case cmdRead:
		return fmt.Sprintf("%s %d %d\n", cmdRead, r.offset, r.length)
	default:
		return r.cmd + "\n"
	}
}

func readLine(r *bufio.Reader) (string, error) {
	var sb strings.Builder
	for {
		frag, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		sb.Write(frag)
		if sb.Len() > maxLineSize {
			return "", fmt.Errorf("line exceeds %d bytes", maxLineSize)
		}
		if !isPrefix {
			return sb.String(), nil
		}
	}
}

func parseRequest(line string) (request, error) {
	cmd, rest, _ := strings.Cut(line, " ")
	switch cmd {
	case cmdOpen:
		p, err := strconv.Unquote(rest)
		if err != nil {
			return request{}, fmt.Errorf("malformed path %q", rest)
		}
		return request{cmd: cmdOpen, path: p}, nil
	case cmdRead:
		var req request
		req.cmd = cmdRead
		offs, lens, ok := strings.Cut(rest, " ")
		if !ok {
			return request{}, fmt.Errorf("malformed read %q", rest)
		}
		var err error
		if req.offset, err = strconv.ParseInt(offs, 10, 64); err != nil || req.offset < 0 {
			return request{}, fmt.Errorf("malformed offset %q", offs)
		}
		if req.length, err = strconv.ParseInt(lens, 10, 64); err != nil || req.length < 0 {
			return request{}, fmt.Errorf("malformed length %q", lens)
		}
		return req, nil
	case cmdClose:
		return request{cmd: cmdClose}, nil
	default:
		return request{}, fmt.Errorf("unknown command %q", cmd)
	}
}

// readResponse reads a status line and returns the number it carries.
func readResponse(r *bufio.Reader) (int64, error) {
	line, err := readLine(r)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, io.ErrUnexpectedEOF
		}
		return 0, err
	}
	status, rest, _ := strings.Cut(line, " ")
	switch status {
	case respOK:
		n, err := strconv.ParseInt(rest, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed response %q", line)
		}
		return n, nil
	case respErr:
		code, msg, _ := strings.Cut(rest, " ")
		if code == codeNotExist {
			return 0, fmt.Errorf("%s: %w", msg, ErrNotExist)
		}
		return 0, &RemoteError{Code: code, Message: msg}
	default:
		return 0, fmt.Errorf("malformed response %q", line)
	}
}

func writeOK(w io.Writer, n int64) error {
	_, err := fmt.Fprintf(w, "%s %d\n", respOK, n)
	return err
}

func writeErr(w io.Writer, code string, msg string) error {
	msg = strings.ReplaceAll(msg, "\n", " ")
	_, err := fmt.Fprintf(w, "%s %s %s\n", respErr, code, msg)
	return err
}
