// Package gdb drives GDB through its machine interface.
package gdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

var ErrExited = errors.New("gdb exited")

// Error is a ^error result.
type Error struct {
	Command string
	Msg     string
}

func (e *Error) Error() string {
	return fmt.Sprintf("gdb: %s: %s", e.Command, e.Msg)
}

// Conn sends one MI command and returns its result record. It is implemented
// by *gdb.Gdb from github.com/cyrus-and/gdb, which pairs commands with their
// results by token. Arguments are sent verbatim and must already be quoted.
type Conn interface {
	Send(operation string, arguments ...string) (map[string]interface{}, error)
}

// Client sends MI commands over a Conn and dispatches the records GDB emits
// on its own. Only one command is in flight at a time. Stream output produced
// while a command runs is returned with its result, the rest goes to the
// console writer.
type Client struct {
	logger log.Logger
	conn   Conn

	mu sync.Mutex // serializes commands

	stateMu sync.Mutex
	capture *strings.Builder
	console io.Writer
	async   func(Record)

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient returns a client without a connection. Notify must be installed
// as the notification callback of the connection, which is then handed over
// with Attach before the first command.
func NewClient(logger log.Logger) *Client {
	return &Client{
		logger:  logger,
		console: io.Discard,
		done:    make(chan struct{}),
	}
}

// Attach sets the connection commands are sent over.
func (c *Client) Attach(conn Conn) { c.conn = conn }

// SetConsole sets where stream output not tied to a command is written.
func (c *Client) SetConsole(w io.Writer) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.console = w
}

// SetAsync sets the receiver of exec, status and notify records. It is
// called on the connection's reading goroutine and must not send commands.
func (c *Client) SetAsync(fn func(Record)) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.async = fn
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close makes pending and later commands fail with ErrExited.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Notify receives every record that is not a command result.
func (c *Client) Notify(n map[string]interface{}) {
	typ, _ := n["type"].(string)
	switch typ {
	case "console", "target":
		text, _ := n["payload"].(string)
		c.stateMu.Lock()
		if c.capture != nil {
			c.capture.WriteString(text)
			c.stateMu.Unlock()
			return
		}
		w := c.console
		c.stateMu.Unlock()
		_, _ = io.WriteString(w, text)
	case "log":
		text, _ := n["payload"].(string)
		level.Debug(c.logger).Log("msg", "gdb log", "text", strings.TrimSpace(text))
	case execRecord, notifyRecord, "status":
		c.stateMu.Lock()
		fn := c.async
		c.stateMu.Unlock()
		if fn != nil {
			fn(recordOf(n))
		}
	default:
		level.Debug(c.logger).Log("msg", "unexpected gdb record", "type", typ)
	}
}

type reply struct {
	payload Payload
	out     string
	err     error
}

// Exec sends an MI command, given without its leading dash, and waits for
// its result. It returns the console output produced by the command along
// with the result's payload.
func (c *Client) Exec(ctx context.Context, operation string, args ...string) (Payload, string, error) {
	command := strings.Join(append([]string{"-" + operation}, args...), " ")
	select {
	case <-c.done:
		return nil, "", ErrExited
	case <-ctx.Done():
		return nil, "", ctx.Err()
	default:
	}

	ch := make(chan reply, 1)
	go func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		ch <- c.send(command, operation, args)
	}()

	select {
	case r := <-ch:
		return r.payload, r.out, r.err
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-c.done:
		return nil, "", ErrExited
	}
}

func (c *Client) send(command, operation string, args []string) reply {
	var out strings.Builder
	c.stateMu.Lock()
	c.capture = &out
	c.stateMu.Unlock()

	level.Debug(c.logger).Log("msg", "gdb command", "command", command)
	res, err := c.conn.Send(operation, args...)

	c.stateMu.Lock()
	c.capture = nil
	text := out.String()
	c.stateMu.Unlock()

	if err != nil {
		return reply{err: fmt.Errorf("send %q: %w", command, err)}
	}
	payload := payloadOf(res["payload"])
	if class, _ := res["class"].(string); class == "error" {
		return reply{payload: payload, out: text, err: &Error{Command: command, Msg: payload.String("msg")}}
	}
	return reply{payload: payload, out: text}
}

// Console runs a CLI command and returns what it printed.
func (c *Client) Console(ctx context.Context, command string) (string, error) {
	_, out, err := c.Exec(ctx, "interpreter-exec", "console", quote(command))
	return out, err
}
