package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-kit/log/level"
	"github.com/mitchellh/go-homedir"
	"github.com/peterh/liner"

	remotesymcontext "github.com/grafana/remotesym/pkg/context"
)

const (
	shellPrompt   = "(remotesym) "
	updateCommand = "update-symbols"
	historyFile   = "~/.remotesym_history"
)

var shellCommands = []string{updateCommand, "quit"}

type symbolUpdater interface {
	UpdateSymbols(ctx context.Context, all bool) error
	Done() <-chan struct{}
}

type console interface {
	Console(ctx context.Context, command string) (string, error)
}

// shell reads commands from the terminal. update-symbols is handled by the
// session, everything else is passed to gdb.
type shell struct {
	ctx     context.Context
	session symbolUpdater
	gdb     console
	out     io.Writer

	liner     *liner.State
	last      string
	closeOnce sync.Once
}

func newShell(ctx context.Context, s symbolUpdater, gdb console) *shell {
	sh := &shell{
		ctx:     ctx,
		session: s,
		gdb:     gdb,
		out:     output(ctx),
		liner:   liner.NewLiner(),
	}
	sh.liner.SetCtrlCAborts(true)
	sh.liner.SetCompleter(complete)
	sh.liner.SetTabCompletionStyle(liner.TabPrints)
	if p, err := homedir.Expand(historyFile); err == nil {
		if f, err := os.Open(p); err == nil {
			_, _ = sh.liner.ReadHistory(f)
			_ = f.Close()
		}
	}
	return sh
}

func (sh *shell) run() error {
	for {
		select {
		case <-sh.session.Done():
			fmt.Fprintln(sh.out, "debugging session ended")
			return nil
		default:
		}

		line, err := sh.liner.Prompt(shellPrompt)
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			fmt.Fprintln(sh.out, "type quit to end the session, interrupt to stop the program")
			continue
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		if line != "" {
			sh.last = line
			sh.liner.AppendHistory(line)
		} else {
			line = sh.last
		}
		if line == "" {
			continue
		}
		if quit := sh.execute(line); quit {
			return nil
		}
	}
}

// execute runs one command line and reports whether the shell should end.
func (sh *shell) execute(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case "quit", "exit", "q":
		return true
	case updateCommand:
		all := true
		if len(fields) > 1 {
			switch fields[1] {
			case "all":
			case "current":
				all = false
			default:
				fmt.Fprintf(sh.out, "usage: %s [all|current]\n", updateCommand)
				return false
			}
		}
		if err := sh.session.UpdateSymbols(sh.ctx, all); err != nil {
			fmt.Fprintf(sh.out, "%s: %v\n", updateCommand, err)
		}
		return false
	}

	out, err := sh.gdb.Console(sh.ctx, line)
	fmt.Fprint(sh.out, out)
	if err != nil {
		fmt.Fprintln(sh.out, err)
	}
	return false
}

// close restores the terminal and saves the history.
func (sh *shell) close() {
	sh.closeOnce.Do(func() {
		if p, err := homedir.Expand(historyFile); err == nil {
			if err := os.MkdirAll(filepath.Dir(p), 0o755); err == nil {
				if f, err := os.Create(p); err == nil {
					_, _ = sh.liner.WriteHistory(f)
					_ = f.Close()
				}
			}
		}
		if err := sh.liner.Close(); err != nil {
			level.Debug(remotesymcontext.Logger(sh.ctx)).Log("msg", "failed to restore terminal", "err", err)
		}
	})
}

func complete(line string) []string {
	var res []string
	for _, c := range shellCommands {
		if strings.HasPrefix(c, line) && c != line {
			res = append(res, c)
		}
	}
	if line == updateCommand || strings.HasPrefix(line, updateCommand+" ") {
		for _, arg := range []string{"all", "current"} {
			if c := updateCommand + " " + arg; strings.HasPrefix(c, line) {
				res = append(res, c)
			}
		}
	}
	return res
}
