package gdb

import (
	"fmt"

	"gopkg.in/alecthomas/kingpin.v2"
)

type Config struct {
	Path string `yaml:"path"`
	// InitCommands run before connecting, e.g. to set the sysroot.
	InitCommands []string `yaml:"init_commands"`
	// MaxFrames bounds the frames listed per stack.
	MaxFrames int `yaml:"max_frames" category:"advanced"`
}

func DefaultConfig() Config {
	return Config{
		Path:      "gdb",
		MaxFrames: 1024,
	}
}

func (cfg *Config) RegisterFlags(cmd *kingpin.CmdClause) {
	cmd.Flag("gdb.path", "Path of the host gdb binary. It must support the target architecture.").Default("gdb").Envar("REMOTESYM_GDB").StringVar(&cfg.Path)
	cmd.Flag("gdb.init-command", "gdb command run before connecting to the debug server. Repeatable.").StringsVar(&cfg.InitCommands)
	cmd.Flag("gdb.max-frames", "Maximum number of frames listed per stack.").Default("1024").IntVar(&cfg.MaxFrames)
}

func (cfg *Config) Validate() error {
	if cfg.Path == "" {
		return fmt.Errorf("gdb path must be set")
	}
	if cfg.MaxFrames < 0 {
		return fmt.Errorf("invalid gdb.max-frames value, must not be negative")
	}
	return nil
}
