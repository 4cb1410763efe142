package session

import (
	"fmt"
	"strings"

	"gopkg.in/alecthomas/kingpin.v2"

	"github.com/grafana/remotesym/pkg/model"
	"github.com/grafana/remotesym/pkg/remotefile"
)

var (
	defaultPremapPrefixes        = []string{"/data/app", "/data/data", "/data/user"}
	defaultPremapExcludeSuffixes = []string{".apk", ".dex", ".odex", ".oat", ".vdex", ".jar"}
)

type Config struct {
	LibraryDirs      []string `yaml:"library_dirs"`
	IndexConcurrency int      `yaml:"index_concurrency" category:"advanced"`

	// Files under one of PremapPrefixes are resolved eagerly on every sweep
	// unless they end with one of PremapExcludeSuffixes.
	PremapPrefixes        []string `yaml:"premap_prefixes"`
	PremapExcludeSuffixes []string `yaml:"premap_exclude_suffixes"`

	// MaxFrames bounds the frames inspected by one walk of a thread.
	MaxFrames int `yaml:"max_frames" category:"advanced"`

	// DebugServerAddress and RemoteFile.Address are used as they are when
	// the session has no device target to prepare.
	DebugServerAddress string            `yaml:"debug_server_address"`
	RemoteFile         remotefile.Config `yaml:"remote_file"`
}

func DefaultConfig() Config {
	return Config{
		IndexConcurrency:      8,
		PremapPrefixes:        append([]string(nil), defaultPremapPrefixes...),
		PremapExcludeSuffixes: append([]string(nil), defaultPremapExcludeSuffixes...),
		MaxFrames:             1024,
		RemoteFile:            remotefile.DefaultConfig(),
	}
}

func (cfg *Config) RegisterFlags(cmd *kingpin.CmdClause) {
	cmd.Flag("library-dir", "Build output directory holding unstripped libraries. Repeatable.").Short('l').Envar("REMOTESYM_LIBRARY_DIRS").StringsVar(&cfg.LibraryDirs)
	cmd.Flag("library-index.concurrency", "Number of libraries hashed concurrently while indexing.").Default("8").IntVar(&cfg.IndexConcurrency)
	cmd.Flag("premap.prefix", "Path prefix of device files resolved eagerly. Repeatable.").Default(defaultPremapPrefixes...).StringsVar(&cfg.PremapPrefixes)
	cmd.Flag("premap.exclude-suffix", "Suffix of device files never resolved eagerly. Repeatable.").Default(defaultPremapExcludeSuffixes...).StringsVar(&cfg.PremapExcludeSuffixes)
	cmd.Flag("frames.max", "Maximum number of frames inspected per thread walk.").Default("1024").IntVar(&cfg.MaxFrames)
	cfg.RemoteFile.RegisterFlags(cmd)
}

func (cfg *Config) Validate() error {
	if cfg.MaxFrames < 1 {
		return fmt.Errorf("invalid frames.max value, must be positive")
	}
	if cfg.IndexConcurrency < 1 {
		return fmt.Errorf("invalid library-index.concurrency value, must be positive")
	}
	return nil
}

// premap reports whether f is resolved eagerly.
func (cfg *Config) premap(f model.MappedFile) bool {
	for _, p := range cfg.PremapPrefixes {
		if strings.HasPrefix(f.Path, p) {
			return !f.HasSuffix(cfg.PremapExcludeSuffixes...)
		}
	}
	return false
}
