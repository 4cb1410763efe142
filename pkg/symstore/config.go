package symstore

import (
	"fmt"
	"net/url"
	"time"

	"github.com/grafana/dskit/backoff"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/alecthomas/kingpin.v2"
)

const (
	DefaultDir      = "~/.mojosymbols"
	DefaultCloudURL = "http://storage.googleapis.com/mojo/symbols"
)

type Config struct {
	Dir                 string         `yaml:"dir"`
	CloudURL            string         `yaml:"cloud_url"`
	DisableCloud        bool           `yaml:"disable_cloud"`
	CloudTimeout        time.Duration  `yaml:"cloud_timeout"`
	NotFoundCacheSize   int            `yaml:"not_found_cache_size" category:"advanced"`
	NotFoundCacheTTL    time.Duration  `yaml:"not_found_cache_ttl" category:"advanced"`
	CacheLocalLibraries bool           `yaml:"cache_local_libraries"`
	BackoffConfig       backoff.Config `yaml:"backoff_config" category:"advanced"`
}

func DefaultConfig() Config {
	return Config{
		Dir:               DefaultDir,
		CloudURL:          DefaultCloudURL,
		CloudTimeout:      10 * time.Minute,
		NotFoundCacheSize: 4096,
		NotFoundCacheTTL:  time.Hour,
		BackoffConfig: backoff.Config{
			MinBackoff: 1 * time.Second,
			MaxBackoff: 10 * time.Second,
			MaxRetries: 3,
		},
	}
}

func (cfg *Config) RegisterFlags(cmd *kingpin.CmdClause) {
	cmd.Flag("symbols.dir", "Directory of the host symbol cache.").Default(DefaultDir).Envar("REMOTESYM_SYMBOLS_DIR").StringVar(&cfg.Dir)
	cmd.Flag("symbols.cloud-url", "Base URL of the cloud symbol store. Objects are fetched from <url>/<signature>.").Default(DefaultCloudURL).Envar("REMOTESYM_SYMBOLS_CLOUD_URL").StringVar(&cfg.CloudURL)
	cmd.Flag("symbols.disable-cloud", "Never query the cloud symbol store.").BoolVar(&cfg.DisableCloud)
	cmd.Flag("symbols.cloud-timeout", "Timeout of a single cloud symbol store request, including the body transfer.").Default("10m").DurationVar(&cfg.CloudTimeout)
	cmd.Flag("symbols.not-found-cache-size", "Number of cloud misses remembered.").Default("4096").IntVar(&cfg.NotFoundCacheSize)
	cmd.Flag("symbols.not-found-cache-ttl", "How long a cloud miss is remembered.").Default("1h").DurationVar(&cfg.NotFoundCacheTTL)
	cmd.Flag("symbols.cache-local-libraries", "Copy libraries resolved from local build directories into the symbol cache.").BoolVar(&cfg.CacheLocalLibraries)
	cmd.Flag("symbols.max-retries", "Maximum number of attempts of a cloud request.").Default("3").IntVar(&cfg.BackoffConfig.MaxRetries)
	cmd.Flag("symbols.min-backoff", "Minimum delay between cloud request attempts.").Default("1s").DurationVar(&cfg.BackoffConfig.MinBackoff)
	cmd.Flag("symbols.max-backoff", "Maximum delay between cloud request attempts.").Default("10s").DurationVar(&cfg.BackoffConfig.MaxBackoff)
}

func (cfg *Config) Validate() error {
	if cfg.Dir == "" {
		return fmt.Errorf("symbol cache directory must be set")
	}
	if !cfg.DisableCloud {
		u, err := url.Parse(cfg.CloudURL)
		if err != nil {
			return fmt.Errorf("invalid cloud url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid cloud url %q: scheme must be http or https", cfg.CloudURL)
		}
	}
	if cfg.NotFoundCacheSize < 0 {
		return fmt.Errorf("invalid not-found-cache-size value, must not be negative")
	}
	return nil
}

// ExpandedDir is Dir with a leading ~ replaced by the home directory.
func (cfg *Config) ExpandedDir() (string, error) {
	return homedir.Expand(cfg.Dir)
}
