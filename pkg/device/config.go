package device

import (
	"fmt"

	"gopkg.in/alecthomas/kingpin.v2"
)

type Config struct {
	ADBPath     string `yaml:"adb_path"`
	Serial      string `yaml:"serial"`
	PackageName string `yaml:"package_name"`

	GDBServerPath string `yaml:"gdbserver_path"`
	GDBServerPort int    `yaml:"gdbserver_port"`

	// CompanionPath is the remote file reader binary on the device.
	CompanionPath string `yaml:"companion_path"`
	// FileServicePort is the host port forwarded to the companion. Zero
	// picks a free port.
	FileServicePort int `yaml:"file_service_port"`

	WatchLogs bool `yaml:"watch_logs"`
}

func DefaultConfig() Config {
	return Config{
		ADBPath:         "adb",
		PackageName:     "org.chromium.mojo.shell",
		GDBServerPath:   "gdbserver",
		GDBServerPort:   9999,
		CompanionPath:   "/data/local/tmp/remote_file_reader",
		FileServicePort: 10000,
		WatchLogs:       true,
	}
}

func (cfg *Config) RegisterFlags(cmd *kingpin.CmdClause) {
	d := DefaultConfig()
	cmd.Flag("adb", "Path to adb.").Default(d.ADBPath).Envar("REMOTESYM_ADB").StringVar(&cfg.ADBPath)
	cmd.Flag("device", "Serial of the device to use, required when several are connected.").Short('s').Envar("ANDROID_SERIAL").StringVar(&cfg.Serial)
	cmd.Flag("package", "Name of the process to attach to.").Default(d.PackageName).StringVar(&cfg.PackageName)
	cmd.Flag("gdbserver.path", "gdbserver binary on the device.").Default(d.GDBServerPath).StringVar(&cfg.GDBServerPath)
	cmd.Flag("gdbserver.port", "Port gdbserver listens on, forwarded to the same host port.").Default(fmt.Sprint(d.GDBServerPort)).IntVar(&cfg.GDBServerPort)
	cmd.Flag("companion.path", "Remote file reader binary on the device.").Default(d.CompanionPath).StringVar(&cfg.CompanionPath)
	cmd.Flag("companion.host-port", "Host port forwarded to the remote file reader; 0 picks a free port.").Default(fmt.Sprint(d.FileServicePort)).IntVar(&cfg.FileServicePort)
	cmd.Flag("watch-logs", "Follow the device log to forward observatory ports and pre-map announced libraries.").Default("true").BoolVar(&cfg.WatchLogs)
}

func (cfg *Config) Validate() error {
	if cfg.ADBPath == "" {
		return fmt.Errorf("adb path must be set")
	}
	if cfg.PackageName == "" {
		return fmt.Errorf("package name must be set")
	}
	if cfg.GDBServerPort <= 0 || cfg.GDBServerPort > 65535 {
		return fmt.Errorf("invalid gdbserver port %d", cfg.GDBServerPort)
	}
	if cfg.FileServicePort < 0 || cfg.FileServicePort > 65535 {
		return fmt.Errorf("invalid companion host port %d", cfg.FileServicePort)
	}
	if cfg.CompanionPath == "" {
		return fmt.Errorf("companion path must be set")
	}
	return nil
}
