package config

import (
	"fmt"
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Settings struct {
	ListenAddr   string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath     string `envconfig:"DATA_PATH" default:"/var/lib/shellmux"`
	DatabasePath string `envconfig:"DATABASE_PATH" default:"/var/lib/shellmux/shellmux.db"`
	LogPath      string `envconfig:"LOG_PATH" default:""`
	AuthToken    string `envconfig:"AUTH_TOKEN" default:""`

	// Shell process settings
	ShellBackend   string        `envconfig:"SHELL_BACKEND" default:"local"`
	DefaultShell   string        `envconfig:"DEFAULT_SHELL" default:"/bin/bash"`
	ShellsFile     string        `envconfig:"SHELLS_FILE" default:""`
	SSHAddr        string        `envconfig:"SSH_ADDR" default:""`
	SSHUser        string        `envconfig:"SSH_USER" default:"root"`
	SSHKeyPath     string        `envconfig:"SSH_KEY_PATH" default:""`
	SSHKnownHosts  string        `envconfig:"SSH_KNOWN_HOSTS" default:""`
	SSHDialTimeout time.Duration `envconfig:"SSH_DIAL_TIMEOUT" default:"10s"`

	// Multiplexer settings
	ScrollbackSize   int           `envconfig:"SCROLLBACK_SIZE" default:"1048576"`
	ShellIdleTimeout time.Duration `envconfig:"SHELL_IDLE_TIMEOUT" default:"0"`
	InputRateLimit   float64       `envconfig:"INPUT_RATE_LIMIT" default:"1000"`
	InputRateBurst   int           `envconfig:"INPUT_RATE_BURST" default:"200"`

	// Maintenance
	MaintenanceSchedule string `envconfig:"MAINTENANCE_SCHEDULE" default:"@every 5m"`
	AuditRetentionDays  int    `envconfig:"AUDIT_RETENTION_DAYS" default:"30"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("SHELLMUX", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
}

// Validate checks settings that envconfig cannot.
func (s Settings) Validate() error {
	switch s.ShellBackend {
	case "local":
	case "ssh":
		if s.SSHAddr == "" {
			return fmt.Errorf("SHELLMUX_SSH_ADDR is required for the ssh backend")
		}
	default:
		return fmt.Errorf("unknown shell backend %q (want local or ssh)", s.ShellBackend)
	}
	if s.ScrollbackSize <= 0 {
		return fmt.Errorf("scrollback size must be positive, got %d", s.ScrollbackSize)
	}
	if s.ShellIdleTimeout < 0 {
		return fmt.Errorf("shell idle timeout must not be negative")
	}
	return nil
}
