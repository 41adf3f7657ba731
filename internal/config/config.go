package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/interacthub/livecomm/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Bus      Bus      `json:"bus"`
	Media    Media    `json:"media"`
	Services Services `json:"services"`
	Paths    Paths    `json:"paths"`
}

type Identity struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
}

type Bus struct {
	URL string `json:"url"`

	// Reconnect policy: delay grows as min(attempts, max_attempts) * base_delay.
	BaseDelaySec int `json:"base_delay_seconds"`
	MaxAttempts  int `json:"max_attempts"`

	// Presence heartbeat interval while connected.
	HeartbeatSec int `json:"heartbeat_seconds"`
}

type Media struct {
	// STUN/TURN server URLs, e.g. "stun:stun.l.google.com:19302".
	ICEServers []string `json:"ice_servers"`

	// How long an unanswered outbound call rings before giving up.
	RingTimeoutSec int `json:"ring_timeout_seconds"`
}

type Services struct {
	// External HTTP collaborators. Empty = disabled (no-op clients).
	DirectoryURL string `json:"directory_url"` // e.g., "http://localhost:8801"
	CallURL      string `json:"call_url"`      // e.g., "http://localhost:8802"
	HistoryURL   string `json:"history_url"`   // e.g., "http://localhost:8803"
	PresenceURL  string `json:"presence_url"`  // heartbeat POST target
}

type Paths struct {
	DataDir string `json:"data_dir"`
}

func Default() Config {
	return Config{
		Bus: Bus{
			URL:          "ws://localhost:8080/ws",
			BaseDelaySec: 3,
			MaxAttempts:  10,
			HeartbeatSec: 30,
		},
		Media: Media{
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
			RingTimeoutSec: 45,
		},
		Paths: Paths{
			DataDir: "data",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	email := strings.TrimSpace(c.Identity.Email)
	if email == "" {
		return errors.New("identity.email is required")
	}
	if !strings.Contains(email, "@") {
		return errors.New("identity.email must be an email-like identity")
	}

	// Bus
	if err := validateWSURL(c.Bus.URL); err != nil {
		return fmt.Errorf("bus.url: %w", err)
	}
	if c.Bus.BaseDelaySec <= 0 {
		return errors.New("bus.base_delay_seconds must be > 0")
	}
	if c.Bus.MaxAttempts <= 0 {
		return errors.New("bus.max_attempts must be > 0")
	}
	if c.Bus.HeartbeatSec <= 0 {
		return errors.New("bus.heartbeat_seconds must be > 0")
	}

	// Media
	if c.Media.RingTimeoutSec <= 0 {
		return errors.New("media.ring_timeout_seconds must be > 0")
	}
	for _, s := range c.Media.ICEServers {
		s = strings.TrimSpace(s)
		if s == "" {
			return errors.New("media.ice_servers must not contain empty entries")
		}
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") && !strings.HasPrefix(s, "turns:") {
			return fmt.Errorf("media.ice_servers: %q must be a stun:/turn:/turns: URL", s)
		}
	}

	// Services
	for name, u := range map[string]string{
		"services.directory_url": c.Services.DirectoryURL,
		"services.call_url":      c.Services.CallURL,
		"services.history_url":   c.Services.HistoryURL,
		"services.presence_url":  c.Services.PresenceURL,
	} {
		if strings.TrimSpace(u) == "" {
			continue
		}
		if err := validateHTTPURL(u); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	// Paths
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir is required")
	}

	return nil
}

func validateWSURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.New("scheme must be http or https")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err). The freshly created default fails
// validation on purpose until the user fills in their identity.
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
