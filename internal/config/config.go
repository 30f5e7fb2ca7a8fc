package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// AutomationMode controls how a community resolves alerts.
type AutomationMode string

const (
	// ModeManual posts an alert and waits for a moderator decision.
	ModeManual AutomationMode = "manual"
	// ModeFull posts an alert, then acts automatically after the
	// configured delay unless a moderator intervenes first.
	ModeFull AutomationMode = "full"
)

// CommunitySettings holds the per-community knobs mirrored from the
// settings file. Zero values fall back to Defaults.
type CommunitySettings struct {
	AutomationMode   AutomationMode `json:"automation_mode,omitempty"`
	AutomationDelay  Duration       `json:"automation_delay,omitempty"`
	TimeoutMinutes   int            `json:"timeout_minutes,omitempty"`
	DeleteMessageDay int            `json:"delete_message_days,omitempty"`
	AlertChannel     string         `json:"alert_channel,omitempty"`
	WhitelistedRoles []string       `json:"whitelisted_roles,omitempty"`
}

// Peer describes a remote federation node decisions are delivered to.
type Peer struct {
	ID      string `json:"id"`
	BaseURL string `json:"base_url"`
	Token   string `json:"token,omitempty"`
}

// Config is the full service configuration: process-level knobs come from
// the environment, community settings and the peer registry from a JSON file.
type Config struct {
	ListenAddr  string
	PostgresDSN string
	CommunityID string // the community this node moderates for

	Defaults    CommunitySettings            `json:"defaults"`
	Communities map[string]CommunitySettings `json:"communities"`
	Peers       []Peer                       `json:"peers"`
	BioRecheck  Duration                     `json:"bio_recheck_interval,omitempty"`
}

// Duration wraps time.Duration with JSON string parsing ("90s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Load reads environment variables and, when FEDGUARD_SETTINGS is set,
// the JSON settings file.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  envOr("FEDGUARD_LISTEN_ADDR", ":8080"),
		PostgresDSN: os.Getenv("FEDGUARD_PG_DSN"),
		CommunityID: os.Getenv("FEDGUARD_COMMUNITY_ID"),
		Communities: map[string]CommunitySettings{},
	}
	if path := os.Getenv("FEDGUARD_SETTINGS"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("decode settings: %w", err)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Defaults.AutomationMode == "" {
		c.Defaults.AutomationMode = ModeManual
	}
	if c.Defaults.AutomationDelay == 0 {
		c.Defaults.AutomationDelay = Duration(3 * time.Minute)
	}
	if c.Defaults.TimeoutMinutes <= 0 {
		c.Defaults.TimeoutMinutes = 10
	}
	if c.Defaults.DeleteMessageDay < 0 {
		c.Defaults.DeleteMessageDay = 0
	} else if c.Defaults.DeleteMessageDay == 0 {
		c.Defaults.DeleteMessageDay = 1
	}
	if c.BioRecheck == 0 {
		c.BioRecheck = Duration(24 * time.Hour)
	}
	if c.Communities == nil {
		c.Communities = map[string]CommunitySettings{}
	}
}

// ForCommunity resolves effective settings for a community, falling back
// to Defaults field by field.
func (c *Config) ForCommunity(communityID string) CommunitySettings {
	s, ok := c.Communities[communityID]
	if !ok {
		return c.Defaults
	}
	if s.AutomationMode == "" {
		s.AutomationMode = c.Defaults.AutomationMode
	}
	if s.AutomationDelay == 0 {
		s.AutomationDelay = c.Defaults.AutomationDelay
	}
	if s.TimeoutMinutes <= 0 {
		s.TimeoutMinutes = c.Defaults.TimeoutMinutes
	}
	if s.DeleteMessageDay == 0 {
		s.DeleteMessageDay = c.Defaults.DeleteMessageDay
	}
	if s.AlertChannel == "" {
		s.AlertChannel = c.Defaults.AlertChannel
	}
	return s
}

// PeerByID returns the registered peer, if any.
func (c *Config) PeerByID(id string) (Peer, bool) {
	for _, p := range c.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// Reloader refreshes a shared config from disk on demand so operators
// can change community settings without a restart.
type Reloader struct {
	mu   sync.RWMutex
	path string
	cfg  *Config
}

// NewReloader wraps an already loaded config.
func NewReloader(cfg *Config) *Reloader {
	return &Reloader{path: os.Getenv("FEDGUARD_SETTINGS"), cfg: cfg}
}

// Current returns the active configuration snapshot.
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Reload re-reads the settings file. The process-level fields are kept.
func (r *Reloader) Reload() error {
	if r.path == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	next := &Config{
		ListenAddr:  r.cfg.ListenAddr,
		PostgresDSN: r.cfg.PostgresDSN,
		CommunityID: r.cfg.CommunityID,
		Communities: map[string]CommunitySettings{},
	}
	if err := next.loadFile(r.path); err != nil {
		return err
	}
	next.applyDefaults()
	r.cfg = next
	return nil
}
