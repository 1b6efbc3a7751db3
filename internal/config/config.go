package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"cobrowse/internal/channel"
	"cobrowse/internal/control"
	"cobrowse/internal/outbound"
	"cobrowse/internal/protocol"
	"cobrowse/internal/visitor"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "COBROWSE_"

// Config holds all cobrowse configuration.
type Config struct {
	Widget    WidgetConfig    `yaml:"widget" envPrefix:"WIDGET_"`
	Transport TransportConfig `yaml:"transport" envPrefix:"TRANSPORT_"`
	Queue     QueueConfig     `yaml:"queue" envPrefix:"QUEUE_"`
	Capture   CaptureConfig   `yaml:"capture" envPrefix:"CAPTURE_"`
	Control   ControlConfig   `yaml:"control" envPrefix:"CONTROL_"`
	Agent     AgentConfig     `yaml:"agent" envPrefix:"AGENT_"`
	Relay     RelayConfig     `yaml:"relay" envPrefix:"RELAY_"`
	Browser   BrowserConfig   `yaml:"browser" envPrefix:"BROWSER_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOG_"`
}

// WidgetConfig is the widget initialisation object. The JSON names are the
// ones embedding pages pass.
type WidgetConfig struct {
	SupabaseURL    string `yaml:"supabase_url" json:"supabaseUrl"`
	SupabaseKey    string `yaml:"supabase_key" json:"supabaseKey"`
	SessionID      string `yaml:"session_id" json:"sessionId" env:"SESSION_ID"`
	VisitorID      string `yaml:"visitor_id" json:"visitorId" env:"VISITOR_ID"`
	EnableControl  bool   `yaml:"enable_control" json:"enableControl" env:"ENABLE_CONTROL"`
	RequireConsent bool   `yaml:"require_consent" json:"requireConsent" env:"REQUIRE_CONSENT"`
	// MaxSessionDuration is in minutes; 0 disables the limit.
	MaxSessionDuration int `yaml:"max_session_duration" json:"maxSessionDuration" env:"MAX_SESSION_DURATION"`
	// RateLimit is events per second; 0 disables rate limiting.
	RateLimit     int  `yaml:"rate_limit" json:"rateLimit" env:"RATE_LIMIT"`
	AnonymizeData bool `yaml:"anonymize_data" json:"anonymizeData" env:"ANONYMIZE_DATA"`
}

// TransportConfig selects the relay and how channels are used.
type TransportConfig struct {
	URL              string `yaml:"url" env:"URL"`
	Key              string `yaml:"key" env:"KEY"`
	Codec            string `yaml:"codec" env:"CODEC"` // json, cbor
	SubscribeTimeout string `yaml:"subscribe_timeout" env:"SUBSCRIBE_TIMEOUT"`
	DashboardChannel string `yaml:"dashboard_channel" env:"DASHBOARD_CHANNEL"`
	Delivery         string `yaml:"delivery" env:"DELIVERY"` // fanout, single, dashboard
}

// QueueConfig bounds retries of the outbound queue head.
type QueueConfig struct {
	MaxAttempts int    `yaml:"max_attempts" env:"MAX_ATTEMPTS"` // 0 retries forever
	BaseBackoff string `yaml:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff  string `yaml:"max_backoff" env:"MAX_BACKOFF"`
}

type CaptureConfig struct {
	ScrollDebounce string `yaml:"scroll_debounce" env:"SCROLL_DEBOUNCE"`
}

type ControlConfig struct {
	HighlightDuration string `yaml:"highlight_duration" env:"HIGHLIGHT_DURATION"`
	MouseMoveThrottle string `yaml:"mouse_move_throttle" env:"MOUSE_MOVE_THROTTLE"`
	SingleSession     bool   `yaml:"single_session" env:"SINGLE_SESSION"`
}

type AgentConfig struct {
	AgentID       string `yaml:"agent_id" env:"ID"`
	EventLogLimit int    `yaml:"event_log_limit" env:"EVENT_LOG_LIMIT"`
}

type RelayConfig struct {
	Listen string `yaml:"listen" env:"LISTEN"`
	APIKey string `yaml:"api_key" env:"API_KEY"`
}

// BrowserConfig drives a real browser tab as the visitor page.
type BrowserConfig struct {
	DebuggerURL       string `yaml:"debugger_url" env:"DEBUGGER_URL"`
	Headless          bool   `yaml:"headless" env:"HEADLESS"`
	ViewportWidth     int    `yaml:"viewport_width" env:"VIEWPORT_WIDTH"`
	ViewportHeight    int    `yaml:"viewport_height" env:"VIEWPORT_HEIGHT"`
	NavigationTimeout string `yaml:"navigation_timeout" env:"NAVIGATION_TIMEOUT"`
	PollInterval      string `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Widget: WidgetConfig{
			EnableControl:      true,
			MaxSessionDuration: int(visitor.DefaultMaxSessionDuration / time.Minute),
			RateLimit:          50,
			AnonymizeData:      true,
		},
		Transport: TransportConfig{
			URL:              "ws://localhost:8787/ws",
			Codec:            "json",
			SubscribeTimeout: "10s",
			DashboardChannel: protocol.DefaultDashboardChannel,
			Delivery:         "fanout",
		},
		Queue: QueueConfig{
			MaxAttempts: 5,
			BaseBackoff: "100ms",
			MaxBackoff:  "5s",
		},
		Capture: CaptureConfig{
			ScrollDebounce: "100ms",
		},
		Control: ControlConfig{
			HighlightDuration: "1s",
			MouseMoveThrottle: "50ms",
		},
		Agent: AgentConfig{
			EventLogLimit: 500,
		},
		Relay: RelayConfig{
			Listen: ":8787",
		},
		Browser: BrowserConfig{
			Headless:          true,
			ViewportWidth:     1280,
			ViewportHeight:    720,
			NavigationTimeout: "30s",
			PollInterval:      "100ms",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
		// defaults
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// legacyEnv carries the variable names embedding pages already export.
type legacyEnv struct {
	URL string `env:"SUPABASE_URL"`
	Key string `env:"SUPABASE_ANON_KEY"`
}

// applyEnvOverrides applies SUPABASE_* and then COBROWSE_* variables, so the
// prefixed names win.
func (c *Config) applyEnvOverrides() error {
	var legacy legacyEnv
	if err := env.Parse(&legacy); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	if legacy.URL != "" {
		c.Transport.URL = legacy.URL
	}
	if legacy.Key != "" {
		c.Transport.Key = legacy.Key
	}
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}
	return nil
}

// ApplyWidget installs a widget initialisation object. Its supabase url and
// key select the transport when set.
func (c *Config) ApplyWidget(w WidgetConfig) {
	c.Widget = w
	if w.SupabaseURL != "" {
		c.Transport.URL = w.SupabaseURL
	}
	if w.SupabaseKey != "" {
		c.Transport.Key = w.SupabaseKey
	}
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// GetSubscribeTimeout returns the per-channel subscribe timeout.
func (c *Config) GetSubscribeTimeout() time.Duration {
	return parseDuration(c.Transport.SubscribeTimeout, 10*time.Second)
}

func (c *Config) GetScrollDebounce() time.Duration {
	return parseDuration(c.Capture.ScrollDebounce, 100*time.Millisecond)
}

func (c *Config) GetHighlightDuration() time.Duration {
	return parseDuration(c.Control.HighlightDuration, control.DefaultHighlightDuration)
}

func (c *Config) GetMouseMoveThrottle() time.Duration {
	return parseDuration(c.Control.MouseMoveThrottle, control.DefaultMouseMoveThrottle)
}

func (c *Config) GetNavigationTimeout() time.Duration {
	return parseDuration(c.Browser.NavigationTimeout, 30*time.Second)
}

func (c *Config) GetPollInterval() time.Duration {
	return parseDuration(c.Browser.PollInterval, 100*time.Millisecond)
}

// GetMaxSessionDuration converts the widget's minutes; zero disables.
func (c *Config) GetMaxSessionDuration() time.Duration {
	return time.Duration(c.Widget.MaxSessionDuration) * time.Minute
}

// Policy returns the outbound policy filter.
func (c *Config) Policy() outbound.Policy {
	return outbound.Policy{RateLimit: c.Widget.RateLimit, Anonymize: c.Widget.AnonymizeData}
}

// Backoff returns the queue retry policy.
func (c *Config) Backoff() outbound.Backoff {
	def := outbound.DefaultBackoff()
	return outbound.Backoff{
		MaxAttempts: c.Queue.MaxAttempts,
		Base:        parseDuration(c.Queue.BaseBackoff, def.Base),
		Max:         parseDuration(c.Queue.MaxBackoff, def.Max),
	}
}

// ChannelOptions returns the channel manager options.
func (c *Config) ChannelOptions() (channel.Options, error) {
	delivery, err := channel.DeliveryByName(c.Transport.Delivery)
	if err != nil {
		return channel.Options{}, err
	}
	return channel.Options{
		DashboardChannel: c.Transport.DashboardChannel,
		SubscribeTimeout: c.GetSubscribeTimeout(),
		Delivery:         delivery,
	}, nil
}

// VisitorConfig assembles the widget configuration.
func (c *Config) VisitorConfig() (visitor.Config, error) {
	opts, err := c.ChannelOptions()
	if err != nil {
		return visitor.Config{}, err
	}
	return visitor.Config{
		SessionID:          c.Widget.SessionID,
		VisitorID:          c.Widget.VisitorID,
		EnableControl:      c.Widget.EnableControl,
		RequireConsent:     c.Widget.RequireConsent,
		MaxSessionDuration: c.GetMaxSessionDuration(),
		Policy:             c.Policy(),
		Backoff:            c.Backoff(),
		ScrollDebounce:     c.GetScrollDebounce(),
		HighlightDuration:  c.GetHighlightDuration(),
		SingleSession:      c.Control.SingleSession,
		Channel:            opts,
	}, nil
}

// ValidCodecs lists the websocket frame codecs.
var ValidCodecs = []string{"json", "cbor"}

// ValidDeliveries lists the channel delivery strategies.
var ValidDeliveries = []string{"", "fanout", "single", "dashboard"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []error
	if c.Transport.URL == "" {
		errs = append(errs, errors.New("transport url not configured (set transport.url, COBROWSE_TRANSPORT_URL or SUPABASE_URL)"))
	}
	if !slices.Contains(ValidCodecs, c.Transport.Codec) {
		errs = append(errs, fmt.Errorf("invalid transport codec: %q (valid: %v)", c.Transport.Codec, ValidCodecs))
	}
	if !slices.Contains(ValidDeliveries, c.Transport.Delivery) {
		errs = append(errs, fmt.Errorf("invalid delivery: %q (valid: fanout, single, dashboard)", c.Transport.Delivery))
	}
	if c.Widget.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate_limit must not be negative: %d", c.Widget.RateLimit))
	}
	if c.Widget.MaxSessionDuration < 0 {
		errs = append(errs, fmt.Errorf("max_session_duration must not be negative: %d", c.Widget.MaxSessionDuration))
	}
	if c.Queue.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("max_attempts must not be negative: %d", c.Queue.MaxAttempts))
	}
	if c.Agent.EventLogLimit < 0 {
		errs = append(errs, fmt.Errorf("event_log_limit must not be negative: %d", c.Agent.EventLogLimit))
	}
	for name, v := range map[string]string{
		"transport.subscribe_timeout": c.Transport.SubscribeTimeout,
		"queue.base_backoff":          c.Queue.BaseBackoff,
		"queue.max_backoff":           c.Queue.MaxBackoff,
		"capture.scroll_debounce":     c.Capture.ScrollDebounce,
		"control.highlight_duration":  c.Control.HighlightDuration,
		"control.mouse_move_throttle": c.Control.MouseMoveThrottle,
		"browser.navigation_timeout":  c.Browser.NavigationTimeout,
		"browser.poll_interval":       c.Browser.PollInterval,
	} {
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative: %s", name, v))
		}
	}
	errs = append(errs, c.Logging.Validate())
	return errors.Join(errs...)
}
