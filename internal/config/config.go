package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"errandline/internal/domain"
)

const FileName = "errandline.yml"

// Config models errandline.yml.
type Config struct {
	API struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
		Retries int           `yaml:"retries"`
	} `yaml:"api"`
	Realtime struct {
		URL              string        `yaml:"url"`
		ConnectTimeout   time.Duration `yaml:"connect_timeout"`
		ReconnectMax     time.Duration `yaml:"reconnect_max"`
		SubscriberBuffer int           `yaml:"subscriber_buffer"`
	} `yaml:"realtime"`
	Maps struct {
		APIKey        string `yaml:"api_key"`
		DirectionsURL string `yaml:"directions_url"`
		GeocodeURL    string `yaml:"geocode_url"`
	} `yaml:"maps"`
	Storage struct {
		DataDir string `yaml:"data_dir"`
		Seal    bool   `yaml:"seal"`
	} `yaml:"storage"`
	Tracking struct {
		PublishInterval   time.Duration `yaml:"publish_interval"`
		HeartbeatMin      time.Duration `yaml:"heartbeat_min"`
		HeartbeatMax      time.Duration `yaml:"heartbeat_max"`
		RouteRefresh      time.Duration `yaml:"route_refresh"`
		ArrivalRadiusM    float64       `yaml:"arrival_radius_m"`
		OfferListCapacity int           `yaml:"offer_list_capacity"`
	} `yaml:"tracking"`
	Auth struct {
		OTPChannel string `yaml:"otp_channel"`
	} `yaml:"auth"`
	Dev struct {
		ShowOTP          bool          `yaml:"show_otp"`
		FallbackLocation string        `yaml:"fallback_location"`
		ServerAddr       string        `yaml:"server_addr"`
		JWTSecret        string        `yaml:"jwt_secret"`
		AccessTokenTTL   time.Duration `yaml:"access_token_ttl"`
	} `yaml:"dev"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Load reads and validates config from a workspace directory.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with errand config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(DefaultYAML), &cfg)
	return &cfg
}

// FromYAML parses raw YAML over the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := validURL("api.base_url", c.API.BaseURL, "http", "https"); err != nil {
		return err
	}
	if err := validURL("realtime.url", c.Realtime.URL, "http", "https", "ws", "wss"); err != nil {
		return err
	}
	if c.API.Timeout <= 0 {
		return fmt.Errorf("config.api.timeout must be positive")
	}
	if c.API.Retries < 0 {
		return fmt.Errorf("config.api.retries must not be negative")
	}
	if c.Realtime.ConnectTimeout <= 0 {
		return fmt.Errorf("config.realtime.connect_timeout must be positive")
	}
	if c.Tracking.PublishInterval <= 0 {
		return fmt.Errorf("config.tracking.publish_interval must be positive")
	}
	if c.Tracking.HeartbeatMin <= 0 || c.Tracking.HeartbeatMax <= c.Tracking.HeartbeatMin {
		return fmt.Errorf("config.tracking heartbeat window %s..%s is invalid", c.Tracking.HeartbeatMin, c.Tracking.HeartbeatMax)
	}
	if c.Tracking.ArrivalRadiusM <= 0 {
		return fmt.Errorf("config.tracking.arrival_radius_m must be positive")
	}
	if c.Tracking.OfferListCapacity <= 0 {
		return fmt.Errorf("config.tracking.offer_list_capacity must be positive")
	}
	switch c.Auth.OTPChannel {
	case "", "sms", "call", "whatsapp":
	default:
		return fmt.Errorf("config.auth.otp_channel %q is not one of sms, call, whatsapp", c.Auth.OTPChannel)
	}
	if c.Dev.FallbackLocation != "" {
		if _, ok := domain.ParseLatLng(c.Dev.FallbackLocation); !ok {
			return fmt.Errorf("config.dev.fallback_location %q must be \"lat,lng\" within range", c.Dev.FallbackLocation)
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is invalid", c.Log.Level)
	}
	return nil
}

// FallbackLocation returns the configured demo position, if any.
func (c *Config) FallbackLocation() (domain.LatLng, bool) {
	if c.Dev.FallbackLocation == "" {
		return domain.LatLng{}, false
	}
	return domain.ParseLatLng(c.Dev.FallbackLocation)
}

// RealtimeWSURL rewrites an http(s) socket address to ws(s).
func (c *Config) RealtimeWSURL() string {
	u := strings.TrimRight(c.Realtime.URL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	if !strings.HasSuffix(u, "/ws") {
		u += "/ws"
	}
	return u
}

func validURL(key, raw string, schemes ...string) error {
	if raw == "" {
		return fmt.Errorf("config.%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("config.%s %q is not a valid url", key, raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("config.%s scheme must be one of %s", key, strings.Join(schemes, ", "))
}

const DefaultYAML = `api:
  base_url: http://localhost:8080
  timeout: 25s
  retries: 0

realtime:
  url: http://localhost:8090
  connect_timeout: 8s
  reconnect_max: 3s
  subscriber_buffer: 64

maps:
  api_key: ""
  directions_url: https://maps.googleapis.com/maps/api/directions/json
  geocode_url: https://maps.googleapis.com/maps/api/geocode/json

storage:
  data_dir: .errandline
  seal: true

tracking:
  publish_interval: 5s
  heartbeat_min: 12s
  heartbeat_max: 15s
  route_refresh: 7s
  arrival_radius_m: 60
  offer_list_capacity: 20

auth:
  otp_channel: ""

dev:
  show_otp: false
  fallback_location: ""
  server_addr: 127.0.0.1:8080
  jwt_secret: errandline-dev-secret
  access_token_ttl: 15m

log:
  level: info
`
