package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Verification modes understood by the gate registry.
const (
	VerifyCapture  = "capture"
	VerifyConfirm  = "confirm"
	VerifyApproval = "approval"
	VerifyDeposit  = "deposit"
)

// Config models venueline.yml.
type Config struct {
	Venue struct {
		ID             string  `yaml:"id"`
		Name           string  `yaml:"name"`
		Currency       string  `yaml:"currency"`
		DepositPercent float64 `yaml:"deposit_percent"`
		DepositDueDays int     `yaml:"deposit_due_days"`
		// AllowPastDates accepts event dates before the turn date, for imports and replays.
		AllowPastDates bool `yaml:"allow_past_dates"`
	} `yaml:"venue"`
	Gates   []GateConfig `yaml:"gates"`
	Catalog struct {
		Rooms        []RoomConfig        `yaml:"rooms"`
		BlockedDates map[string][]string `yaml:"blocked_dates"`
	} `yaml:"catalog"`
	Router struct {
		MaxIterations int `yaml:"max_iterations"`
	} `yaml:"router"`
	Engine struct {
		TurnTimeout         time.Duration `yaml:"turn_timeout"`
		HistoryPreviewChars int           `yaml:"history_preview_chars"`
		DefaultTenant       string        `yaml:"default_tenant"`
	} `yaml:"engine"`
	Locks struct {
		Backend   string        `yaml:"backend"`
		Timeout   time.Duration `yaml:"timeout"`
		TTL       time.Duration `yaml:"ttl"`
		RedisAddr string        `yaml:"redis_addr"`
	} `yaml:"locks"`
	Session struct {
		Backend   string        `yaml:"backend"`
		TTL       time.Duration `yaml:"ttl"`
		RedisAddr string        `yaml:"redis_addr"`
	} `yaml:"session"`
	Extractor struct {
		Provider      string        `yaml:"provider"`
		Endpoint      string        `yaml:"endpoint"`
		Model         string        `yaml:"model"`
		APIKeyEnv     string        `yaml:"api_key_env"`
		RatePerSecond float64       `yaml:"rate_per_second"`
		Burst         int           `yaml:"burst"`
		MaxRetries    int           `yaml:"max_retries"`
		Timeout       time.Duration `yaml:"timeout"`
	} `yaml:"extractor"`
	Verbalizer struct {
		Provider string     `yaml:"provider"`
		Tone     ToneConfig `yaml:"tone"`
	} `yaml:"verbalizer"`
	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// GateConfig is one gate registry entry.
type GateConfig struct {
	ID          string   `yaml:"id"`
	Stage       int      `yaml:"stage"`
	Kind        string   `yaml:"kind"`
	Verify      string   `yaml:"verify"`
	DependsOn   []string `yaml:"depends_on"`
	Entities    []string `yaml:"entities"`
	Aliases     []string `yaml:"aliases"`
	Prompt      string   `yaml:"prompt"`
	Label       string   `yaml:"label"`
	Requirement bool     `yaml:"requirement"`
}

type RoomConfig struct {
	Name     string  `yaml:"name"`
	Capacity int     `yaml:"capacity"`
	DayRate  float64 `yaml:"day_rate"`
}

type ToneConfig struct {
	Greeting string `yaml:"greeting"`
	SignOff  string `yaml:"sign_off"`
	Register string `yaml:"register"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with vl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Venue.ID == "" {
		return fmt.Errorf("config.venue.id is required")
	}
	if len(c.Gates) == 0 {
		return fmt.Errorf("config.gates is required")
	}
	seen := map[string]bool{}
	for _, g := range c.Gates {
		if g.ID == "" {
			return fmt.Errorf("config.gates contains empty gate id")
		}
		if seen[g.ID] {
			return fmt.Errorf("gate %s defined twice", g.ID)
		}
		seen[g.ID] = true
		switch g.Verify {
		case VerifyCapture, VerifyConfirm, VerifyApproval, VerifyDeposit:
		default:
			return fmt.Errorf("gate %s has invalid verify mode %q", g.ID, g.Verify)
		}
	}
	for _, room := range c.Catalog.Rooms {
		if room.Name == "" {
			return fmt.Errorf("config.catalog.rooms contains empty room name")
		}
		if room.Capacity <= 0 {
			return fmt.Errorf("room %s has invalid capacity %d", room.Name, room.Capacity)
		}
	}
	if c.Router.MaxIterations < 0 {
		return fmt.Errorf("config.router.max_iterations must not be negative")
	}
	if c.Venue.DepositPercent < 0 || c.Venue.DepositPercent > 100 {
		return fmt.Errorf("config.venue.deposit_percent must be within 0..100")
	}
	switch c.Locks.Backend {
	case "", "file", "redis":
	default:
		return fmt.Errorf("config.locks.backend must be file or redis")
	}
	switch c.Session.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("config.session.backend must be memory or redis")
	}
	switch c.Extractor.Provider {
	case "", "heuristic", "llm":
	default:
		return fmt.Errorf("config.extractor.provider must be heuristic or llm")
	}
	switch c.Verbalizer.Provider {
	case "", "template", "llm":
	default:
		return fmt.Errorf("config.verbalizer.provider must be template or llm")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// MaxIterations returns the router cap, defaulting to 6.
func (c *Config) MaxIterations() int {
	if c.Router.MaxIterations <= 0 {
		return 6
	}
	return c.Router.MaxIterations
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "venueline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(venueID string) string {
	return fmt.Sprintf(defaultTemplate, venueID)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default("venue"), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a venue.
func Default(venueID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, venueID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `venue:
  id: %s
  name: "Venue"
  currency: CHF
  deposit_percent: 30
  deposit_due_days: 14
  allow_past_dates: false

gates:
  - id: event_date
    stage: 1
    kind: date
    verify: capture
    entities: [event_date, date]
    aliases: [date, day]
    label: Date
    prompt: "Which date are you planning the event for?"
    requirement: true
  - id: participants
    stage: 2
    kind: int
    verify: capture
    entities: [participants, guests]
    aliases: [people, guests, participants, persons, attendees, pax]
    label: Participants
    prompt: "How many people are you expecting?"
    requirement: true
  - id: room
    stage: 3
    kind: room
    verify: capture
    depends_on: [event_date, participants]
    entities: [room]
    aliases: [room, space, hall]
    label: Room
    prompt: "Which room would you like to book?"
    requirement: true
  - id: offer
    stage: 4
    kind: offer
    verify: approval
    depends_on: [room, participants, event_date]
    label: Offer
  - id: billing
    stage: 5
    kind: billing
    verify: confirm
    entities: [billing, billing_address]
    aliases: [billing, invoice address, billing address]
    label: Billing
    prompt: "Please send us the billing address for the invoice."
  - id: deposit
    stage: 6
    kind: deposit
    verify: deposit
    depends_on: [offer]
    entities: [deposit_status]
    label: Deposit
  - id: final_confirmation
    stage: 7
    kind: summary
    verify: approval
    depends_on: [deposit, billing]
    label: Confirmation

catalog:
  rooms:
    - name: Room A
      capacity: 12
      day_rate: 600
    - name: Room B
      capacity: 40
      day_rate: 1200
    - name: Room C
      capacity: 120
      day_rate: 3000
  blocked_dates: {}

router:
  max_iterations: 6

engine:
  turn_timeout: 60s
  history_preview_chars: 280
  default_tenant: default

locks:
  backend: file
  timeout: 30s
  ttl: 2m

session:
  backend: memory
  ttl: 24h

extractor:
  provider: heuristic
  rate_per_second: 2
  burst: 2
  max_retries: 2
  timeout: 20s

verbalizer:
  provider: template
  tone:
    greeting: "Hello"
    sign_off: "Kind regards"
    register: formal

logging:
  level: info
  format: json
`
