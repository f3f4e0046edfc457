package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration of the dispatcher.
type Config struct {
	Operators []string `yaml:"operators"`
	Targets   []Target `yaml:"targets"`
	Restart   Restart  `yaml:"restart"`
	Media     Media    `yaml:"media"`
	Timeouts  Timeouts `yaml:"timeouts"`
	Labels    Labels   `yaml:"labels"`
	Telegram  Telegram `yaml:"telegram"`
	HTTP      HTTP     `yaml:"http"`
	GRPC      GRPC     `yaml:"grpc"`
	Audit     Audit    `yaml:"audit"`
}

// Target is one entry of the remote host catalog.
type Target struct {
	Name        string `yaml:"name"`
	Host        string `yaml:"host"`
	User        string `yaml:"user"`
	Password    string `yaml:"password"`
	PasswordEnv string `yaml:"passwordEnv"`
	HostKey     string `yaml:"hostKey"`
}

// Restart configures the container restart flow.
type Restart struct {
	Targets []string `yaml:"targets"`
	Tables  int      `yaml:"tables"`
	Command string   `yaml:"command"`
}

// Media configures where recordings live and how they are matched.
type Media struct {
	Target          string        `yaml:"target"`
	BaseDir         string        `yaml:"baseDir"`
	TableDir        string        `yaml:"tableDir"`
	Pattern         string        `yaml:"pattern"`
	TimestampRegex  string        `yaml:"timestampRegex"`
	TimestampLayout string        `yaml:"timestampLayout"`
	Timezone        string        `yaml:"timezone"`
	Strategy        string        `yaml:"strategy"`
	Window          time.Duration `yaml:"window"`
	Selection       string        `yaml:"selection"`
	ScratchDir      string        `yaml:"scratchDir"`
}

type Timeouts struct {
	Connect  time.Duration `yaml:"connect"`
	Command  time.Duration `yaml:"command"`
	Transfer time.Duration `yaml:"transfer"`
}

// Labels are the words operators type or tap. Matching is case-insensitive.
type Labels struct {
	Start    string `yaml:"start"`
	Restart  string `yaml:"restart"`
	Download string `yaml:"download"`
	Yes      string `yaml:"yes"`
	No       string `yaml:"no"`
	Cancel   string `yaml:"cancel"`
	All      string `yaml:"all"`
}

type Telegram struct {
	Token    string        `yaml:"token"`
	TokenEnv string        `yaml:"tokenEnv"`
	Timeout  time.Duration `yaml:"pollTimeout"`
	Debug    bool          `yaml:"debug"`
}

// HTTP configures the optional JSON gateway. It is disabled when Addr is
// empty and requires a bearer token when enabled. Operators limits the ids
// a token holder may act as; empty means every allow-listed operator.
type HTTP struct {
	Addr      string   `yaml:"addr"`
	OutboxDir string   `yaml:"outboxDir"`
	Token     string   `yaml:"token"`
	TokenEnv  string   `yaml:"tokenEnv"`
	Operators []string `yaml:"operators"`
}

type GRPC struct {
	HealthAddr string `yaml:"healthAddr"`
}

type Audit struct {
	// File, when set, receives a local append-only copy of every record.
	File string `yaml:"file"`
	NATS *NATS  `yaml:"nats"`
}

// NATS describes the optional JetStream audit stream.
type NATS struct {
	URL      string        `yaml:"url"`
	User     string        `yaml:"user"`
	Password string        `yaml:"password"`
	Stream   string        `yaml:"stream"`
	Subject  string        `yaml:"subject"`
	MaxBytes int64         `yaml:"maxBytes"`
	MaxAge   time.Duration `yaml:"maxAge"`
}

const (
	StrategyFilename = "filename"
	StrategyMtime    = "mtime"
	StrategyAuto     = "auto"

	SelectionConfirm = "confirm"
	SelectionPick    = "pick"
)

var (
	// ErrTargetNotFound indicates a name that is not in the target catalog.
	ErrTargetNotFound = errors.New("target not found")
	// ErrNoConfig is returned by Load when the file does not exist.
	ErrNoConfig = errors.New("config file not found")
)

// Load decodes the config file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("config path is required")
	}
	expanded, err := expandPath(trimmed)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNoConfig, expanded)
	}
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Restart.Tables == 0 {
		c.Restart.Tables = 4
	}
	if c.Restart.Command == "" {
		c.Restart.Command = "docker restart streaming_script-ffmpeg_bk0{{.Table}}-1"
	}
	if len(c.Restart.Targets) == 0 {
		for _, t := range c.Targets {
			c.Restart.Targets = append(c.Restart.Targets, t.Name)
		}
	}
	if c.Media.Target == "" && len(c.Targets) > 0 {
		c.Media.Target = c.Targets[0].Name
	}
	if c.Media.TableDir == "" {
		c.Media.TableDir = "bk{{.Table}}"
	}
	if c.Media.Pattern == "" {
		c.Media.Pattern = "*.mp4"
	}
	if c.Media.TimestampRegex == "" {
		c.Media.TimestampRegex = `\d{8}_\d{6}`
	}
	if c.Media.TimestampLayout == "" {
		c.Media.TimestampLayout = "20060102_150405"
	}
	if c.Media.Timezone == "" {
		c.Media.Timezone = "Local"
	}
	if c.Media.Strategy == "" {
		c.Media.Strategy = StrategyAuto
	}
	if c.Media.Window == 0 {
		c.Media.Window = time.Minute
	}
	if c.Media.Selection == "" {
		c.Media.Selection = SelectionConfirm
	}
	if c.Media.ScratchDir == "" {
		c.Media.ScratchDir = "./temp_downloads"
	}
	if c.Timeouts.Connect == 0 {
		c.Timeouts.Connect = 10 * time.Second
	}
	if c.Timeouts.Command == 0 {
		c.Timeouts.Command = time.Minute
	}
	if c.Timeouts.Transfer == 0 {
		c.Timeouts.Transfer = 10 * time.Minute
	}
	c.Labels.setDefaults()
	if c.Telegram.TokenEnv == "" {
		c.Telegram.TokenEnv = "STREAMOPS_TELEGRAM_TOKEN"
	}
	if c.Telegram.Timeout == 0 {
		c.Telegram.Timeout = time.Minute
	}
	if c.HTTP.TokenEnv == "" {
		c.HTTP.TokenEnv = "STREAMOPS_HTTP_TOKEN"
	}
	if c.HTTP.OutboxDir == "" {
		c.HTTP.OutboxDir = "./outbox"
	}
	if n := c.Audit.NATS; n != nil {
		if n.Stream == "" {
			n.Stream = "STREAMOPS_AUDIT"
		}
		if n.Subject == "" {
			n.Subject = "streamops.audit"
		}
		if n.MaxBytes == 0 {
			n.MaxBytes = 1024 * 1024 * 1024 // 1GB
		}
		if n.MaxAge == 0 {
			n.MaxAge = 90 * 24 * time.Hour
		}
	}
}

func (l *Labels) setDefaults() {
	if l.Start == "" {
		l.Start = "start"
	}
	if l.Restart == "" {
		l.Restart = "restart"
	}
	if l.Download == "" {
		l.Download = "download"
	}
	if l.Yes == "" {
		l.Yes = "yes"
	}
	if l.No == "" {
		l.No = "no"
	}
	if l.Cancel == "" {
		l.Cancel = "cancel"
	}
	if l.All == "" {
		l.All = "all"
	}
}

// Validate reports the first configuration problem found.
func (c *Config) Validate() error {
	if len(c.Operators) == 0 {
		return fmt.Errorf("operators: at least one operator id is required")
	}
	if len(c.Targets) == 0 {
		return fmt.Errorf("targets: at least one target is required")
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for i, t := range c.Targets {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return fmt.Errorf("targets[%d]: name is required", i)
		}
		if _, dup := seen[strings.ToLower(name)]; dup {
			return fmt.Errorf("targets[%d]: duplicate name %q", i, name)
		}
		seen[strings.ToLower(name)] = struct{}{}
		if strings.TrimSpace(t.Host) == "" {
			return fmt.Errorf("targets[%d] %s: host is required", i, name)
		}
		if strings.TrimSpace(t.User) == "" {
			return fmt.Errorf("targets[%d] %s: user is required", i, name)
		}
	}
	for _, name := range c.Restart.Targets {
		if _, err := c.Target(name); err != nil {
			return fmt.Errorf("restart.targets: %w", err)
		}
	}
	if c.Restart.Tables < 1 || c.Restart.Tables > 99 {
		return fmt.Errorf("restart.tables must be between 1 and 99, got %d", c.Restart.Tables)
	}
	if _, err := template.New("restart").Option("missingkey=error").Parse(c.Restart.Command); err != nil {
		return fmt.Errorf("restart.command: %w", err)
	}
	if _, err := c.Target(c.Media.Target); err != nil {
		return fmt.Errorf("media.target: %w", err)
	}
	if strings.TrimSpace(c.Media.BaseDir) == "" {
		return fmt.Errorf("media.baseDir is required")
	}
	if _, err := template.New("tableDir").Parse(c.Media.TableDir); err != nil {
		return fmt.Errorf("media.tableDir: %w", err)
	}
	if _, err := regexp.Compile(c.Media.TimestampRegex); err != nil {
		return fmt.Errorf("media.timestampRegex: %w", err)
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("media.timezone: %w", err)
	}
	switch c.Media.Strategy {
	case StrategyFilename, StrategyMtime, StrategyAuto:
	default:
		return fmt.Errorf("media.strategy must be filename|mtime|auto, got %q", c.Media.Strategy)
	}
	switch c.Media.Selection {
	case SelectionConfirm, SelectionPick:
	default:
		return fmt.Errorf("media.selection must be confirm|pick, got %q", c.Media.Selection)
	}
	if c.Media.Window < 0 {
		return fmt.Errorf("media.window must not be negative")
	}
	if strings.TrimSpace(c.HTTP.Addr) != "" && c.HTTP.ResolvedToken() == "" {
		return fmt.Errorf("http.addr is set but no bearer token resolves: set http.token or $%s", c.HTTP.TokenEnv)
	}
	for _, id := range c.HTTP.Operators {
		if !slices.Contains(c.Operators, id) {
			return fmt.Errorf("http.operators: %q is not in operators", id)
		}
	}
	return nil
}

// Target looks a catalog entry up by case-insensitive name.
func (c *Config) Target(name string) (Target, error) {
	want := strings.TrimSpace(name)
	for _, t := range c.Targets {
		if strings.EqualFold(t.Name, want) {
			return t, nil
		}
	}
	return Target{}, fmt.Errorf("%w: %s", ErrTargetNotFound, want)
}

// Location resolves media.timezone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Media.Timezone)
}

// ResolvedPassword returns the inline password or the value of PasswordEnv.
func (t Target) ResolvedPassword() string {
	if t.Password != "" {
		return t.Password
	}
	if t.PasswordEnv != "" {
		return os.Getenv(t.PasswordEnv)
	}
	return ""
}

// ResolvedToken returns the bearer token required by the gateway, if any.
func (h HTTP) ResolvedToken() string {
	if h.Token != "" {
		return h.Token
	}
	if h.TokenEnv != "" {
		return os.Getenv(h.TokenEnv)
	}
	return ""
}

// ResolvedToken mirrors ResolvedPassword for the bot token.
func (t Telegram) ResolvedToken() string {
	if t.Token != "" {
		return t.Token
	}
	return os.Getenv(t.TokenEnv)
}

func expandPath(path string) (string, error) {
	switch {
	case strings.HasPrefix(path, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[2:]), nil
	case path == "~":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return home, nil
	case filepath.IsAbs(path):
		return path, nil
	default:
		cwd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		return filepath.Join(cwd, path), nil
	}
}
