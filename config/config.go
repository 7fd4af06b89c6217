// Package config provides YAML configuration parsing for mediamon.
//
// Example configuration:
//
//	port: 8080
//	interval: 30s
//
//	services:
//	  transmission:
//	    url: http://nas:9091
//	  sonarr:
//	    url: http://nas:8989
//	    apikey: ${SONARR_API_KEY}
//	    interval: 5m
//	  plex:
//	    username: me@example.com
//	    password: ${PLEX_PASSWORD}
//	    reauthenticate: when_all_unhealthy
//
// A service that is not configured is not probed.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort     = 8080
	defaultInterval = 30 * time.Second

	// interval bounds keep a misconfigured probe from hammering a backend
	minInterval = 1 * time.Second
	maxInterval = 1 * time.Hour

	redacted = "********"
)

// Config is the root configuration structure.
//
// Use [Load] or [Parse] to create a Config from YAML.
type Config struct {
	// Port is the HTTP server port. Defaults to 8080.
	Port int `yaml:"port" validate:"gte=1,lte=65535"`

	// Interval is the polling interval of services that do not set their
	// own. Defaults to 30s.
	Interval Duration `yaml:"interval"`

	// Debug enables debug logging.
	Debug bool `yaml:"debug"`

	Services Services `yaml:"services"`
}

// Services holds one optional record per supported backend.
type Services struct {
	Transmission *TransmissionConfig `yaml:"transmission,omitempty" validate:"omitempty"`
	Sonarr       *XxxarrConfig       `yaml:"sonarr,omitempty" validate:"omitempty"`
	Radarr       *XxxarrConfig       `yaml:"radarr,omitempty" validate:"omitempty"`
	Plex         *PlexConfig         `yaml:"plex,omitempty" validate:"omitempty"`
}

// TransmissionConfig configures the Transmission probe.
type TransmissionConfig struct {
	// URL is the base URL, e.g. http://nas:9091.
	URL      string   `yaml:"url" validate:"required,url"`
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// XxxarrConfig configures a Sonarr or Radarr probe.
type XxxarrConfig struct {
	URL      string   `yaml:"url" validate:"required,url"`
	APIKey   string   `yaml:"apikey" validate:"required"`
	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// PlexConfig configures Plex discovery through plex.tv.
type PlexConfig struct {
	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password" validate:"required"`

	// AuthURL overrides https://plex.tv, mostly for testing.
	AuthURL string `yaml:"auth_url,omitempty" validate:"omitempty,url"`

	// Reauthenticate is "never" (default) or "when_all_unhealthy".
	Reauthenticate string `yaml:"reauthenticate,omitempty" validate:"omitempty,oneof=never when_all_unhealthy"`

	Interval Duration `yaml:"interval,omitempty"`
	Timeout  Duration `yaml:"timeout,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshalling.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}

	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}

	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration value.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns.
// Group 1: variable name
// Group 2: the ":-default" part (if present, indicates a default was specified)
// Group 3: the default value (may be empty for ${VAR:-})
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

// expandEnvVars replaces ${VAR} and ${VAR:-default} patterns with environment values.
func expandEnvVars(s string) (string, error) {
	var firstErr error

	result := envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}

		submatches := envVarPattern.FindStringSubmatch(match)
		if len(submatches) < 2 {
			return match
		}

		varName := submatches[1]
		hasDefault := len(submatches) > 2 && submatches[2] != ""
		defaultVal := ""
		if hasDefault && len(submatches) > 3 {
			defaultVal = submatches[3]
		}

		value, exists := os.LookupEnv(varName)
		if !exists {
			if hasDefault {
				return defaultVal
			}
			firstErr = fmt.Errorf("environment variable %q is not set", varName)
			return match
		}
		return value
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

var validate = newValidator()

// newValidator reports fields by their yaml names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load reads and parses a YAML configuration file.
//
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS is [Load] reading from fsys.
func LoadFS(fsys afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration data.
//
// Environment variables are expanded in URLs and credentials. Defaults are
// applied for Port (8080) and Interval (30s).
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Interval == 0 {
		cfg.Interval = Duration(defaultInterval)
	}

	if err := cfg.expandAndValidate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandAndValidate expands environment variables and validates the config.
func (c *Config) expandAndValidate() error {
	if err := checkInterval("interval", c.Interval); err != nil {
		return err
	}

	s := &c.Services
	if t := s.Transmission; t != nil {
		if err := expandAll("services.transmission", &t.URL); err != nil {
			return err
		}
	}
	if x := s.Sonarr; x != nil {
		if err := expandAll("services.sonarr", &x.URL, &x.APIKey); err != nil {
			return err
		}
	}
	if x := s.Radarr; x != nil {
		if err := expandAll("services.radarr", &x.URL, &x.APIKey); err != nil {
			return err
		}
	}
	if p := s.Plex; p != nil {
		if err := expandAll("services.plex", &p.Username, &p.Password, &p.AuthURL); err != nil {
			return err
		}
	}

	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	if t := s.Transmission; t != nil {
		if err := checkService("services.transmission", t.URL, t.Interval, t.Timeout); err != nil {
			return err
		}
	}
	if x := s.Sonarr; x != nil {
		if err := checkService("services.sonarr", x.URL, x.Interval, x.Timeout); err != nil {
			return err
		}
	}
	if x := s.Radarr; x != nil {
		if err := checkService("services.radarr", x.URL, x.Interval, x.Timeout); err != nil {
			return err
		}
	}
	if p := s.Plex; p != nil {
		authURL := p.AuthURL
		if authURL == "" {
			authURL = "https://plex.tv"
		}
		if err := checkService("services.plex", authURL, p.Interval, p.Timeout); err != nil {
			return err
		}
	}
	return nil
}

// Enabled returns the names of the configured services.
func (c *Config) Enabled() []string {
	var names []string
	if c.Services.Transmission != nil {
		names = append(names, "transmission")
	}
	if c.Services.Sonarr != nil {
		names = append(names, "sonarr")
	}
	if c.Services.Radarr != nil {
		names = append(names, "radarr")
	}
	if c.Services.Plex != nil {
		names = append(names, "plex")
	}
	return names
}

// Redacted returns a copy of the configuration with secrets masked, safe to
// log or print.
func (c *Config) Redacted() Config {
	out := *c
	if t := c.Services.Transmission; t != nil {
		cp := *t
		out.Services.Transmission = &cp
	}
	if x := c.Services.Sonarr; x != nil {
		cp := *x
		cp.APIKey = mask(cp.APIKey)
		out.Services.Sonarr = &cp
	}
	if x := c.Services.Radarr; x != nil {
		cp := *x
		cp.APIKey = mask(cp.APIKey)
		out.Services.Radarr = &cp
	}
	if p := c.Services.Plex; p != nil {
		cp := *p
		cp.Password = mask(cp.Password)
		out.Services.Plex = &cp
	}
	return out
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return redacted
}

func expandAll(context string, fields ...*string) error {
	for _, f := range fields {
		expanded, err := expandEnvVars(*f)
		if err != nil {
			return fmt.Errorf("%s: %w", context, err)
		}
		*f = expanded
	}
	return nil
}

func checkService(context, rawURL string, interval, timeout Duration) error {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%s: invalid url: %w", context, err)
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fmt.Errorf("%s: url scheme must be http or https, got %q", context, parsedURL.Scheme)
	}
	if interval != 0 {
		if err := checkInterval(context+".interval", interval); err != nil {
			return err
		}
	}
	if timeout != 0 && timeout.Duration() < time.Second {
		return fmt.Errorf("%s: timeout must be at least 1s if specified, got %s", context, timeout.Duration())
	}
	return nil
}

func checkInterval(context string, d Duration) error {
	if d.Duration() < minInterval {
		return fmt.Errorf("%s must be at least %s, got %s", context, minInterval, d.Duration())
	}
	if d.Duration() > maxInterval {
		return fmt.Errorf("%s must not exceed %s, got %s", context, maxInterval, d.Duration())
	}
	return nil
}

// formatValidationError turns validator errors into one line per field,
// named by yaml path.
func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		_, field, _ := strings.Cut(fe.Namespace(), ".")
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", field))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s], got %q", field, fe.Param(), fe.Value()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s: invalid value %v (%s)", field, fe.Value(), fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
