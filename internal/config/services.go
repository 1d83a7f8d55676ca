package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Probe kinds understood by the probe package.
const (
	KindHTTP = "http"
	KindNTP  = "ntp"
	KindMQTT = "mqtt"
)

// Duration is a time.Duration written as "30s" in YAML and JSON.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"30s\"", node.Line)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON accepts a duration string or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(val * float64(time.Second))
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ServiceSpec describes one pollable service. Fields not used by Kind are ignored.
type ServiceSpec struct {
	Name     string   `yaml:"name" json:"name"`
	Kind     string   `yaml:"kind" json:"kind"`
	Interval Duration `yaml:"interval" json:"interval"`
	Timeout  Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	// http
	URL          string            `yaml:"url,omitempty" json:"url,omitempty"`
	Method       string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	ExpectStatus int               `yaml:"expect_status,omitempty" json:"expect_status,omitempty"`
	Expect       string            `yaml:"expect,omitempty" json:"expect,omitempty"`

	// ntp
	Server    string   `yaml:"server,omitempty" json:"server,omitempty"`
	MaxOffset Duration `yaml:"max_offset,omitempty" json:"max_offset,omitempty"`

	// mqtt
	Broker   string `yaml:"broker,omitempty" json:"broker,omitempty"`
	Topic    string `yaml:"topic,omitempty" json:"topic,omitempty"`
	Payload  string `yaml:"payload,omitempty" json:"payload,omitempty"`
	ClientID string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
}

// Validate reports the first problem with s.
func (s *ServiceSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("name is required")
	}
	if strings.ContainsAny(s.Name, "/ \t") {
		return fmt.Errorf("name %q must not contain slashes or whitespace", s.Name)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", s.Interval)
	}
	if s.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative, got %s", s.Timeout)
	}

	switch s.Kind {
	case KindHTTP:
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("url %q must be an absolute http(s) URL", s.URL)
		}
		switch strings.ToUpper(s.Method) {
		case "", "GET", "HEAD":
		default:
			return fmt.Errorf("method %q not supported (GET or HEAD)", s.Method)
		}
		if s.ExpectStatus != 0 && (s.ExpectStatus < 100 || s.ExpectStatus > 599) {
			return fmt.Errorf("expect_status %d out of range", s.ExpectStatus)
		}
	case KindNTP:
		if s.Server == "" {
			return errors.New("server is required for ntp services")
		}
		if s.MaxOffset <= 0 {
			return errors.New("max_offset must be positive for ntp services")
		}
	case KindMQTT:
		if s.Broker == "" {
			return errors.New("broker is required for mqtt services")
		}
		if s.Topic == "" {
			return errors.New("topic is required for mqtt services")
		}
	case "":
		return errors.New("kind is required")
	default:
		return fmt.Errorf("unknown kind %q", s.Kind)
	}
	return nil
}

// EffectiveTimeout is the per-poll timeout: Timeout when set, otherwise the
// interval, capped at 30s.
func (s *ServiceSpec) EffectiveTimeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout.Std()
	}
	if d := s.Interval.Std(); d < 30*time.Second {
		return d
	}
	return 30 * time.Second
}

// ServicesFile is the top-level document of the services YAML file.
type ServicesFile struct {
	Services []ServiceSpec `yaml:"services"`
}

// LoadServices reads and validates a services file.
func LoadServices(path string) ([]ServiceSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read services file: %w", err)
	}
	return ParseServices(data)
}

// ParseServices decodes a services document and validates every entry.
func ParseServices(data []byte) ([]ServiceSpec, error) {
	var f ServicesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse services file: %w", err)
	}
	if err := ValidateServices(f.Services); err != nil {
		return nil, err
	}
	return f.Services, nil
}

// ValidateServices checks every spec and reports all problems at once,
// including duplicate names.
func ValidateServices(specs []ServiceSpec) error {
	var errs []error
	seen := make(map[string]int, len(specs))
	for i := range specs {
		s := &specs[i]
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("services[%d] (%s): %w", i, s.Name, err))
			continue
		}
		if prev, dup := seen[s.Name]; dup {
			errs = append(errs, fmt.Errorf("services[%d]: duplicate name %q (first at services[%d])", i, s.Name, prev))
			continue
		}
		seen[s.Name] = i
	}
	return errors.Join(errs...)
}
