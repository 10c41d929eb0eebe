package config

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that reads and writes as a string such as
// "5s" or "30m" in both JSON and YAML.
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration %s", string(data))
	}
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
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

// GateConfig defines one verification command.
type GateConfig struct {
	Name     string   `json:"name" yaml:"name"`
	Command  string   `json:"command" yaml:"command"`
	Required bool     `json:"required" yaml:"required"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// RetryConfig configures exponential backoff for starting items.
type RetryConfig struct {
	InitialInterval Duration `json:"initial_interval" yaml:"initial_interval"`
	MaxInterval     Duration `json:"max_interval" yaml:"max_interval"`
	MaxElapsedTime  Duration `json:"max_elapsed_time" yaml:"max_elapsed_time"`
	Multiplier      float64  `json:"multiplier" yaml:"multiplier"`
}

// StarterConfig defines the command launched for each item. Arguments may
// use the {key}, {title}, {base}, {branch} and {chain} placeholders.
type StarterConfig struct {
	Command []string    `json:"command" yaml:"command"`
	Dir     string      `json:"dir,omitempty" yaml:"dir,omitempty"`
	Env     []string    `json:"env,omitempty" yaml:"env,omitempty"`
	Retry   RetryConfig `json:"retry" yaml:"retry"`
}

// LogConfig selects the log level and encoding.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// Config is the top-level configuration.
type Config struct {
	// Scheduling
	Concurrency    int      `json:"concurrency" yaml:"concurrency"`
	Sequential     bool     `json:"sequential" yaml:"sequential"`
	ConflictLabels []string `json:"conflict_labels" yaml:"conflict_labels"`
	PollInterval   Duration `json:"poll_interval" yaml:"poll_interval"`
	ItemTimeout    Duration `json:"item_timeout" yaml:"item_timeout"`
	BaseBranch     string   `json:"base_branch" yaml:"base_branch"`
	BranchPrefix   string   `json:"branch_prefix" yaml:"branch_prefix"`
	SkipFailed     bool     `json:"skip_failed" yaml:"skip_failed"`

	Starter StarterConfig `json:"starter" yaml:"starter"`

	// Verification
	RunGates        bool         `json:"validate" yaml:"validate"`
	Gates           []GateConfig `json:"gates" yaml:"gates"`
	GateRetries     int          `json:"gate_retries" yaml:"gate_retries"`
	PipelineRetries int          `json:"pipeline_retries" yaml:"pipeline_retries"`
	GateTimeout     Duration     `json:"gate_timeout" yaml:"gate_timeout"`
	MaxOutput       int          `json:"max_output" yaml:"max_output"`
	WorkDir         string       `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	DatabasePath string    `json:"database_path" yaml:"database_path"`
	Log          LogConfig `json:"log" yaml:"log"`
	MetricsAddr  string    `json:"metrics_addr,omitempty" yaml:"metrics_addr,omitempty"`
	// NotifyCommand receives each run summary as JSON on stdin.
	NotifyCommand string `json:"notify_command,omitempty" yaml:"notify_command,omitempty"`
}
