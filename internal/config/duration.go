package config

import (
	"encoding/json"
	"time"
)

// Duration wraps time.Duration so it can be parsed from flags, env vars,
// and YAML/JSON using Go duration syntax ("15s", "2m30s", ...).
type Duration struct {
	time.Duration
}

func (d Duration) String() string {
	return d.Duration.String()
}

// Set implements kingpin.Value / flag.Value.
func (d *Duration) Set(s string) error {
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.Set(s)
}

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.Set(s)
}
