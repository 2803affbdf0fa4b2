package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is a named-setting lookup. Implementations return ok=false when
// the key is absent or blank.
type Settings interface {
	Get(key string) (string, bool)
}

// Profile is a per-deployment settings object, typically loaded from YAML.
type Profile map[string]string

func (p Profile) Get(key string) (string, bool) {
	if p == nil {
		return "", false
	}
	v := strings.TrimSpace(p[key])
	return v, v != ""
}

// Env reads settings from the process environment.
type Env struct{}

func (Env) Get(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// Chain consults each source in order; the first non-blank value wins.
type Chain []Settings

func (c Chain) Get(key string) (string, bool) {
	for _, s := range c {
		if s == nil {
			continue
		}
		if v, ok := s.Get(key); ok {
			return v, true
		}
	}
	return "", false
}

type profileFile struct {
	Profile map[string]string `yaml:"profile"`
}

// LoadProfileFile reads the `profile:` mapping of a YAML config file.
func LoadProfileFile(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var f profileFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	out := make(Profile, len(f.Profile))
	for k, v := range f.Profile {
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
