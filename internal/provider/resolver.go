// Package provider picks the backend that services a capability request.
package provider

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ent0n29/heavyd/internal/config"
)

var ErrUnknownProvider = errors.New("unknown provider")

// ID names one backend.
type ID string

const (
	Local    ID = "local"
	Deepgram ID = "deepgram"
	OpenAI   ID = "openai"
	Ollama   ID = "ollama"
)

// Candidate describes a backend the resolver may select.
type Candidate struct {
	ID ID
	// Credentials are setting keys that must all be present.
	Credentials []string
	// Probe is an optional extra availability check over the same settings.
	Probe func(config.Settings) bool
	// NamedOnly candidates are selected only when a profile, env default or
	// per-call override names them, never by the credential scan.
	NamedOnly bool
}

// Resolver evaluates the priority chain for one capability:
//
//  1. profile setting naming a provider whose credentials are present
//  2. environment default naming a provider whose credentials are present
//  3. Candidates in order whose credentials are present
//  4. Fallback
//
// A named provider with missing credentials or an unrecognized name falls
// through silently. Resolve holds no state between calls.
type Resolver struct {
	Capability string
	ProfileKey string
	EnvKey     string
	Candidates []Candidate
	Fallback   ID
}

func (r Resolver) Resolve(profile, env config.Settings) ID {
	lookup := config.Chain{profile, env}
	if profile != nil {
		if id, ok := r.named(profile, r.ProfileKey, lookup); ok {
			return id
		}
	}
	if env != nil {
		if id, ok := r.named(env, r.EnvKey, lookup); ok {
			return id
		}
	}
	for _, c := range r.Candidates {
		if c.NamedOnly {
			continue
		}
		if available(c, lookup) {
			return c.ID
		}
	}
	return r.Fallback
}

// ResolveOverride honours an explicit per-call provider name ahead of the
// chain. An unrecognized override is an error; a recognized one without
// credentials falls back to Resolve.
func (r Resolver) ResolveOverride(override string, profile, env config.Settings) (ID, error) {
	override = strings.TrimSpace(override)
	if override == "" {
		return r.Resolve(profile, env), nil
	}
	id := Normalize(override)
	if !r.Known(id) {
		return "", fmt.Errorf("%w: %q for %s", ErrUnknownProvider, override, r.Capability)
	}
	if r.eligible(id, config.Chain{profile, env}) {
		return id, nil
	}
	return r.Resolve(profile, env), nil
}

// Known reports whether id is a candidate or the fallback of r.
func (r Resolver) Known(id ID) bool {
	if id == r.Fallback {
		return true
	}
	_, ok := r.candidate(id)
	return ok
}

func (r Resolver) named(src config.Settings, key string, lookup config.Settings) (ID, bool) {
	if key == "" {
		return "", false
	}
	v, ok := src.Get(key)
	if !ok {
		return "", false
	}
	id := Normalize(v)
	if r.eligible(id, lookup) {
		return id, true
	}
	return "", false
}

func (r Resolver) eligible(id ID, lookup config.Settings) bool {
	if c, ok := r.candidate(id); ok {
		return available(c, lookup)
	}
	return id == r.Fallback
}

func (r Resolver) candidate(id ID) (Candidate, bool) {
	for _, c := range r.Candidates {
		if c.ID == id {
			return c, true
		}
	}
	return Candidate{}, false
}

func available(c Candidate, lookup config.Settings) bool {
	for _, key := range c.Credentials {
		if _, ok := lookup.Get(key); !ok {
			return false
		}
	}
	if c.Probe != nil && !c.Probe(lookup) {
		return false
	}
	return true
}

// Normalize lower-cases a provider name and maps common aliases.
func Normalize(name string) ID {
	switch v := strings.ToLower(strings.TrimSpace(name)); v {
	case "whisper", "whisper.cpp", "whisper-cpp", "local-whisper", "llama", "llama.cpp", "local-llama":
		return Local
	case "openai-compatible", "openai_compatible":
		return OpenAI
	default:
		return ID(v)
	}
}
