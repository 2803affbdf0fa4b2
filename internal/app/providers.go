package app

import (
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/ent0n29/heavyd/internal/config"
	"github.com/ent0n29/heavyd/internal/decode"
	"github.com/ent0n29/heavyd/internal/provider"
)

// ProviderInfo is the default backend a capability resolves to at startup.
// Per-request overrides and profile edits can still pick another one.
type ProviderInfo struct {
	Capability string
	Default    provider.ID
	Detail     string
}

type probeTargets struct {
	ollama     *decode.OllamaClient
	whisperCLI string
	llmRuntime string
	lookPath   func(string) (string, error)
}

// describeProviders resolves each capability's default and checks that
// the chosen backend looks usable. It never fails startup.
func describeProviders(ctx context.Context, cfg config.Config, t probeTargets) []ProviderInfo {
	if t.lookPath == nil {
		t.lookPath = exec.LookPath
	}
	resolvers := []provider.Resolver{
		provider.Transcription(),
		provider.Generation(),
		provider.ImageDescription(),
	}
	out := make([]ProviderInfo, 0, len(resolvers))
	for _, r := range resolvers {
		id := r.Resolve(cfg.Profile, config.Env{})
		out = append(out, ProviderInfo{
			Capability: r.Capability,
			Default:    id,
			Detail:     probe(ctx, r.Capability, id, t),
		})
	}
	return out
}

func probe(ctx context.Context, capability string, id provider.ID, t probeTargets) string {
	switch id {
	case provider.Ollama:
		if t.ollama == nil {
			return "not configured"
		}
		pctx, cancel := context.WithTimeout(ctx, 800*time.Millisecond)
		defer cancel()
		if !t.ollama.IsAvailable(pctx) {
			return "unreachable"
		}
		return "reachable"
	case provider.Local:
		bin := t.llmRuntime
		if capability == provider.CapabilityTranscription {
			bin = t.whisperCLI
		}
		bin = strings.TrimSpace(bin)
		if bin == "" {
			return "no runtime configured"
		}
		if _, err := t.lookPath(bin); err != nil {
			return bin + " not found on PATH"
		}
		return bin
	default:
		return "remote"
	}
}
