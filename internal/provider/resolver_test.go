package provider

import (
	"errors"
	"testing"

	"github.com/ent0n29/heavyd/internal/config"
)

func TestTranscriptionChain(t *testing.T) {
	r := Transcription()
	cases := []struct {
		name    string
		profile config.Profile
		env     config.Profile
		want    ID
	}{
		{
			name: "nothing configured falls back to local",
			want: Local,
		},
		{
			name: "deepgram key selects deepgram",
			env:  config.Profile{"DEEPGRAM_API_KEY": "dg"},
			want: Deepgram,
		},
		{
			name: "openai key alone selects openai",
			env:  config.Profile{"OPENAI_API_KEY": "sk"},
			want: OpenAI,
		},
		{
			name: "primary wins over secondary",
			env:  config.Profile{"DEEPGRAM_API_KEY": "dg", "OPENAI_API_KEY": "sk"},
			want: Deepgram,
		},
		{
			name:    "profile setting beats credential scan",
			profile: config.Profile{"TRANSCRIPTION_PROVIDER": "openai"},
			env:     config.Profile{"DEEPGRAM_API_KEY": "dg", "OPENAI_API_KEY": "sk"},
			want:    OpenAI,
		},
		{
			name:    "profile credential satisfies profile setting",
			profile: config.Profile{"TRANSCRIPTION_PROVIDER": "openai", "OPENAI_API_KEY": "sk"},
			want:    OpenAI,
		},
		{
			name:    "profile provider without credential falls through to env default",
			profile: config.Profile{"TRANSCRIPTION_PROVIDER": "openai"},
			env:     config.Profile{"TRANSCRIPTION_PROVIDER": "deepgram", "DEEPGRAM_API_KEY": "dg"},
			want:    Deepgram,
		},
		{
			name: "env default without credential falls through to scan",
			env:  config.Profile{"TRANSCRIPTION_PROVIDER": "deepgram", "OPENAI_API_KEY": "sk"},
			want: OpenAI,
		},
		{
			name:    "unknown name falls through silently",
			profile: config.Profile{"TRANSCRIPTION_PROVIDER": "acme"},
			want:    Local,
		},
		{
			name:    "local needs no credentials",
			profile: config.Profile{"TRANSCRIPTION_PROVIDER": "local"},
			env:     config.Profile{"DEEPGRAM_API_KEY": "dg"},
			want:    Local,
		},
		{
			name: "blank credential counts as absent",
			env:  config.Profile{"DEEPGRAM_API_KEY": "   "},
			want: Local,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := r.Resolve(tc.profile, tc.env)
			if got != tc.want {
				t.Fatalf("Resolve() = %q, want %q", got, tc.want)
			}
			if again := r.Resolve(tc.profile, tc.env); again != got {
				t.Fatalf("second Resolve() = %q, want %q", again, got)
			}
		})
	}
}

func TestGenerationOpenAIOnlyWhenNamed(t *testing.T) {
	r := Generation()
	env := config.Profile{"OPENAI_API_KEY": "sk"}
	if got := r.Resolve(nil, env); got != Local {
		t.Fatalf("Resolve() = %q, want local", got)
	}
	env["GENERATION_PROVIDER"] = "openai"
	if got := r.Resolve(nil, env); got != OpenAI {
		t.Fatalf("Resolve() = %q, want openai", got)
	}
	if got := r.Resolve(nil, config.Profile{"OLLAMA_URL": "http://127.0.0.1:11434"}); got != Ollama {
		t.Fatalf("Resolve() = %q, want ollama", got)
	}
}

func TestProbeGatesCandidate(t *testing.T) {
	r := Resolver{
		Capability: "test",
		Candidates: []Candidate{{
			ID:          "remote",
			Credentials: []string{"KEY"},
			Probe:       func(config.Settings) bool { return false },
		}},
		Fallback: Local,
	}
	if got := r.Resolve(nil, config.Profile{"KEY": "x"}); got != Local {
		t.Fatalf("Resolve() = %q, want local when probe fails", got)
	}
}

func TestResolveOverride(t *testing.T) {
	r := Transcription()
	env := config.Profile{"DEEPGRAM_API_KEY": "dg"}

	got, err := r.ResolveOverride("whisper", nil, env)
	if err != nil || got != Local {
		t.Fatalf("ResolveOverride(whisper) = %q,%v, want local,nil", got, err)
	}
	got, err = r.ResolveOverride("openai", nil, env)
	if err != nil || got != Deepgram {
		t.Fatalf("ResolveOverride(openai without key) = %q,%v, want deepgram,nil", got, err)
	}
	if _, err := r.ResolveOverride("acme", nil, env); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("ResolveOverride(acme) error = %v, want ErrUnknownProvider", err)
	}
	got, err = r.ResolveOverride("", nil, env)
	if err != nil || got != Deepgram {
		t.Fatalf("ResolveOverride(\"\") = %q,%v, want deepgram,nil", got, err)
	}
}
