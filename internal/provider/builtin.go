package provider

// Capability names used as resolver and queue labels.
const (
	CapabilityTranscription    = "transcription"
	CapabilityGeneration       = "generation"
	CapabilityImageDescription = "image_description"
)

// Transcription prefers Deepgram, then OpenAI, then local whisper.
func Transcription() Resolver {
	return Resolver{
		Capability: CapabilityTranscription,
		ProfileKey: "TRANSCRIPTION_PROVIDER",
		EnvKey:     "TRANSCRIPTION_PROVIDER",
		Candidates: []Candidate{
			{ID: Deepgram, Credentials: []string{"DEEPGRAM_API_KEY"}},
			{ID: OpenAI, Credentials: []string{"OPENAI_API_KEY"}},
		},
		Fallback: Local,
	}
}

// Generation uses a reachable Ollama when configured and otherwise runs
// locally. OpenAI is only used when named: an API key present for other
// capabilities must not silently move generation off-device.
func Generation() Resolver {
	return Resolver{
		Capability: CapabilityGeneration,
		ProfileKey: "GENERATION_PROVIDER",
		EnvKey:     "GENERATION_PROVIDER",
		Candidates: []Candidate{
			{ID: Ollama, Credentials: []string{"OLLAMA_URL"}},
			{ID: OpenAI, Credentials: []string{"OPENAI_API_KEY"}, NamedOnly: true},
		},
		Fallback: Local,
	}
}

// ImageDescription prefers OpenAI vision and falls back to an Ollama
// vision model.
func ImageDescription() Resolver {
	return Resolver{
		Capability: CapabilityImageDescription,
		ProfileKey: "IMAGE_PROVIDER",
		EnvKey:     "IMAGE_PROVIDER",
		Candidates: []Candidate{
			{ID: OpenAI, Credentials: []string{"OPENAI_API_KEY"}},
		},
		Fallback: Ollama,
	}
}
