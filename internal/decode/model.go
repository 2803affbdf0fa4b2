// Package decode runs token-level generation against a loaded model and
// parses structured output.
package decode

import (
	"context"
	"errors"
)

var ErrStructuredParse = errors.New("structured output parse failed")

type Token int32

// TokenLogit is one next-token candidate. Runtimes that only expose the
// top-N distribution return a truncated slice.
type TokenLogit struct {
	Token Token
	Logit float64
}

// Model is a loaded local model handle. It is owned by one worker and is
// not safe for concurrent use.
type Model interface {
	Tokenize(ctx context.Context, text string, addSpecial bool) ([]Token, error)
	// Eval returns the candidates for the token following seq.
	Eval(ctx context.Context, seq []Token) ([]TokenLogit, error)
	Detokenize(ctx context.Context, tokens []Token) (string, error)
	IsEOG(Token) bool
	// Reset drops any cached context so the next Eval starts clean.
	Reset(ctx context.Context) error
}

type StopReason string

const (
	StopString  StopReason = "stop"
	StopGrammar StopReason = "grammar"
	StopEOG     StopReason = "eog"
	StopLength  StopReason = "length"
)

type Params struct {
	Temperature      float64
	TopK             int
	TopP             float64
	RepeatPenalty    float64
	RepeatLastN      int
	FrequencyPenalty float64
	PresencePenalty  float64
	// FillerPenalty is applied to denylisted stock-phrase tokens whether or
	// not they have appeared yet.
	FillerPenalty float64
	MaxTokens     int
	Stop          []string
	Seed          int64
	Structured    bool
}

// DefaultParams mirrors common llama.cpp defaults.
func DefaultParams() Params {
	return Params{
		Temperature:   0.7,
		TopK:          40,
		TopP:          0.95,
		RepeatPenalty: 1.1,
		RepeatLastN:   64,
		FillerPenalty: 1.3,
		MaxTokens:     256,
	}
}

// WithDefaults fills zero fields from DefaultParams. Temperature 0 is kept
// because it selects greedy decoding.
func (p Params) WithDefaults() Params {
	d := DefaultParams()
	if p.TopK <= 0 {
		p.TopK = d.TopK
	}
	if p.TopP <= 0 || p.TopP > 1 {
		p.TopP = d.TopP
	}
	if p.RepeatPenalty <= 0 {
		p.RepeatPenalty = d.RepeatPenalty
	}
	if p.RepeatLastN <= 0 {
		p.RepeatLastN = d.RepeatLastN
	}
	if p.FillerPenalty <= 0 {
		p.FillerPenalty = d.FillerPenalty
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = d.MaxTokens
	}
	return p
}

type Result struct {
	Text       string
	Tokens     int
	StopReason StopReason
}

// Generator is the common contract of local and remote text generation.
type Generator interface {
	Generate(ctx context.Context, prompt string, p Params) (Result, error)
}
