package decode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// fillerWords are stock phrases penalized on top of the repetition penalty.
// Only words that map to a single token in the loaded vocabulary are used.
var fillerWords = []string{
	" Certainly",
	" Absolutely",
	" Indeed",
	" Moreover",
	" Furthermore",
	" Additionally",
	" delve",
	" tapestry",
	" testament",
}

// Decoder drives the sampling loop for one loaded model. It is owned by a
// single capability worker.
type Decoder struct {
	model Model

	fillerMu    sync.Mutex
	filler      map[Token]struct{}
	fillerReady bool

	// OnFinish, when set, observes every completed generation.
	OnFinish func(r Result)
}

func NewDecoder(m Model) *Decoder {
	return &Decoder{model: m}
}

func (d *Decoder) Model() Model { return d.model }

// Close releases the underlying model when it holds resources.
func (d *Decoder) Close() error {
	if c, ok := d.model.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Generate tokenizes prompt and samples until a stop string, a closed
// structured block, end-of-generation or the token budget ends the run.
// Model history is cleared afterwards.
func (d *Decoder) Generate(ctx context.Context, prompt string, p Params) (res Result, err error) {
	p = p.WithDefaults()
	filler := d.fillerTokens(ctx)

	defer func() {
		if rerr := d.model.Reset(context.WithoutCancel(ctx)); rerr != nil && err == nil {
			err = fmt.Errorf("reset model: %w", rerr)
		}
	}()

	promptTokens, err := d.model.Tokenize(ctx, prompt, true)
	if err != nil {
		return Result{}, fmt.Errorf("tokenize prompt: %w", err)
	}
	if len(promptTokens) == 0 {
		return Result{}, errors.New("empty prompt")
	}

	seq := make([]Token, 0, len(promptTokens)+p.MaxTokens)
	seq = append(seq, promptTokens...)
	s := newSampler(p, filler)

	var (
		cur    string
		out    int
		reason StopReason
		final  string
	)
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		cands, err := d.model.Eval(ctx, seq)
		if err != nil {
			return Result{}, fmt.Errorf("eval: %w", err)
		}
		tok, ok := s.sample(cands)
		if !ok || d.model.IsEOG(tok) {
			reason, final = StopEOG, cur
			break
		}
		seq = append(seq, tok)
		s.accept(tok)
		out++

		// Byte-fallback vocabularies split one character across tokens, so
		// the whole output is detokenized each step.
		cur, err = d.model.Detokenize(ctx, seq[len(promptTokens):])
		if err != nil {
			return Result{}, fmt.Errorf("detokenize: %w", err)
		}

		if i := stopIndex(cur, p.Stop); i >= 0 {
			reason, final = StopString, cur[:i]
			break
		}
		if p.Structured && grammarClosed(cur) {
			reason, final = StopGrammar, cur
			break
		}
		if out >= p.MaxTokens {
			reason, final = StopLength, cur
			break
		}
	}

	res = Result{Text: strings.TrimSpace(final), Tokens: out, StopReason: reason}
	if d.OnFinish != nil {
		d.OnFinish(res)
	}
	return res, nil
}

// fillerTokens resolves the filler denylist once per model. A failed
// resolution is retried on the next call.
func (d *Decoder) fillerTokens(ctx context.Context) map[Token]struct{} {
	d.fillerMu.Lock()
	defer d.fillerMu.Unlock()
	if d.fillerReady {
		return d.filler
	}
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	filler, err := resolveFiller(rctx, d.model)
	d.filler, d.fillerReady = filler, err == nil
	return filler
}

func resolveFiller(ctx context.Context, m Model) (map[Token]struct{}, error) {
	out := make(map[Token]struct{}, len(fillerWords))
	var firstErr error
	for _, w := range fillerWords {
		toks, err := m.Tokenize(ctx, w, false)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(toks) == 1 {
			out[toks[0]] = struct{}{}
		}
	}
	return out, firstErr
}

// stopIndex returns the earliest position of any stop string in text.
func stopIndex(text string, stops []string) int {
	best := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// grammarClosed reports whether structured output is complete: a fenced
// block has been closed, or a bare top-level JSON value has balanced.
func grammarClosed(text string) bool {
	if open := strings.Index(text, "```"); open >= 0 {
		return strings.Contains(text[open+3:], "```")
	}
	trimmed := strings.TrimLeft(text, " \t\r\n")
	if trimmed == "" || (trimmed[0] != '{' && trimmed[0] != '[') {
		return false
	}
	depth := 0
	inString, escaped := false, false
	for _, r := range trimmed {
		switch {
		case escaped:
			escaped = false
		case inString && r == '\\':
			escaped = true
		case r == '"':
			inString = !inString
		case inString:
		case r == '{' || r == '[':
			depth++
		case r == '}' || r == ']':
			depth--
			if depth == 0 {
				return true
			}
		}
	}
	return false
}
