package decode

import (
	"context"
	"errors"
	"strings"
	"testing"
)

const (
	tokEOG     Token = 2
	tokFiller  Token = 900
	tokPlain   Token = 901
	promptSize       = 3
)

// scriptedModel emits pieces[i] as the greedy choice at step i.
type scriptedModel struct {
	pieces  []string
	evalErr error
	resets  int
	extra   []TokenLogit
	// lossy renders incomplete UTF-8 as U+FFFD, like llama-server's JSON.
	lossy bool
	// fillerErrs fails that many filler lookups before succeeding.
	fillerErrs int
}

func (m *scriptedModel) Tokenize(ctx context.Context, text string, _ bool) ([]Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch text {
	case "":
		return nil, nil
	case " Certainly":
		if m.fillerErrs > 0 {
			m.fillerErrs--
			return nil, errors.New("tokenize unavailable")
		}
		return []Token{tokFiller}, nil
	}
	if len(text) < 12 {
		return []Token{100, 101}, nil
	}
	return []Token{10, 11, 12}, nil
}

func (m *scriptedModel) Eval(_ context.Context, seq []Token) ([]TokenLogit, error) {
	if m.evalErr != nil {
		return nil, m.evalErr
	}
	step := len(seq) - promptSize
	if step >= len(m.pieces) {
		return []TokenLogit{{Token: tokEOG, Logit: 5}}, nil
	}
	out := []TokenLogit{{Token: Token(1000 + step), Logit: 5}}
	return append(out, m.extra...), nil
}

func (m *scriptedModel) Detokenize(_ context.Context, tokens []Token) (string, error) {
	var s string
	for _, t := range tokens {
		switch {
		case t >= 1000:
			s += m.pieces[int(t)-1000]
		case t == tokFiller:
			s += " Certainly"
		case t == tokPlain:
			s += " Sure"
		}
	}
	if m.lossy {
		s = strings.ToValidUTF8(s, "\uFFFD")
	}
	return s, nil
}

func (m *scriptedModel) IsEOG(t Token) bool { return t == tokEOG }

func (m *scriptedModel) Reset(context.Context) error {
	m.resets++
	return nil
}

func greedy(p Params) Params {
	p.Temperature = 0
	return p
}

func TestGenerateStopStringBeatsTokenBudget(t *testing.T) {
	m := &scriptedModel{pieces: []string{"Hello", " world", " END", " more"}}
	d := NewDecoder(m)
	res, err := d.Generate(context.Background(), "a long enough prompt", greedy(Params{MaxTokens: 3, Stop: []string{" END"}}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.StopReason != StopString || res.Text != "Hello world" {
		t.Fatalf("Generate() = %+v, want stop/\"Hello world\"", res)
	}
	if m.resets != 1 {
		t.Fatalf("resets = %d, want 1", m.resets)
	}
}

func TestGenerateStopsAtTokenBudget(t *testing.T) {
	m := &scriptedModel{pieces: []string{"one", " two", " three"}}
	res, err := NewDecoder(m).Generate(context.Background(), "a long enough prompt", greedy(Params{MaxTokens: 2}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.StopReason != StopLength || res.Text != "one two" || res.Tokens != 2 {
		t.Fatalf("Generate() = %+v, want length/\"one two\"/2", res)
	}
}

func TestGenerateStopsAtEOG(t *testing.T) {
	m := &scriptedModel{pieces: []string{"done"}}
	res, err := NewDecoder(m).Generate(context.Background(), "a long enough prompt", greedy(Params{MaxTokens: 10}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.StopReason != StopEOG || res.Text != "done" || res.Tokens != 1 {
		t.Fatalf("Generate() = %+v, want eog/done/1", res)
	}
}

func TestGenerateJoinsSplitMultibyteCharacters(t *testing.T) {
	m := &scriptedModel{pieces: []string{"caf", "\xC3", "\xA9", " au lait"}, lossy: true}
	res, err := NewDecoder(m).Generate(context.Background(), "a long enough prompt", greedy(Params{MaxTokens: 10}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.Text != "café au lait" {
		t.Fatalf("Generate() text = %q, want %q", res.Text, "café au lait")
	}

	m = &scriptedModel{pieces: []string{"caf", "\xC3", "\xA9", " au lait"}, lossy: true}
	res, err = NewDecoder(m).Generate(context.Background(), "a long enough prompt", greedy(Params{MaxTokens: 10, Stop: []string{"é"}}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.StopReason != StopString || res.Text != "caf" {
		t.Fatalf("Generate() = %+v, want stop at é", res)
	}
}

func TestFillerResolvedDespiteCancelledFirstCall(t *testing.T) {
	m := &scriptedModel{pieces: []string{"x"}}
	d := NewDecoder(m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.Generate(ctx, "a long enough prompt", Params{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
	if _, ok := d.filler[tokFiller]; !ok || !d.fillerReady {
		t.Fatalf("filler = %v ready=%v, want filler token resolved", d.filler, d.fillerReady)
	}
}

func TestFillerRetriedAfterTokenizeFailure(t *testing.T) {
	m := &scriptedModel{pieces: []string{"x"}, fillerErrs: 1}
	d := NewDecoder(m)
	if _, err := d.Generate(context.Background(), "a long enough prompt", greedy(Params{})); err != nil {
		t.Fatalf("first Generate() error = %v", err)
	}
	if d.fillerReady {
		t.Fatalf("fillerReady = true after failed lookup")
	}
	if _, err := d.Generate(context.Background(), "a long enough prompt", greedy(Params{})); err != nil {
		t.Fatalf("second Generate() error = %v", err)
	}
	if _, ok := d.filler[tokFiller]; !ok || !d.fillerReady {
		t.Fatalf("filler = %v ready=%v, want resolved on retry", d.filler, d.fillerReady)
	}
}

func TestGenerateStructuredStopsAtClosingFence(t *testing.T) {
	m := &scriptedModel{pieces: []string{"```json\n", `{"title":"cat"}`, "\n```", " trailing chatter"}}
	res, err := NewDecoder(m).Generate(context.Background(), "a long enough prompt", greedy(Params{MaxTokens: 10, Structured: true}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.StopReason != StopGrammar || res.Tokens != 3 {
		t.Fatalf("Generate() = %+v, want grammar after 3 tokens", res)
	}
	var out struct {
		Title string `json:"title"`
	}
	if err := ParseStructured(res.Text, &out); err != nil || out.Title != "cat" {
		t.Fatalf("ParseStructured() = %+v,%v, want cat,nil", out, err)
	}
}

func TestGenerateStructuredStopsWhenBareJSONBalances(t *testing.T) {
	m := &scriptedModel{pieces: []string{`{"a":`, ` "}"`, `}`, " extra"}}
	res, err := NewDecoder(m).Generate(context.Background(), "a long enough prompt", greedy(Params{MaxTokens: 10, Structured: true}))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if res.StopReason != StopGrammar || res.Text != `{"a": "}"}` {
		t.Fatalf("Generate() = %+v, want grammar with balanced object", res)
	}
}

func TestGenerateResetsAfterError(t *testing.T) {
	boom := errors.New("runtime gone")
	m := &scriptedModel{evalErr: boom}
	_, err := NewDecoder(m).Generate(context.Background(), "a long enough prompt", Params{})
	if !errors.Is(err, boom) {
		t.Fatalf("Generate() error = %v, want runtime gone", err)
	}
	if m.resets != 1 {
		t.Fatalf("resets = %d, want 1", m.resets)
	}
}

func TestGenerateRejectsEmptyPrompt(t *testing.T) {
	if _, err := NewDecoder(&scriptedModel{}).Generate(context.Background(), "", Params{}); err == nil {
		t.Fatalf("Generate(\"\") error = nil, want error")
	}
}

func TestSamplerPenalizesFillerTokens(t *testing.T) {
	s := newSampler(greedy(Params{}).WithDefaults(), map[Token]struct{}{tokFiller: {}})
	tok, ok := s.sample([]TokenLogit{{Token: tokFiller, Logit: 10}, {Token: tokPlain, Logit: 9.5}})
	if !ok || tok != tokPlain {
		t.Fatalf("sample() = %d, want %d (filler penalized)", tok, tokPlain)
	}
}

func TestSamplerRepetitionAndPresencePenalty(t *testing.T) {
	p := greedy(Params{RepeatPenalty: 1.5, PresencePenalty: 1}).WithDefaults()
	s := newSampler(p, nil)
	s.accept(7)
	tok, _ := s.sample([]TokenLogit{{Token: 7, Logit: 4}, {Token: 8, Logit: 3}})
	if tok != 8 {
		t.Fatalf("sample() = %d, want 8 after penalizing repeated 7", tok)
	}
}

func TestSamplerSeededIsDeterministic(t *testing.T) {
	cands := []TokenLogit{{Token: 1, Logit: 1}, {Token: 2, Logit: 1.1}, {Token: 3, Logit: 0.9}}
	p := Params{Temperature: 1, Seed: 42}.WithDefaults()
	a, b := newSampler(p, nil), newSampler(p, nil)
	for i := 0; i < 20; i++ {
		x, _ := a.sample(cands)
		y, _ := b.sample(cands)
		if x != y {
			t.Fatalf("step %d: %d != %d with equal seeds", i, x, y)
		}
	}
}

func TestSamplerTopKOne(t *testing.T) {
	p := Params{Temperature: 2, TopK: 1, Seed: 7}.WithDefaults()
	s := newSampler(p, nil)
	for i := 0; i < 10; i++ {
		if tok, _ := s.sample([]TokenLogit{{Token: 1, Logit: 0.1}, {Token: 2, Logit: 0.2}}); tok != 2 {
			t.Fatalf("sample() = %d, want 2 with top_k=1", tok)
		}
	}
}

func TestStopIndexPicksEarliest(t *testing.T) {
	if got := stopIndex("abc STOP def END", []string{"END", "STOP", ""}); got != 4 {
		t.Fatalf("stopIndex() = %d, want 4", got)
	}
	if got := stopIndex("abc", nil); got != -1 {
		t.Fatalf("stopIndex() = %d, want -1", got)
	}
}
