package decode

import (
	"math"
	"math/rand"
	"sort"
)

// sampler turns candidate logits into one token. It keeps per-session
// penalty state and is discarded with the session.
type sampler struct {
	p      Params
	rng    *rand.Rand
	filler map[Token]struct{}

	counts map[Token]int
	recent []Token
}

func newSampler(p Params, filler map[Token]struct{}) *sampler {
	seed := p.Seed
	if seed == 0 {
		seed = rand.Int63()
	}
	return &sampler{
		p:      p,
		rng:    rand.New(rand.NewSource(seed)),
		filler: filler,
		counts: make(map[Token]int),
	}
}

// accept records tok as emitted.
func (s *sampler) accept(tok Token) {
	s.counts[tok]++
	s.recent = append(s.recent, tok)
	if n := s.p.RepeatLastN; n > 0 && len(s.recent) > n {
		s.recent = s.recent[len(s.recent)-n:]
	}
}

func (s *sampler) sample(cands []TokenLogit) (Token, bool) {
	if len(cands) == 0 {
		return 0, false
	}
	work := make([]TokenLogit, len(cands))
	copy(work, cands)
	s.penalize(work)

	sort.SliceStable(work, func(i, j int) bool { return work[i].Logit > work[j].Logit })
	if s.p.Temperature <= 0 {
		return work[0].Token, true
	}

	if k := s.p.TopK; k > 0 && k < len(work) {
		work = work[:k]
	}
	probs := softmax(work, s.p.Temperature)
	if tp := s.p.TopP; tp > 0 && tp < 1 {
		cum := 0.0
		for i, pr := range probs {
			cum += pr
			if cum >= tp {
				work = work[:i+1]
				probs = probs[:i+1]
				break
			}
		}
	}

	total := 0.0
	for _, pr := range probs {
		total += pr
	}
	r := s.rng.Float64() * total
	for i, pr := range probs {
		r -= pr
		if r <= 0 {
			return work[i].Token, true
		}
	}
	return work[len(work)-1].Token, true
}

func (s *sampler) penalize(work []TokenLogit) {
	inWindow := make(map[Token]struct{}, len(s.recent))
	for _, t := range s.recent {
		inWindow[t] = struct{}{}
	}
	for i := range work {
		tok := work[i].Token
		if _, ok := inWindow[tok]; ok {
			work[i].Logit = scaleDown(work[i].Logit, s.p.RepeatPenalty)
		}
		if _, ok := s.filler[tok]; ok {
			work[i].Logit = scaleDown(work[i].Logit, s.p.FillerPenalty)
		}
		if c := s.counts[tok]; c > 0 {
			work[i].Logit -= float64(c)*s.p.FrequencyPenalty + s.p.PresencePenalty
		}
	}
}

// scaleDown pushes a logit away from selection regardless of its sign.
func scaleDown(logit, penalty float64) float64 {
	if penalty <= 1 {
		return logit
	}
	if logit > 0 {
		return logit / penalty
	}
	return logit * penalty
}

func softmax(work []TokenLogit, temperature float64) []float64 {
	out := make([]float64, len(work))
	max := math.Inf(-1)
	for _, c := range work {
		if v := c.Logit / temperature; v > max {
			max = v
		}
	}
	sum := 0.0
	for i, c := range work {
		out[i] = math.Exp(c.Logit/temperature - max)
		sum += out[i]
	}
	if sum > 0 {
		for i := range out {
			out[i] /= sum
		}
	}
	return out
}
