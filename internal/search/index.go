// Package search ranks short text candidates, such as user names and e-mail
// addresses, against a free-text query. It is small and deterministic:
//
//   - No logging in the library (callers decide how/what to log)
//   - Functional options for result caps and stop words
//   - Unicode-aware, case-insensitive matching
//   - Stable order for ties
//
// A candidate matches when the query occurs in one of its fields. Matches are
// tiered (exact field > field prefix > substring) and, within a tier, scored
// by Jaccard similarity between the query tokens and the candidate tokens:
// score = |Q ∩ C| / |Q ∪ C|.
package search

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

// Tier is how strongly a candidate matched.
type Tier int

const (
	TierNone Tier = iota
	TierSubstring
	TierPrefix
	TierExact
)

// Candidate is one searchable item.
type Candidate struct {
	ID     string
	Fields []string
}

// Match is a ranked candidate.
type Match struct {
	ID    string
	Tier  Tier
	Score float64
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	maxResults int
	stopwords  map[string]struct{}
}

func defaultConfig() config {
	return config{maxResults: 10}
}

// WithMaxResults caps the number of matches returned.
func WithMaxResults(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxResults = n
		}
	}
}

// WithStopwords ignores the given words when scoring.
func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

// ----------------------------------------------------------------------------
// Ranker

// Ranker is immutable after construction and safe for concurrent use.
type Ranker struct {
	cfg config
}

func NewRanker(opts ...Option) *Ranker {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Ranker{cfg: cfg}
}

// Rank returns the matching candidates, best first, capped at the configured
// maximum. An empty query matches nothing.
func (r *Ranker) Rank(query string, cands []Candidate) []Match {
	q := strings.ToLower(strings.TrimSpace(normalizeWhitespace(query)))
	if q == "" || len(cands) == 0 {
		return nil
	}
	qTokens := tokenize(q, r.cfg.stopwords)

	type scored struct {
		Match
		lenRunes int
		pos      int
	}
	buf := make([]scored, 0, min(r.cfg.maxResults*4, len(cands)))
	for pos, c := range cands {
		tier, best := TierNone, ""
		for _, f := range c.Fields {
			f = strings.ToLower(strings.TrimSpace(f))
			if t := tierOf(q, f); t > tier {
				tier, best = t, f
			}
		}
		if tier == TierNone {
			continue
		}
		buf = append(buf, scored{
			Match:    Match{ID: c.ID, Tier: tier, Score: jaccard(qTokens, tokenize(best, r.cfg.stopwords))},
			lenRunes: utf8.RuneCountInString(best),
			pos:      pos,
		})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].Tier != buf[b].Tier {
			return buf[a].Tier > buf[b].Tier
		}
		if buf[a].Score != buf[b].Score {
			return buf[a].Score > buf[b].Score
		}
		if buf[a].lenRunes != buf[b].lenRunes {
			return buf[a].lenRunes < buf[b].lenRunes
		}
		return buf[a].pos < buf[b].pos
	})

	k := min(r.cfg.maxResults, len(buf))
	out := make([]Match, k)
	for i := 0; i < k; i++ {
		out[i] = buf[i].Match
	}
	return out
}

// ----------------------------------------------------------------------------
// Helpers

func tierOf(q, field string) Tier {
	switch {
	case field == "":
		return TierNone
	case field == q:
		return TierExact
	case strings.HasPrefix(field, q):
		return TierPrefix
	case strings.Contains(field, q):
		return TierSubstring
	}
	return TierNone
}

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*|\p{N}+`)

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	s = strings.ToLower(s)
	words := wordRE.FindAllString(s, -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if stop != nil {
			if _, skip := stop[w]; skip {
				continue
			}
		}
		out[w] = struct{}{}
	}
	return out
}

func jaccard(a, b map[string]struct{}) float64 {
	over := overlap(a, b)
	union := len(a) + len(b) - over
	if over == 0 || union <= 0 {
		return 0
	}
	return float64(over) / float64(union)
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}

func normalizeWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	prevSpace := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\r' || r == '\n' {
			if !prevSpace {
				b.WriteByte(' ')
				prevSpace = true
			}
			continue
		}
		prevSpace = false
		b.WriteRune(r)
	}
	return b.String()
}
