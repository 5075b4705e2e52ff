package search

import (
	"reflect"
	"testing"
)

func ids(ms []Match) []string {
	out := make([]string, len(ms))
	for i, m := range ms {
		out[i] = m.ID
	}
	return out
}

// ---------- Options + defaultConfig ----------
func TestOptionsAndDefaults(t *testing.T) {
	def := defaultConfig()
	if def.maxResults != 10 || def.stopwords != nil {
		t.Fatalf("defaultConfig unexpected: %#v", def)
	}

	cfg := def
	WithMaxResults(3)(&cfg)
	if cfg.maxResults != 3 {
		t.Fatalf("WithMaxResults failed: %d", cfg.maxResults)
	}
	WithMaxResults(0)(&cfg) // no-op
	if cfg.maxResults != 3 {
		t.Fatalf("non-positive maxResults should be ignored")
	}

	WithStopwords([]string{"  The ", "", "An"})(&cfg)
	if _, ok := cfg.stopwords["the"]; !ok {
		t.Fatalf("WithStopwords failed (missing 'the'): %#v", cfg.stopwords)
	}
	cfg2 := def
	WithStopwords(nil)(&cfg2)
	if cfg2.stopwords != nil {
		t.Fatalf("empty stopwords should remain nil")
	}
}

// ---------- Rank ----------
func TestRank_TiersBeforeScore(t *testing.T) {
	cands := []Candidate{
		{ID: "sub", Fields: []string{"the annie fan", "x@y.io"}},
		{ID: "prefix", Fields: []string{"Anna Smith", ""}},
		{ID: "exact-email", Fields: []string{"Someone", "ann"}},
		{ID: "none", Fields: []string{"bob", "bob@example.com"}},
		{ID: "exact", Fields: []string{"ANN", "ann@example.com"}},
	}
	got := NewRanker().Rank("  Ann ", cands)
	want := []string{"exact-email", "exact", "prefix", "sub"}
	if !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("order = %v, want %v", ids(got), want)
	}
	if got[0].Tier != TierExact || got[2].Tier != TierPrefix || got[3].Tier != TierSubstring {
		t.Fatalf("tiers = %+v", got)
	}
}

func TestRank_ScoreAndLengthBreakTies(t *testing.T) {
	cands := []Candidate{
		{ID: "long", Fields: []string{"xx ann lee extra words"}},
		{ID: "short", Fields: []string{"xx ann lee"}},
		{ID: "shortest", Fields: []string{"xann lee"}},
	}
	got := NewRanker().Rank("ann lee", cands)
	// "short" shares both tokens with fewer extras than "long"; "shortest"
	// only shares "lee".
	want := []string{"short", "long", "shortest"}
	if !reflect.DeepEqual(ids(got), want) {
		t.Fatalf("order = %v, want %v", ids(got), want)
	}
}

func TestRank_StableForIdenticalCandidates(t *testing.T) {
	cands := []Candidate{
		{ID: "a", Fields: []string{"sam"}},
		{ID: "b", Fields: []string{"sam"}},
		{ID: "c", Fields: []string{"sam"}},
	}
	got := NewRanker().Rank("sam", cands)
	if !reflect.DeepEqual(ids(got), []string{"a", "b", "c"}) {
		t.Fatalf("order = %v", ids(got))
	}
}

func TestRank_CapAndEmpty(t *testing.T) {
	var cands []Candidate
	for _, id := range []string{"1", "2", "3", "4"} {
		cands = append(cands, Candidate{ID: id, Fields: []string{"user" + id}})
	}
	if got := NewRanker(WithMaxResults(2)).Rank("user", cands); len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got := NewRanker().Rank("   ", cands); got != nil {
		t.Fatalf("blank query should match nothing: %v", got)
	}
	if got := NewRanker().Rank("zzz", cands); got != nil {
		t.Fatalf("no match should be nil: %v", got)
	}
}

// ---------- helpers ----------
func TestTokenizeAndOverlap(t *testing.T) {
	toks := tokenize("Ann-Marie 42 ann", map[string]struct{}{"marie": {}})
	if _, ok := toks["ann"]; !ok || len(toks) != 2 {
		t.Fatalf("tokens = %v", toks)
	}
	if _, ok := toks["42"]; !ok {
		t.Fatalf("numbers should be tokens: %v", toks)
	}
	if overlap(nil, toks) != 0 || jaccard(nil, toks) != 0 {
		t.Fatal("empty sets should not overlap")
	}
	if normalizeWhitespace("a \t\n b") != "a b" {
		t.Fatalf("normalizeWhitespace = %q", normalizeWhitespace("a \t\n b"))
	}
}
