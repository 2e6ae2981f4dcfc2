package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/sync/errgroup"

	kberrors "github.com/Aman-CERP/vitalkb/internal/errors"
	"github.com/Aman-CERP/vitalkb/internal/store"
)

// Lexical scoring constants.
const (
	// MaxQueryTerms caps the substring queries issued per search.
	MaxQueryTerms = 4

	// MinTermLength drops shorter tokens.
	MinTermLength = 3

	// ScoreFloor is the lowest score a lexical candidate can end with.
	ScoreFloor = 0.1

	documentTierBase = 0.9
	documentTierStep = 0.1
	otherTierBase    = 0.5
	otherTierStep    = 0.05
)

var stopWords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		the and for are but not you all any can had her was one our out
		has have been being were will would should could shall might must
		may does did doing what which who whom whose this that these those
		with from into onto about over under than then them they their there
		here when where why how its his him she your yours mine ours
		also just very too some such only own same each both more most other
		take get make use want need know tell please`) {
		stopWords[w] = struct{}{}
	}
}

// LexicalMatcher ranks chunks by keyword presence.
type LexicalMatcher struct {
	store LexicalStore
	rules []ScoreRule
}

// NewLexicalMatcher creates a matcher that applies rules, in order, to every
// candidate. Pass DefaultRules() for the standard boosts.
func NewLexicalMatcher(s LexicalStore, rules []ScoreRule) *LexicalMatcher {
	return &LexicalMatcher{store: s, rules: rules}
}

// normalizeQuery lowercases, strips punctuation and splits on whitespace.
func normalizeQuery(query string) []string {
	var b strings.Builder
	for _, r := range strings.ToLower(query) {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.Fields(b.String())
}

// QueryTerms returns the substring terms searched for query: normalized
// tokens minus stop words and short tokens, at most MaxQueryTerms.
func QueryTerms(query string) []string {
	var terms []string
	for _, tok := range normalizeQuery(query) {
		if len([]rune(tok)) < MinTermLength {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		terms = append(terms, tok)
		if len(terms) == MaxQueryTerms {
			break
		}
	}
	return terms
}

// Match returns up to limit scored candidates for query. Store failures are
// logged and treated as no rows; only a cancelled context is returned.
func (m *LexicalMatcher) Match(ctx context.Context, query string, limit int) ([]store.SearchResult, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	candidates, err := m.termCandidates(ctx, QueryTerms(query), limit)
	if err != nil {
		return nil, err
	}

	if len(candidates) == 0 {
		normalized := strings.Join(normalizeQuery(query), " ")
		if normalized == "" {
			return []store.SearchResult{}, nil
		}
		candidates, err = m.store.FullTextSearch(ctx, normalized, limit)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			slog.Warn("lexical_fulltext_failed", append(kberrors.LogAttrs(err), "query", normalized)...)
			return []store.SearchResult{}, nil
		}
	}

	return m.score(candidates, limit), nil
}

// termCandidates runs one substring query per term concurrently and unions
// the rows in term order, first occurrence wins.
func (m *LexicalMatcher) termCandidates(ctx context.Context, terms []string, limit int) ([]store.Chunk, error) {
	if len(terms) == 0 {
		return nil, nil
	}

	perTerm := make([][]store.Chunk, len(terms))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxQueryTerms)

	for i, term := range terms {
		g.Go(func() error {
			rows, err := m.store.SubstringSearch(gctx, term, limit)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				slog.Warn("lexical_term_failed", append(kberrors.LogAttrs(err), "term", term)...)
				return nil
			}
			perTerm[i] = rows
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var union []store.Chunk
	for _, rows := range perTerm {
		for _, c := range rows {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			union = append(union, c)
		}
	}
	return union, nil
}

// score ranks document chunks ahead of the rest, assigns positional base
// scores per tier, applies the rules, re-sorts and truncates.
func (m *LexicalMatcher) score(candidates []store.Chunk, limit int) []store.SearchResult {
	results := make([]store.SearchResult, 0, len(candidates))

	docIdx := 0
	for _, c := range candidates {
		if c.SectionType != store.SectionDocument {
			continue
		}
		base := documentTierBase - float64(docIdx)*documentTierStep
		results = append(results, chunkToResult(c, applyRules(m.rules, c.Text, base)))
		docIdx++
	}

	otherIdx := 0
	for _, c := range candidates {
		if c.SectionType == store.SectionDocument {
			continue
		}
		base := otherTierBase - float64(otherIdx)*otherTierStep
		results = append(results, chunkToResult(c, applyRules(m.rules, c.Text, base)))
		otherIdx++
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Similarity > results[j].Similarity
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results
}
