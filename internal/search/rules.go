package search

import "strings"

// ScoreRule adjusts a lexical candidate's score when Match reports true for
// the chunk text. Match receives the lowercased text.
type ScoreRule struct {
	Name  string
	Match func(text string) bool
	Delta float64
}

// ContainsAll matches text containing every word.
func ContainsAll(words ...string) func(string) bool {
	return func(text string) bool {
		for _, w := range words {
			if !strings.Contains(text, w) {
				return false
			}
		}
		return true
	}
}

// ContainsAny matches text containing at least one word.
func ContainsAny(words ...string) func(string) bool {
	return func(text string) bool {
		for _, w := range words {
			if strings.Contains(text, w) {
				return true
			}
		}
		return false
	}
}

// DefaultRules returns the device-guidance boosts and the boilerplate
// penalty, in application order.
func DefaultRules() []ScoreRule {
	return []ScoreRule{
		{Name: "coil_placement", Match: ContainsAll("placement", "coil"), Delta: 0.3},
		{Name: "install_above", Match: ContainsAll("install", "above"), Delta: 0.2},
		{Name: "inside_coil", Match: ContainsAll("inside", "coil"), Delta: 0.2},
		{Name: "disclaimer", Match: ContainsAny("disclaimer", "always follow"), Delta: -0.4},
	}
}

// applyRules returns score plus the delta of every matching rule, floored at
// ScoreFloor.
func applyRules(rules []ScoreRule, text string, score float64) float64 {
	if len(rules) > 0 {
		lower := strings.ToLower(text)
		for _, r := range rules {
			if r.Match != nil && r.Match(lower) {
				score += r.Delta
			}
		}
	}
	return max(score, ScoreFloor)
}
