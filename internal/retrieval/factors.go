package retrieval

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Factor weights. The six factors are each normalized to [0,1] before
// weighting; the weighted sum is capped at 1.0.
const (
	weightSemantic  = 0.40
	weightRecency   = 0.20
	weightFrequency = 0.15
	weightTags      = 0.15
	weightProject   = 0.05
	weightPath      = 0.05

	verbatimBoost    = 0.3
	recencyHalfLife  = 30.0 // days
	frequencyCeiling = 100.0
)

// factorScores holds the per-factor normalized values for reason reporting.
type factorScores struct {
	semantic  float64
	recency   float64
	frequency float64
	tags      float64
	project   float64
	path      float64
}

func (f factorScores) total() float64 {
	sum := f.semantic*weightSemantic +
		f.recency*weightRecency +
		f.frequency*weightFrequency +
		f.tags*weightTags +
		f.project*weightProject +
		f.path*weightPath
	if sum > 1.0 {
		sum = 1.0
	}
	return sum
}

// reason builds the human-readable explanation from the dominant factors.
func (f factorScores) reason() string {
	type contribution struct {
		label string
		value float64
	}
	contributions := []contribution{
		{"content match", f.semantic * weightSemantic},
		{"recent access", f.recency * weightRecency},
		{"frequent access", f.frequency * weightFrequency},
		{"tag overlap", f.tags * weightTags},
		{"same project", f.project * weightProject},
		{"nearby file path", f.path * weightPath},
	}
	sort.SliceStable(contributions, func(i, j int) bool {
		return contributions[i].value > contributions[j].value
	})

	var parts []string
	for _, c := range contributions {
		if c.value <= 0 || len(parts) == 3 {
			break
		}
		parts = append(parts, c.label)
	}
	if len(parts) == 0 {
		return "weak overall match"
	}
	return fmt.Sprintf("ranked by %s", strings.Join(parts, ", "))
}

// semanticFactor measures lexical overlap between the query terms and the
// memory content after stop-word removal, with a flat boost when the raw
// query string appears verbatim (case-insensitive) in the content.
func semanticFactor(query string, content string) float64 {
	queryTerms := tokenize(query)
	if len(queryTerms) == 0 {
		return 0
	}
	contentTerms := tokenizeSet(content)

	overlap := 0
	for _, term := range queryTerms {
		if contentTerms[term] {
			overlap++
		}
	}
	score := float64(overlap) / float64(len(queryTerms))
	if strings.Contains(strings.ToLower(content), strings.ToLower(query)) {
		score += verbatimBoost
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// recencyFactor decays exponentially with days since last access. A memory
// never accessed falls back to its creation time.
func recencyFactor(lastAccessed, createdAt time.Time, now time.Time) float64 {
	ref := lastAccessed
	if ref.IsZero() {
		ref = createdAt
	}
	if ref.IsZero() || ref.After(now) {
		return 1.0
	}
	days := now.Sub(ref).Hours() / 24
	return math.Exp(-days / recencyHalfLife)
}

// frequencyFactor saturates at 100 accesses: min(1, log(n+1)/log(100)).
func frequencyFactor(accessCount int) float64 {
	if accessCount <= 0 {
		return 0
	}
	score := math.Log(float64(accessCount)+1) / math.Log(frequencyCeiling)
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// tagFactor is the fraction of query tags that substring-match any memory
// tag, case-insensitive.
func tagFactor(queryTags, memoryTags []string) float64 {
	if len(queryTags) == 0 || len(memoryTags) == 0 {
		return 0
	}
	matched := 0
	for _, qt := range queryTags {
		q := strings.ToLower(qt)
		for _, mt := range memoryTags {
			if strings.Contains(strings.ToLower(mt), q) || strings.Contains(q, strings.ToLower(mt)) {
				matched++
				break
			}
		}
	}
	return float64(matched) / float64(len(queryTags))
}

// projectFactor is 1 when both projects are set and equal.
func projectFactor(queryProject, memoryProject string) float64 {
	if queryProject == "" || memoryProject == "" {
		return 0
	}
	if queryProject == memoryProject {
		return 1
	}
	return 0
}

// pathFactor is the fraction of leading path segments shared between the
// memory's file path and the query's current file, stopping at the first
// mismatch.
func pathFactor(queryPath, memoryPath string) float64 {
	if queryPath == "" || memoryPath == "" {
		return 0
	}
	qSegs := splitPath(queryPath)
	mSegs := splitPath(memoryPath)
	if len(qSegs) == 0 || len(mSegs) == 0 {
		return 0
	}
	shared := 0
	for shared < len(qSegs) && shared < len(mSegs) && qSegs[shared] == mSegs[shared] {
		shared++
	}
	denom := len(qSegs)
	if len(mSegs) > denom {
		denom = len(mSegs)
	}
	return float64(shared) / float64(denom)
}

func splitPath(p string) []string {
	p = strings.ReplaceAll(p, "\\", "/")
	var segs []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// tokenize returns the unique non-stopword terms of text in first-seen order.
func tokenize(text string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		w = strings.Trim(w, ".,;:!?\"'()[]{}|")
		if len(w) < 3 || stopWords[w] || seen[w] {
			continue
		}
		seen[w] = true
		terms = append(terms, w)
	}
	return terms
}

func tokenizeSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range tokenize(text) {
		set[t] = true
	}
	return set
}

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true,
	"not": true, "you": true, "all": true, "can": true, "had": true,
	"her": true, "was": true, "one": true, "our": true, "out": true,
	"has": true, "have": true, "this": true, "that": true, "with": true,
	"from": true, "they": true, "been": true, "said": true, "each": true,
	"which": true, "their": true, "will": true, "other": true, "about": true,
	"many": true, "then": true, "them": true, "these": true, "some": true,
	"would": true, "make": true, "like": true, "into": true, "time": true,
}
