package model

import (
	"strings"
	"time"
)

// Severity is the ordered incident severity enumeration.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Severities lists every level from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// Rank returns 0 for critical through 4 for info, or -1 for an unknown level.
func (s Severity) Rank() int {
	for i, v := range Severities {
		if v == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the five levels.
func (s Severity) Valid() bool { return s.Rank() >= 0 }

// ParseSeverity normalizes a free-form severity string.
func ParseSeverity(s string) (Severity, bool) {
	v := Severity(strings.ToLower(strings.TrimSpace(s)))
	return v, v.Valid()
}

// SolutionRecord is a persisted, searchable distillation of a resolved incident.
type SolutionRecord struct {
	ID              string    `json:"id"`
	SourceThreadID  string    `json:"source_thread_id,omitempty"`
	ProblemSummary  string    `json:"problem_summary"`
	SolutionSummary string    `json:"solution_summary"`
	RootCause       string    `json:"root_cause,omitempty"`
	Tags            []string  `json:"tags,omitempty"`
	Severity        Severity  `json:"severity"`
	CreatedAt       time.Time `json:"created_at"`
	Embedding       []float32 `json:"-"`
	RawExcerpt      string    `json:"raw_excerpt,omitempty"`
	MergedExcerpts  []string  `json:"merged_excerpts,omitempty"`
	Resolver        string    `json:"resolver,omitempty"`
	UsageCount      int       `json:"usage_count"`
	SuccessCount    int       `json:"success_count"`
	FailureCount    int       `json:"failure_count"`
	Version         int       `json:"version"`
	Supersedes      string    `json:"supersedes,omitempty"`
	SupersededBy    string    `json:"superseded_by,omitempty"`
}

// Active reports whether the record is the current revision.
func (r *SolutionRecord) Active() bool { return r.SupersededBy == "" }

// Helpfulness is the smoothed balance of helpful over unhelpful feedback, in (-1, 1).
// A record without feedback scores 0.
func (r *SolutionRecord) Helpfulness() float64 {
	return float64(r.SuccessCount-r.FailureCount) / float64(r.SuccessCount+r.FailureCount+2)
}

// EmbeddingText is the only text an embedding may be derived from.
func EmbeddingText(problem, solution string) string {
	return strings.TrimSpace(problem) + "\n" + strings.TrimSpace(solution)
}

// SolutionDraft is a validated problem/resolution pair ready for the memory store.
type SolutionDraft struct {
	ProblemSummary  string   `json:"problem_summary"`
	SolutionSummary string   `json:"solution_summary"`
	RootCause       string   `json:"root_cause,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	Severity        Severity `json:"severity"`
	RawExcerpt      string   `json:"raw_excerpt,omitempty"`
	Resolver        string   `json:"resolver,omitempty"`
}

// Summary is what the summarization capability returns before validation.
type Summary struct {
	Problem   string   `json:"problem"`
	Solution  string   `json:"solution"`
	RootCause string   `json:"root_cause,omitempty"`
	Resolved  bool     `json:"resolved"`
	Tags      []string `json:"tags,omitempty"`
	Severity  string   `json:"severity,omitempty"`
}

// CandidateMatch is an ephemeral ranked search hit.
type CandidateMatch struct {
	Record     SolutionRecord `json:"record"`
	Similarity float64        `json:"similarity"`
	Score      float64        `json:"score"`
	Rank       int            `json:"rank"`
}

// NormalizeTags lowercases, trims and deduplicates tags, preserving first-seen order.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	var out []string
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// TagsOverlap reports whether two tag sets share a tag. Two empty sets overlap.
func TagsOverlap(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	for _, t := range b {
		if set[t] {
			return true
		}
	}
	return false
}
