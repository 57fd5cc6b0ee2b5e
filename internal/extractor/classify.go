package extractor

import (
	"regexp"
	"strings"

	"github.com/rcliao/support-memory/internal/model"
)

// MaxTags bounds the tag set of a draft.
const MaxTags = 20

var machinePattern = regexp.MustCompile(`\b([A-Z]{1,3}\d{3,4})\b`)

// categoryKeywords maps a tag to the words that indicate it.
var categoryKeywords = []struct {
	tag      string
	keywords []string
}{
	{"jam", []string{"jam", "jammed", "blocked", "clog"}},
	{"sensor", []string{"sensor", "detection", "photocell", "proximity"}},
	{"motor", []string{"motor", "drive", "inverter", "vfd"}},
	{"communication", []string{"communication", "network", "connection", "timeout", "plc offline"}},
	{"temperature", []string{"temperature", "overheat", "overheating", "thermal"}},
	{"hydraulic", []string{"hydraulic", "pressure", "pneumatic", "pump"}},
	{"electrical", []string{"electrical", "short circuit", "fuse", "breaker", "relay"}},
	{"calibration", []string{"calibration", "calibrate", "setup", "alignment"}},
	{"maintenance", []string{"maintenance", "lubrication", "cleaning", "worn"}},
}

// severityKeywords is checked from most to least severe; the first hit wins.
var severityKeywords = []struct {
	severity model.Severity
	keywords []string
}{
	{model.SeverityCritical, []string{"urgent", "critical", "stopped", "line down", "emergency", "fire"}},
	{model.SeverityHigh, []string{"important", "severe", "error", "failure", "shutdown"}},
	{model.SeverityMedium, []string{"warning", "problem", "issue"}},
	{model.SeverityLow, []string{"info", "minor", "cosmetic"}},
}

// InferTags returns category and machine identifier tags found in text.
func InferTags(text string) []string {
	lower := strings.ToLower(text)
	var tags []string
	for _, c := range categoryKeywords {
		for _, k := range c.keywords {
			if containsWord(lower, k) {
				tags = append(tags, c.tag)
				break
			}
		}
	}
	for _, m := range machinePattern.FindAllStringSubmatch(text, -1) {
		tags = append(tags, m[1])
	}
	return model.NormalizeTags(tags)
}

// Resolver returns the most active author in the second half of a thread,
// where the fix is usually posted. Ties go to whoever spoke first in that half.
func Resolver(msgs []model.Message) string {
	counts := map[string]int{}
	best, bestN := "", 0
	for _, m := range msgs[len(msgs)/2:] {
		if m.Author == "" {
			continue
		}
		counts[m.Author]++
		if n := counts[m.Author]; n > bestN {
			best, bestN = m.Author, n
		}
	}
	return best
}

// InferSeverity guesses a severity from keywords, defaulting to medium.
func InferSeverity(text string) model.Severity {
	lower := strings.ToLower(text)
	for _, s := range severityKeywords {
		for _, k := range s.keywords {
			if containsWord(lower, k) {
				return s.severity
			}
		}
	}
	return model.SeverityMedium
}

// MergeTags combines tag lists, normalizes them and applies MaxTags.
func MergeTags(lists ...[]string) []string {
	var all []string
	for _, l := range lists {
		all = append(all, l...)
	}
	tags := model.NormalizeTags(all)
	if len(tags) > MaxTags {
		tags = tags[:MaxTags]
	}
	return tags
}

// containsWord reports whether k occurs in s at word boundaries.
func containsWord(s, k string) bool {
	for i := 0; ; {
		j := strings.Index(s[i:], k)
		if j < 0 {
			return false
		}
		start := i + j
		end := start + len(k)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		i = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
