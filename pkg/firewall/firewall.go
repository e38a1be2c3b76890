// Package firewall filters prompt injection attempts out of external
// content (web results, retrieved chunks) before it reaches the model.
package firewall

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
)

type signature struct {
	re       *regexp.Regexp
	category string
}

var injectionSignatures = []signature{
	// Instruction override
	{regexp.MustCompile(`(?i)ignore\s+(?:all\s+)?(previous|above|all|prior)\s+instructions?`), "instruction override"},
	{regexp.MustCompile(`(?i)disregard\s+(your|all|previous|prior)`), "instruction override"},
	{regexp.MustCompile(`(?i)forget\s+(everything|all|your)\s+(previous|above|prior)?`), "instruction override"},
	// Role/persona hijacking
	{regexp.MustCompile(`(?i)you\s+are\s+now\b`), "persona hijacking"},
	{regexp.MustCompile(`(?i)new\s+(instructions?|role|persona|identity)`), "persona hijacking"},
	{regexp.MustCompile(`(?i)act\s+as\s+(?:a\s+)?(?:different|new|evil)`), "persona hijacking"},
	{regexp.MustCompile(`(?i)pretend\s+(?:to\s+be|you\s+are)`), "persona hijacking"},
	// System prompt manipulation
	{regexp.MustCompile(`(?i)system\s*prompt`), "system prompt access"},
	{regexp.MustCompile(`(?i)reveal\s+(?:your|the)\s+(?:system|instructions|prompt)`), "system prompt access"},
	{regexp.MustCompile(`(?i)show\s+(?:me\s+)?(?:your|the)\s+(?:system|instructions|prompt)`), "system prompt access"},
	// Direct action commands
	{regexp.MustCompile(`(?i)\bexecute\b.*\b(command|service|action|function)\b`), "embedded command"},
	{regexp.MustCompile(`(?i)\bcall\s+(?:service|function|api)\b`), "embedded command"},
	{regexp.MustCompile(`(?i)\brun\s+(?:command|service|script)\b`), "embedded command"},
	// Home platform attacks
	{regexp.MustCompile(`(?i)\b(?:unlock|disarm|open)\b.*\b(?:all|every|door|lock|alarm)\b`), "device action injection"},
	// JSON/tool call injection
	{regexp.MustCompile(`(?i)\{\s*"(?:tool|function|action)"`), "tool call injection"},
	{regexp.MustCompile(`(?i)\{\s*"name"\s*:\s*"(?:call_ha_service|search_web)`), "tool call injection"},
}

var highSeverity = map[string]bool{
	"instruction override":    true,
	"persona hijacking":       true,
	"system prompt access":    true,
	"device action injection": true,
}

// Firewall removes suspect paragraphs and lines from untrusted text.
type Firewall struct {
	log *zap.Logger
}

func New(log *zap.Logger) *Firewall {
	if log == nil {
		log = zap.NewNop()
	}
	return &Firewall{log: log}
}

// Sanitize drops whole paragraphs matching an injection signature, then
// re-scans the survivors line by line for inline attempts. Dropping the
// full paragraph first keeps a match from leaving its surrounding
// context behind.
func (f *Firewall) Sanitize(text string) string {
	if text == "" {
		return text
	}

	var strippedTypes []string
	seen := map[string]bool{}

	paragraphs := strings.Split(text, "\n\n")
	clean := paragraphs[:0]
	for _, p := range paragraphs {
		cat, hit := match(p)
		if hit {
			if !seen[cat] {
				seen[cat] = true
				strippedTypes = append(strippedTypes, cat)
			}
			sev := "MEDIUM"
			if highSeverity[cat] {
				sev = "HIGH"
			}
			f.log.Warn("firewall stripped paragraph",
				zap.String("category", cat),
				zap.String("severity", sev),
				zap.String("sample", head(p, 80)))
			continue
		}
		clean = append(clean, p)
	}

	if len(strippedTypes) > 0 {
		f.log.Info("firewall stripped suspicious content",
			zap.Int("paragraphs", len(paragraphs)-len(clean)),
			zap.Strings("categories", strippedTypes))
	}

	lines := strings.Split(strings.Join(clean, "\n\n"), "\n")
	cleanLines := lines[:0]
	for _, line := range lines {
		if _, hit := match(line); hit {
			f.log.Debug("firewall stripped line", zap.String("sample", head(line, 80)))
			continue
		}
		cleanLines = append(cleanLines, line)
	}
	return strings.Join(cleanLines, "\n")
}

// IsSafe reports whether text contains no injection signature at all.
func (f *Firewall) IsSafe(text string) bool {
	_, hit := match(text)
	return !hit
}

func match(text string) (string, bool) {
	for _, sig := range injectionSignatures {
		if sig.re.MatchString(text) {
			return sig.category, true
		}
	}
	return "", false
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
