// Package sanitize strips personal and household-identifying data from
// outbound search queries. It is the mandatory pre-filter before any
// text leaves the local system.
package sanitize

import (
	"fmt"
	"regexp"
	"strings"
)

// Marker replaces every redacted span before cleanup.
const Marker = "[REMOVED]"

// DefaultMaxRedactions blocks a query once this many distinct spans
// were redacted.
const DefaultMaxRedactions = 2

// Result reports what happened to a single query.
type Result struct {
	Query        string
	WasModified  bool
	WasBlocked   bool
	BlockReason  string
	RemovedItems []string
}

type rule struct {
	re    *regexp.Regexp
	label string
}

// Identifier patterns, checked in order. Entity IDs come after emails
// so "user@host.example" is labeled as an email, not an entity.
var blockedPatterns = []rule{
	{regexp.MustCompile(`(?i)\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`), "phone number"},
	{regexp.MustCompile(`(?i)\b\+\d{1,3}[-.\s]?\d{1,4}[-.\s]?\d{1,4}[-.\s]?\d{1,9}\b`), "phone number"},
	{regexp.MustCompile(`(?i)\b[\w.+-]+@[\w-]+\.[\w.]+\b`), "email address"},
	{regexp.MustCompile(`(?i)\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "IP address"},
	{regexp.MustCompile(`(?i)\b[0-9a-fA-F]{1,4}(:[0-9a-fA-F]{1,4}){7}\b`), "IPv6 address"},
	{regexp.MustCompile(`(?i)\b[a-z_]+\.[a-z][a-z0-9_]+\b`), "entity ID"},
	{regexp.MustCompile(`(?i)\b([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}\b`), "MAC address"},
	{regexp.MustCompile(`(?i)\b-?\d{1,3}\.\d{4,}\s*,\s*-?\d{1,3}\.\d{4,}\b`), "GPS coordinates"},
	{regexp.MustCompile(`(?i)\b\d+\s+[A-Z][a-zA-Z]+\s+(street|st|avenue|ave|road|rd|boulevard|blvd|lane|ln|drive|dr)\b`), "street address"},
}

// Routine and schedule phrasings. These leak presence patterns even
// without a name attached.
var schedulePatterns = []rule{
	{regexp.MustCompile(`(?i)\b(wakes?\s+(?:up\s+)?at|gets?\s+up\s+at|goes?\s+to\s+(?:bed|sleep)\s+at)\s+\d{1,2}[:.]\d{2}\b`), "schedule detail"},
	{regexp.MustCompile(`(?i)\b(every\s+(?:day|night|morning|evening)\s+at)\s+\d{1,2}[:.]\d{2}\b`), "routine detail"},
	{regexp.MustCompile(`(?i)\buser\s+(?:wakes?|sleeps?|arrives?|leaves?|works?)\b`), "user routine"},
}

var (
	markerCleanupRe = regexp.MustCompile(`\[REMOVED\]\s*`)
	spaceRe         = regexp.MustCompile(`\s+`)
)

// Sanitizer redacts identifiers and household keywords from queries.
// It holds no mutable state and is safe for concurrent use.
type Sanitizer struct {
	blockedKeywords []string
	maxRedactions   int
}

// New builds a sanitizer. blockedKeywords are user-configured terms
// (names, street fragments) matched case-insensitively. maxRedactions
// below 1 falls back to DefaultMaxRedactions.
func New(blockedKeywords []string, maxRedactions int) *Sanitizer {
	if maxRedactions < 1 {
		maxRedactions = DefaultMaxRedactions
	}
	kws := make([]string, 0, len(blockedKeywords))
	for _, kw := range blockedKeywords {
		kw = strings.TrimSpace(strings.ToLower(kw))
		if kw != "" {
			kws = append(kws, kw)
		}
	}
	return &Sanitizer{blockedKeywords: kws, maxRedactions: maxRedactions}
}

// SanitizeQuery redacts everything matching the identifier, schedule
// and keyword rules, then decides whether the residue may leave the
// system. A query is blocked when maxRedactions or more spans were
// removed, or when fewer than 3 characters remain after cleanup.
func (s *Sanitizer) SanitizeQuery(query string) Result {
	var removed []string
	modified := false

	for _, r := range blockedPatterns {
		matches := r.re.FindAllString(query, -1)
		if len(matches) > 0 {
			query = r.re.ReplaceAllString(query, Marker)
			removed = append(removed, fmt.Sprintf("%s: %s", r.label, strings.Join(matches, ", ")))
			modified = true
		}
	}

	for _, r := range schedulePatterns {
		if r.re.MatchString(query) {
			query = r.re.ReplaceAllString(query, Marker)
			removed = append(removed, r.label)
			modified = true
		}
	}

	lower := strings.ToLower(query)
	for _, kw := range s.blockedKeywords {
		if strings.Contains(lower, kw) {
			re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(kw))
			query = re.ReplaceAllString(query, Marker)
			lower = strings.ToLower(query)
			removed = append(removed, "blocked keyword: "+kw)
			modified = true
		}
	}

	if strings.Count(query, Marker) >= s.maxRedactions {
		return Result{
			WasModified:  true,
			WasBlocked:   true,
			BlockReason:  "query contained too many personal data items",
			RemovedItems: removed,
		}
	}

	query = strings.TrimSpace(markerCleanupRe.ReplaceAllString(query, ""))
	query = strings.TrimSpace(spaceRe.ReplaceAllString(query, " "))

	if len(query) < 3 {
		return Result{
			WasModified:  true,
			WasBlocked:   true,
			BlockReason:  "query too short after sanitization",
			RemovedItems: removed,
		}
	}

	return Result{
		Query:        query,
		WasModified:  modified,
		RemovedItems: removed,
	}
}
