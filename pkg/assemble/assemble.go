// Package assemble builds the budget-controlled context handed to the
// model each turn. Every slot has a token allowance; nothing goes in
// unmeasured.
package assemble

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/dotsetgreg/hearthmind/pkg/ha"
	"github.com/dotsetgreg/hearthmind/pkg/profile"
	"github.com/dotsetgreg/hearthmind/pkg/retrieval"
	"github.com/dotsetgreg/hearthmind/pkg/session"
)

// CharsPerToken is the rough estimate used everywhere: one token per
// four characters of English text.
const CharsPerToken = 4

// TruncationMarker closes any text cut to fit a slot.
const TruncationMarker = "\n... (truncated to fit context budget)"

// Budget allocates tokens per context slot.
type Budget struct {
	SystemPrompt        int
	UserProfile         int
	EntityContext       int
	ConversationHistory int
	KnowledgeResults    int
	ToolOverhead        int
	Total               int
}

// DefaultBudget is tuned for a 6000-token context.
func DefaultBudget() Budget {
	return Budget{
		SystemPrompt:        800,
		UserProfile:         400,
		EntityContext:       800,
		ConversationHistory: 2000,
		KnowledgeResults:    800,
		ToolOverhead:        1200,
		Total:               6000,
	}
}

// FromTotal scales every slot proportionally to a new total.
func FromTotal(total int) Budget {
	if total <= 0 {
		return DefaultBudget()
	}
	ratio := float64(total) / 6000
	return Budget{
		SystemPrompt:        int(800 * ratio),
		UserProfile:         int(400 * ratio),
		EntityContext:       int(800 * ratio),
		ConversationHistory: int(2000 * ratio),
		KnowledgeResults:    int(800 * ratio),
		ToolOverhead:        int(1200 * ratio),
		Total:               total,
	}
}

// EstimateTokens converts text length to tokens, rounding up so a
// partial token still counts against the slot.
func EstimateTokens(text string) int {
	return (len(text) + CharsPerToken - 1) / CharsPerToken
}

// TruncateToBudget cuts text at the last complete line that fits and
// appends the truncation marker. Text already within budget is
// returned unchanged.
func TruncateToBudget(text string, maxTokens int) string {
	maxChars := maxTokens * CharsPerToken
	if len(text) <= maxChars {
		return text
	}
	truncated := text[:maxChars]
	if idx := strings.LastIndexByte(truncated, '\n'); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + TruncationMarker
}

// Summarizer condenses a transcript. The assembler treats a failure as
// a signal to fall back to truncation, never as a turn-fatal error.
type Summarizer func(ctx context.Context, transcript string) (string, error)

// Assembler formats each context slot within its budget.
type Assembler struct {
	budget Budget
	log    *zap.Logger
}

func New(budget Budget, log *zap.Logger) *Assembler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Assembler{budget: budget, log: log}
}

// Budget returns the assembler's allocation.
func (a *Assembler) Budget() Budget {
	return a.budget
}

type scored[T any] struct {
	score float64
	item  T
}

// ProfileContext selects the profile entries most relevant to the query
// and formats them line by line until the slot is full. Relevance is
// keyword overlap plus the entry's confidence, so with no query the
// most trusted entries win.
func (a *Assembler) ProfileContext(entries []profile.Entry, query string) string {
	if len(entries) == 0 {
		return ""
	}
	queryWords := wordSet(query)

	items := make([]scored[profile.Entry], 0, len(entries))
	for _, e := range entries {
		var score float64
		if len(queryWords) > 0 {
			entryWords := wordSet(e.Category + " " + e.Key + " " + e.Value)
			score = float64(overlap(queryWords, entryWords))
		}
		score += e.Confidence
		items = append(items, scored[profile.Entry]{score, e})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })

	var lines []string
	tokens := 0
	for _, it := range items {
		line := fmt.Sprintf("- %s/%s: %s (confidence: %.1f)", it.item.Category, it.item.Key, it.item.Value, it.item.Confidence)
		lineTokens := EstimateTokens(line)
		if tokens+lineTokens > a.budget.UserProfile {
			break
		}
		lines = append(lines, line)
		tokens += lineTokens
	}
	return strings.Join(lines, "\n")
}

// EntityContext ranks entity states against the query and formats the
// winners within the slot. Word overlap counts double, a substring hit
// on the friendly name adds 3 and on the area adds 2.
func (a *Assembler) EntityContext(entities []ha.EntityState, query string) string {
	if len(entities) == 0 {
		return ""
	}
	queryWords := wordSet(query)

	items := make([]scored[ha.EntityState], 0, len(entities))
	for _, e := range entities {
		var score float64
		name := strings.ToLower(e.FriendlyName)
		area := strings.ToLower(e.Area)
		if len(queryWords) > 0 {
			entityWords := wordSet(name + " " + area + " " + e.Domain())
			score = float64(overlap(queryWords, entityWords)) * 2
			for w := range queryWords {
				if strings.Contains(name, w) {
					score += 3
					break
				}
			}
			for w := range queryWords {
				if strings.Contains(area, w) {
					score += 2
					break
				}
			}
		}
		items = append(items, scored[ha.EntityState]{score, e})
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].score > items[j].score })

	var lines []string
	tokens := 0
	for _, it := range items {
		name := it.item.FriendlyName
		if name == "" {
			name = it.item.EntityID
		}
		line := fmt.Sprintf("- %s (%s): %s", name, it.item.EntityID, it.item.State)
		lineTokens := EstimateTokens(line)
		if tokens+lineTokens > a.budget.EntityContext {
			break
		}
		lines = append(lines, line)
		tokens += lineTokens
	}
	return strings.Join(lines, "\n")
}

// KnowledgeContext formats retrieval results in the order given, one
// "[source]: content" line each, until the slot is full. The caller
// already ranked them by distance.
func (a *Assembler) KnowledgeContext(results []retrieval.Result) string {
	if len(results) == 0 {
		return ""
	}
	var lines []string
	tokens := 0
	for _, r := range results {
		source := r.Source
		if source == "" {
			source = "unknown"
		}
		line := fmt.Sprintf("[%s]: %s", source, r.Content)
		lineTokens := EstimateTokens(line)
		if tokens+lineTokens > a.budget.KnowledgeResults {
			break
		}
		lines = append(lines, line)
		tokens += lineTokens
	}
	return strings.Join(lines, "\n")
}

// History fits the conversation into its slot. History within budget
// goes in verbatim. Otherwise the last four messages stay verbatim and
// the older part is summarized into the remaining budget, or truncated
// when no summarizer is available or it fails. When even the recent
// messages overflow the slot they are truncated at a line boundary.
func (a *Assembler) History(ctx context.Context, messages []session.Message, summarize Summarizer) string {
	if len(messages) == 0 {
		return ""
	}
	formatted := make([]string, 0, len(messages))
	for _, m := range messages {
		formatted = append(formatted, m.Role+": "+m.Content)
	}
	full := strings.Join(formatted, "\n")
	if EstimateTokens(full) <= a.budget.ConversationHistory {
		return full
	}

	recentCount := 4
	if recentCount > len(formatted) {
		recentCount = len(formatted)
	}
	recent := formatted[len(formatted)-recentCount:]
	older := formatted[:len(formatted)-recentCount]

	recentText := strings.Join(recent, "\n")
	summaryBudget := a.budget.ConversationHistory - EstimateTokens(recentText)
	if summaryBudget <= 0 {
		return TruncateToBudget(recentText, a.budget.ConversationHistory)
	}

	if len(older) > 0 && summarize != nil {
		olderText := strings.Join(older, "\n")
		summary, err := summarize(ctx, olderText)
		if err == nil && summary != "" {
			summary = TruncateToBudget(summary, summaryBudget)
			return "[Earlier conversation summary]: " + summary + "\n\n" + recentText
		}
		a.log.Warn("history summarization failed, falling back to truncation", zap.Error(err))
	}

	if len(older) > 0 {
		olderText := strings.Join(older, "\n")
		return TruncateToBudget(olderText, summaryBudget) + "\n\n" + recentText
	}
	return recentText
}

func wordSet(text string) map[string]bool {
	set := map[string]bool{}
	for _, w := range strings.Fields(strings.ToLower(text)) {
		set[w] = true
	}
	return set
}

func overlap(a, b map[string]bool) int {
	n := 0
	for w := range a {
		if b[w] {
			n++
		}
	}
	return n
}
