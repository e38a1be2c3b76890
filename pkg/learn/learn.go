// Package learn is the background learning pipeline. Interactions are
// logged synchronously, queued, and digested by a single worker that
// asks the model for profile candidates. Nothing in here may ever slow
// down or fail a user-facing turn.
package learn

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dotsetgreg/hearthmind/pkg/profile"
	"github.com/dotsetgreg/hearthmind/pkg/storage"
)

// Interaction is one completed user/assistant exchange.
type Interaction struct {
	SessionID         string
	ChatID            string
	UserMessage       string
	AssistantResponse string
	ToolsUsed         []string
	EntitiesMentioned []string
}

// Candidate is one profile entry proposed by extraction.
type Candidate struct {
	Category    string
	Key         string
	Value       string
	Confidence  float64
	Sensitivity string
}

// Invoker runs a completion. *llm.Client satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ProfileWriter stores learned entries. *profile.Store satisfies it.
type ProfileWriter interface {
	Upsert(category, key, value string, confidence float64, sensitivity, source string) (*profile.Entry, error)
}

// Options tune the pipeline.
type Options struct {
	QueueSize     int
	MinConfidence float64
	// ErrorBackoff pauses the worker after a processing error. Zero
	// means 5 seconds.
	ErrorBackoff time.Duration
}

// Pipeline owns the interaction log and the single learner worker.
type Pipeline struct {
	db       *sql.DB
	invoker  Invoker
	profiles ProfileWriter
	opts     Options
	log      *zap.Logger

	queue    chan Interaction
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewPipeline(db *sql.DB, invoker Invoker, profiles ProfileWriter, opts Options, log *zap.Logger) (*Pipeline, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 5 * time.Second
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS interaction_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			chat_id TEXT NOT NULL DEFAULT '',
			user_message TEXT NOT NULL,
			assistant_response TEXT NOT NULL,
			tools_used_json TEXT NOT NULL DEFAULT '[]',
			entities_json TEXT NOT NULL DEFAULT '[]',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS interaction_created_idx ON interaction_log(created_at_ms DESC);`,
	}
	if err := storage.InitSchema(db, stmts); err != nil {
		return nil, err
	}
	return &Pipeline{
		db:       db,
		invoker:  invoker,
		profiles: profiles,
		opts:     opts,
		log:      log,
		queue:    make(chan Interaction, opts.QueueSize),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start launches the worker goroutine.
func (p *Pipeline) Start() {
	p.wg.Add(1)
	go p.workerLoop()
	p.log.Info("learning worker started")
}

// Stop shuts the worker down and waits for it. Queued interactions not
// yet processed stay in the interaction log.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	p.log.Info("learning worker stopped")
}

// Enqueue logs the interaction and hands it to the worker. The log
// write happens inline so the record survives even if the process dies
// before processing; everything after that is fire and forget. A full
// queue drops the item rather than block the caller.
func (p *Pipeline) Enqueue(it Interaction) {
	if err := p.logInteraction(it); err != nil {
		p.log.Error("failed to log interaction", zap.Error(err))
	}

	select {
	case p.queue <- it:
	default:
		p.log.Warn("learning queue full, interaction dropped",
			zap.String("session_id", it.SessionID))
	}
}

func (p *Pipeline) logInteraction(it Interaction) error {
	_, err := p.db.Exec(
		`INSERT INTO interaction_log
		 (session_id, chat_id, user_message, assistant_response, tools_used_json, entities_json, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		it.SessionID, it.ChatID, it.UserMessage, it.AssistantResponse,
		encodeList(it.ToolsUsed), encodeList(it.EntitiesMentioned), storage.NowMS(),
	)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}
	return nil
}

func (p *Pipeline) workerLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case it := <-p.queue:
			if err := p.process(it); err != nil {
				p.log.Error("learning worker error", zap.Error(err))
				select {
				case <-p.stopCh:
					return
				case <-time.After(p.opts.ErrorBackoff):
				}
			}
		}
	}
}

// process asks the model what the exchange teaches us and applies the
// valid candidates. A failed model call surfaces to the worker so it
// backs off instead of hammering a dead endpoint; a candidate the
// store rejects is just skipped.
func (p *Pipeline) process(it Interaction) error {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	response, err := p.invoker.Invoke(ctx, "", extractionPrompt(it.UserMessage, it.AssistantResponse))
	if err != nil {
		return fmt.Errorf("extract candidates: %w", err)
	}

	for _, c := range ParseExtraction(response) {
		if c.Confidence < p.opts.MinConfidence {
			continue
		}
		if _, err := p.profiles.Upsert(c.Category, c.Key, c.Value, c.Confidence, c.Sensitivity, profile.SourceInferred); err != nil {
			p.log.Debug("learned entry rejected",
				zap.String("category", c.Category), zap.String("key", c.Key), zap.Error(err))
			continue
		}
		p.log.Debug("learned",
			zap.String("category", c.Category),
			zap.String("key", c.Key),
			zap.String("value", c.Value),
			zap.Float64("confidence", c.Confidence))
	}
	return nil
}

func extractionPrompt(userMsg, assistantResp string) string {
	return fmt.Sprintf(`Analyze this interaction and extract any user preferences, habits, or facts.
Return ONLY a JSON array of objects with these fields:
- category: one of 'preference', 'habit', 'pattern', 'fact'
- key: a short descriptive key (e.g., 'preferred_temperature', 'bedtime')
- value: the value (e.g., '22', '23:00')
- confidence: how confident you are (0.0-1.0)
- sensitivity: one of 'public', 'private', 'sensitive'

If there's nothing to learn, return an empty array [].

User: %s
Assistant: %s

JSON array:`, userMsg, assistantResp)
}

// ParseExtraction pulls candidates out of a model response. Models wrap
// JSON in prose and code fences, so it takes the span from the first
// '[' to the last ']' and ignores the rest. Entries missing a field or
// carrying an unknown category are dropped silently.
func ParseExtraction(text string) []Candidate {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start == -1 || end == -1 || start >= end {
		return nil
	}

	var raw []map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil
	}

	var out []Candidate
	for _, e := range raw {
		category, ok1 := asString(e["category"])
		key, ok2 := asString(e["key"])
		value, ok3 := asString(e["value"])
		if !ok1 || !ok2 || !ok3 || !profile.ValidCategory(category) {
			continue
		}
		c := Candidate{
			Category:    category,
			Key:         key,
			Value:       value,
			Confidence:  0.5,
			Sensitivity: profile.SensitivityPrivate,
		}
		if f, ok := e["confidence"].(float64); ok {
			c.Confidence = f
		}
		if s, ok := asString(e["sensitivity"]); ok && s != "" {
			c.Sensitivity = s
		}
		out = append(out, c)
	}
	return out
}

func asString(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case float64:
		return strings.TrimSuffix(fmt.Sprintf("%v", val), ".0"), true
	default:
		return "", false
	}
}

func encodeList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	b, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(b)
}
