// Package index rebuilds the retrieval store from live sources. Each
// source type is cleared and re-inserted as a unit so a reindex never
// mixes stale and fresh documents.
package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/hearthmind/pkg/ha"
	"github.com/dotsetgreg/hearthmind/pkg/profile"
	"github.com/dotsetgreg/hearthmind/pkg/retrieval"
)

// embedParallelism bounds concurrent embedding calls during a reindex.
const embedParallelism = 4

// ProfileReader supplies profile entries. *profile.Store satisfies it.
type ProfileReader interface {
	GetAll(category string, minConfidence float64, sensitivities ...string) ([]profile.Entry, error)
}

// Reindexer feeds the retrieval engine from the entity registry and
// the profile store.
type Reindexer struct {
	engine   *retrieval.Engine
	states   ha.StateProvider
	profiles ProfileReader
	log      *zap.Logger
}

func NewReindexer(engine *retrieval.Engine, states ha.StateProvider, profiles ProfileReader, log *zap.Logger) *Reindexer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reindexer{engine: engine, states: states, profiles: profiles, log: log}
}

// FullReindex rebuilds every source type and returns how many
// documents landed per source type. Individual documents that fail to
// embed are skipped, not fatal.
func (r *Reindexer) FullReindex(ctx context.Context) (map[string]int, error) {
	r.log.Info("starting full reindex")
	start := time.Now()

	states, err := r.states.States(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch entity states: %w", err)
	}

	// Counts are keyed by source type so callers can feed a key
	// straight back into Clear or Count.
	counts := map[string]int{}
	counts["entity"], err = r.indexEntities(ctx, states)
	if err != nil {
		return counts, err
	}
	counts["automation"], err = r.indexAutomations(ctx, states)
	if err != nil {
		return counts, err
	}
	counts["scene"], err = r.indexScenes(ctx, states)
	if err != nil {
		return counts, err
	}
	counts["history"], err = r.indexHistory(ctx, states)
	if err != nil {
		return counts, err
	}
	counts["profile"], err = r.indexProfile(ctx)
	if err != nil {
		return counts, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	r.log.Info("reindex complete",
		zap.Int("total", total),
		zap.Any("counts", counts),
		zap.Duration("elapsed", time.Since(start)))
	return counts, nil
}

type doc struct {
	content    string
	source     string
	sourceType string
	metadata   map[string]any
}

// insertAll clears the source type then embeds and inserts the docs
// with bounded parallelism. Returns how many actually landed.
func (r *Reindexer) insertAll(ctx context.Context, sourceType string, docs []doc) (int, error) {
	if _, err := r.engine.Clear(sourceType); err != nil {
		return 0, fmt.Errorf("clear %s: %w", sourceType, err)
	}

	var g errgroup.Group
	g.SetLimit(embedParallelism)
	inserted := make(chan struct{}, len(docs))
	for _, d := range docs {
		d := d
		g.Go(func() error {
			id, err := r.engine.Insert(ctx, d.content, d.source, d.sourceType, d.metadata)
			if err != nil {
				return err
			}
			if id != 0 {
				inserted <- struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("index %s: %w", sourceType, err)
	}
	close(inserted)
	return len(inserted), nil
}

func (r *Reindexer) indexEntities(ctx context.Context, states []ha.EntityState) (int, error) {
	docs := make([]doc, 0, len(states))
	for _, s := range states {
		name := s.FriendlyName
		if name == "" {
			name = s.EntityID
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Entity: %s (%s)\n", name, s.EntityID)
		fmt.Fprintf(&b, "Domain: %s\n", s.Domain())
		fmt.Fprintf(&b, "Current state: %s\n", s.State)
		if s.Area != "" {
			fmt.Fprintf(&b, "Area: %s\n", s.Area)
		}
		relevant := map[string]any{}
		for _, key := range []string{"device_class", "unit_of_measurement", "supported_features"} {
			if v, ok := s.Attributes[key]; ok {
				relevant[key] = v
			}
		}
		if len(relevant) > 0 {
			attrs, _ := json.Marshal(relevant)
			fmt.Fprintf(&b, "Attributes: %s\n", attrs)
		}
		docs = append(docs, doc{
			content:    b.String(),
			source:     s.EntityID,
			sourceType: "entity",
			metadata:   map[string]any{"domain": s.Domain(), "area": s.Area, "friendly_name": name},
		})
	}
	return r.insertAll(ctx, "entity", docs)
}

func (r *Reindexer) indexAutomations(ctx context.Context, states []ha.EntityState) (int, error) {
	var docs []doc
	for _, s := range states {
		if s.Domain() != "automation" {
			continue
		}
		name := s.FriendlyName
		if name == "" {
			name = s.EntityID
		}
		lastTriggered := "never"
		if v, ok := s.Attributes["last_triggered"].(string); ok && v != "" {
			lastTriggered = v
		}
		content := fmt.Sprintf("Automation: %s\nEntity ID: %s\nState: %s\nLast triggered: %s\n",
			name, s.EntityID, s.State, lastTriggered)
		docs = append(docs, doc{
			content:    content,
			source:     s.EntityID,
			sourceType: "automation",
			metadata:   map[string]any{"friendly_name": name},
		})
	}
	return r.insertAll(ctx, "automation", docs)
}

func (r *Reindexer) indexScenes(ctx context.Context, states []ha.EntityState) (int, error) {
	var docs []doc
	for _, s := range states {
		if s.Domain() != "scene" {
			continue
		}
		name := s.FriendlyName
		if name == "" {
			name = s.EntityID
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Scene: %s\nEntity ID: %s\n", name, s.EntityID)
		if ids := attributeList(s.Attributes["entity_id"]); len(ids) > 0 {
			fmt.Fprintf(&b, "Controlled entities: %s\n", strings.Join(ids, ", "))
		}
		docs = append(docs, doc{
			content:    b.String(),
			source:     s.EntityID,
			sourceType: "scene",
			metadata:   map[string]any{"friendly_name": name},
		})
	}
	return r.insertAll(ctx, "scene", docs)
}

var historyDomains = map[string]bool{
	"light": true, "switch": true, "climate": true,
	"cover": true, "lock": true, "media_player": true,
}

func (r *Reindexer) indexHistory(ctx context.Context, states []ha.EntityState) (int, error) {
	var docs []doc
	for _, s := range states {
		if !historyDomains[s.Domain()] {
			continue
		}
		name := s.FriendlyName
		if name == "" {
			name = s.EntityID
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Recent state of %s (%s):\nCurrent: %s\n", name, s.EntityID, s.State)
		if s.LastChangedMS > 0 {
			fmt.Fprintf(&b, "Last changed: %s\n", time.UnixMilli(s.LastChangedMS).UTC().Format(time.RFC3339))
		}
		docs = append(docs, doc{
			content:    b.String(),
			source:     s.EntityID,
			sourceType: "history",
			metadata:   map[string]any{"domain": s.Domain(), "friendly_name": name},
		})
	}
	return r.insertAll(ctx, "history", docs)
}

func (r *Reindexer) indexProfile(ctx context.Context) (int, error) {
	entries, err := r.profiles.GetAll("", 0)
	if err != nil {
		return 0, fmt.Errorf("load profile entries: %w", err)
	}
	docs := make([]doc, 0, len(entries))
	for _, e := range entries {
		content := fmt.Sprintf("User preference - %s/%s: %s\nSource: %s\nConfidence: %g\n",
			e.Category, e.Key, e.Value, e.Source, e.Confidence)
		docs = append(docs, doc{
			content:    content,
			source:     fmt.Sprintf("profile_%s_%s", e.Category, e.Key),
			sourceType: "profile",
			metadata:   map[string]any{"category": e.Category, "key": e.Key, "sensitivity": e.Sensitivity},
		})
	}
	return r.insertAll(ctx, "profile", docs)
}

func attributeList(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	default:
		return nil
	}
}
