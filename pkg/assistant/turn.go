package assistant

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/hearthmind/pkg/learn"
	"github.com/dotsetgreg/hearthmind/pkg/policy"
	"github.com/dotsetgreg/hearthmind/pkg/sanitize"
	"github.com/dotsetgreg/hearthmind/pkg/session"
)

const systemPersona = `You are Hearthmind, a careful home assistant. You answer using the
context sections below when they are relevant. You never reveal
personal details beyond what the user already knows, and you say so
when you do not know something instead of guessing.`

// BlockedSearchHint is offered to the user when a search query could
// not be made safe to send out.
const BlockedSearchHint = "Try rephrasing without personal details like addresses, schedules or contact information."

// TurnContext is everything assembled for one model call.
type TurnContext struct {
	Session   *session.Session
	Profile   string
	Entities  string
	Knowledge string
	History   string
}

// SystemPrompt renders the persona and every non-empty context
// section in a fixed order.
func (t *TurnContext) SystemPrompt() string {
	parts := []string{systemPersona}
	for _, section := range []struct{ title, body string }{
		{"User profile", t.Profile},
		{"Devices", t.Entities},
		{"Knowledge", t.Knowledge},
		{"Conversation so far", t.History},
	} {
		if section.body == "" {
			continue
		}
		parts = append(parts, "## "+section.title+"\n"+section.body)
	}
	return strings.Join(parts, "\n\n")
}

// BeginTurn resolves the session and gathers profile, device,
// knowledge and history context in parallel. Every source is best
// effort: a failed read logs and leaves its section empty rather than
// failing the turn.
func (s *Service) BeginTurn(ctx context.Context, chatID, query string) *TurnContext {
	tc := &TurnContext{Session: s.sessions.GetOrCreate(chatID)}

	var g errgroup.Group

	g.Go(func() error {
		entries, err := s.profiles.GetAll("", s.cfg.Learning.MinConfidence)
		if err != nil {
			s.log.Warn("profile read failed", zap.Error(err))
			return nil
		}
		tc.Profile = s.assembler.ProfileContext(entries, query)
		return nil
	})

	g.Go(func() error {
		if s.states == nil {
			return nil
		}
		states, err := s.states.States(ctx)
		if err != nil {
			s.log.Warn("entity state read failed", zap.Error(err))
			return nil
		}
		tc.Entities = s.assembler.EntityContext(states, query)
		return nil
	})

	g.Go(func() error {
		results, err := s.engine.Retrieve(ctx, query, s.cfg.Retrieval.TopK, "")
		if err != nil {
			s.log.Warn("knowledge retrieval failed", zap.Error(err))
			return nil
		}
		tc.Knowledge = s.assembler.KnowledgeContext(results)
		return nil
	})

	g.Go(func() error {
		messages, err := s.sessions.SessionMessages(tc.Session.ID, 0)
		if err != nil {
			s.log.Warn("history read failed", zap.Error(err))
			return nil
		}
		tc.History = s.assembler.History(ctx, messages, func(ctx context.Context, transcript string) (string, error) {
			return s.client.Summarize(ctx, "", transcript)
		})
		return nil
	})

	_ = g.Wait()
	return tc
}

// CompleteTurn persists both sides of the exchange and hands the turn
// to the learner. Transient sessions keep nothing.
func (s *Service) CompleteTurn(tc *TurnContext, userMessage, assistantResponse string) {
	if !tc.Session.Transient {
		if err := s.sessions.AddMessage(tc.Session.ID, tc.Session.ChatID, session.RoleUser, userMessage); err != nil {
			s.log.Warn("store user message failed", zap.Error(err))
		}
		if err := s.sessions.AddMessage(tc.Session.ID, tc.Session.ChatID, session.RoleAssistant, assistantResponse); err != nil {
			s.log.Warn("store assistant message failed", zap.Error(err))
		}
	}
	if s.learner != nil {
		s.learner.Enqueue(learn.Interaction{
			SessionID:         tc.Session.ID,
			ChatID:            tc.Session.ChatID,
			UserMessage:       userMessage,
			AssistantResponse: assistantResponse,
		})
	}
}

// Respond runs one full conversational turn.
func (s *Service) Respond(ctx context.Context, chatID, message string) (string, error) {
	tc := s.BeginTurn(ctx, chatID, message)
	reply, err := s.client.Invoke(ctx, tc.SystemPrompt(), message)
	if err != nil {
		return "", fmt.Errorf("model call: %w", err)
	}
	s.CompleteTurn(tc, message, reply)
	return reply, nil
}

// SearchGate sanitizes an outbound search query and records the
// attempt, blocked or not, in the audit log. Audit failures are logged
// and never stop the turn.
func (s *Service) SearchGate(sessionID, query string) sanitize.Result {
	result := s.sanitizer.SanitizeQuery(query)
	if s.cfg.Privacy.SearchAuditEnabled {
		if err := s.auditLog.Record(sessionID, query, result.Query, result.WasBlocked, result.BlockReason); err != nil {
			s.log.Warn("search audit write failed", zap.Error(err))
		}
	}
	if result.WasBlocked {
		s.log.Info("search query blocked", zap.String("reason", result.BlockReason))
	}
	return result
}

// ScreenContent passes externally sourced text through the prompt
// injection firewall before it reaches the model.
func (s *Service) ScreenContent(text string) string {
	return s.firewall.Sanitize(text)
}

// CallOutcome reports what happened to a requested service call.
type CallOutcome struct {
	Check        policy.CheckResult
	Executed     bool
	Confirmation *policy.Confirmation
}

// RequestServiceCall runs a service call through the action policy.
// Allowed calls execute immediately. Calls needing confirmation are
// suspended against the conversation until the user decides or the
// request times out. ErrConfirmationPending is returned when the
// conversation already has one open.
func (s *Service) RequestServiceCall(ctx context.Context, chatID, domain, service, entityID string, data map[string]any) (*CallOutcome, error) {
	check := s.policy.Check(domain, service, entityID)
	outcome := &CallOutcome{Check: check}

	switch check.Decision {
	case policy.DecisionBlocked:
		s.log.Info("service call blocked",
			zap.String("domain", domain), zap.String("service", service), zap.String("reason", check.Reason))
		return outcome, nil

	case policy.DecisionNeedsConfirmation:
		payload := map[string]any{
			"domain":    domain,
			"service":   service,
			"entity_id": entityID,
		}
		if len(data) > 0 {
			payload["data"] = data
		}
		conf, err := s.confirmations.Suspend(chatID, payload)
		if err != nil {
			return nil, err
		}
		outcome.Confirmation = conf
		return outcome, nil

	default:
		if err := s.executeCall(ctx, domain, service, entityID, data); err != nil {
			return nil, err
		}
		outcome.Executed = true
		return outcome, nil
	}
}

// ResolveConfirmation records the user's decision on the pending
// confirmation. An approval executes the suspended call.
func (s *Service) ResolveConfirmation(ctx context.Context, chatID string, approved bool) (*CallOutcome, error) {
	conf, err := s.confirmations.Resolve(chatID, approved)
	if err != nil {
		return nil, err
	}
	outcome := &CallOutcome{Confirmation: conf}
	if !approved {
		return outcome, nil
	}

	domain, _ := conf.Payload["domain"].(string)
	service, _ := conf.Payload["service"].(string)
	entityID, _ := conf.Payload["entity_id"].(string)
	data, _ := conf.Payload["data"].(map[string]any)
	if err := s.executeCall(ctx, domain, service, entityID, data); err != nil {
		return outcome, err
	}
	outcome.Executed = true
	return outcome, nil
}

// PendingConfirmation returns the open confirmation for a chat, or
// nil.
func (s *Service) PendingConfirmation(chatID string) (*policy.Confirmation, error) {
	return s.confirmations.Pending(chatID)
}

func (s *Service) executeCall(ctx context.Context, domain, service, entityID string, data map[string]any) error {
	if s.caller == nil {
		return fmt.Errorf("no service backend connected")
	}
	if err := s.caller.CallService(ctx, domain, service, entityID, data); err != nil {
		return fmt.Errorf("call %s.%s: %w", domain, service, err)
	}
	s.log.Info("service call executed",
		zap.String("domain", domain), zap.String("service", service), zap.String("entity", entityID))
	return nil
}
