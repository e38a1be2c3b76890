// Package policy gates every device service call and runs the
// confirmation flow for the calls that need a human in the loop.
package policy

import (
	"fmt"

	"go.uber.org/zap"
)

// Decision is the outcome of a policy check.
type Decision string

const (
	DecisionAllowed           Decision = "allowed"
	DecisionNeedsConfirmation Decision = "needs_confirmation"
	DecisionBlocked           Decision = "blocked"
)

// CheckResult carries the decision and the call it applies to.
type CheckResult struct {
	Decision Decision
	Domain   string
	Service  string
	EntityID string
	Reason   string
}

// Engine is the configurable action policy. Three tiers: allowed
// domains are callable directly, restricted domains and listed
// services need confirmation, blocked domains are never callable.
type Engine struct {
	allowedDomains  []string
	restricted      map[string]bool
	blocked         map[string]bool
	confirmServices map[string]bool
	log             *zap.Logger
}

// NewEngine builds an engine. allowedDomains containing "*" permits
// every domain not otherwise restricted or blocked.
func NewEngine(allowedDomains, restrictedDomains, blockedDomains, confirmServices []string, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		allowedDomains:  allowedDomains,
		restricted:      toSet(restrictedDomains),
		blocked:         toSet(blockedDomains),
		confirmServices: toSet(confirmServices),
		log:             log,
	}
}

// Check decides whether domain.service may run. Order matters: blocked
// beats confirmation beats restricted beats allowed, and anything not
// explicitly allowed is blocked.
func (e *Engine) Check(domain, service, entityID string) CheckResult {
	fullService := domain + "." + service

	if e.blocked[domain] {
		e.log.Warn("action blocked by policy",
			zap.String("service", fullService),
			zap.String("entity_id", entityID))
		return CheckResult{
			Decision: DecisionBlocked,
			Domain:   domain,
			Service:  service,
			EntityID: entityID,
			Reason:   fmt.Sprintf("domain %q is blocked by policy", domain),
		}
	}

	if e.confirmServices[fullService] {
		e.log.Info("action needs confirmation",
			zap.String("service", fullService),
			zap.String("entity_id", entityID))
		return CheckResult{
			Decision: DecisionNeedsConfirmation,
			Domain:   domain,
			Service:  service,
			EntityID: entityID,
			Reason:   fmt.Sprintf("service %q requires user confirmation", fullService),
		}
	}

	if e.restricted[domain] {
		e.log.Info("action needs confirmation",
			zap.String("service", fullService),
			zap.String("entity_id", entityID),
			zap.String("restricted_domain", domain))
		return CheckResult{
			Decision: DecisionNeedsConfirmation,
			Domain:   domain,
			Service:  service,
			EntityID: entityID,
			Reason:   fmt.Sprintf("domain %q is restricted and requires confirmation", domain),
		}
	}

	for _, d := range e.allowedDomains {
		if d == "*" || d == domain {
			return CheckResult{
				Decision: DecisionAllowed,
				Domain:   domain,
				Service:  service,
				EntityID: entityID,
			}
		}
	}

	e.log.Warn("action blocked, domain not allowed",
		zap.String("service", fullService),
		zap.String("entity_id", entityID))
	return CheckResult{
		Decision: DecisionBlocked,
		Domain:   domain,
		Service:  service,
		EntityID: entityID,
		Reason:   fmt.Sprintf("domain %q is not in the allowed domains list", domain),
	}
}

func toSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		set[it] = true
	}
	return set
}
