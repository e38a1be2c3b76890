package sanitize

import (
	"strings"
	"testing"
)

func TestSanitizeQuery_CleanPassesThrough(t *testing.T) {
	s := New(nil, 0)
	res := s.SanitizeQuery("best thermostat settings for winter")
	if res.WasModified || res.WasBlocked {
		t.Fatalf("clean query flagged: %+v", res)
	}
	if res.Query != "best thermostat settings for winter" {
		t.Fatalf("query altered: %q", res.Query)
	}
}

func TestSanitizeQuery_RemovesEntityID(t *testing.T) {
	s := New(nil, 0)
	res := s.SanitizeQuery("why is light.bedroom_lamp flickering")
	if !res.WasModified {
		t.Fatal("expected modification")
	}
	if res.WasBlocked {
		t.Fatalf("single redaction should not block: %+v", res)
	}
	if strings.Contains(res.Query, "bedroom_lamp") {
		t.Fatalf("entity id leaked: %q", res.Query)
	}
	if len(res.RemovedItems) != 1 || !strings.HasPrefix(res.RemovedItems[0], "entity ID") {
		t.Fatalf("removed items = %v", res.RemovedItems)
	}
}

func TestSanitizeQuery_BlocksAtTwoRedactions(t *testing.T) {
	s := New(nil, 0)
	res := s.SanitizeQuery("call 555-123-4567 or mail bob@example.com about the heater")
	if !res.WasBlocked {
		t.Fatalf("expected block, got %+v", res)
	}
	if res.Query != "" {
		t.Fatalf("blocked result must carry empty query, got %q", res.Query)
	}
	if res.BlockReason == "" {
		t.Fatal("block reason missing")
	}
	if len(res.RemovedItems) != 2 {
		t.Fatalf("removed items = %v", res.RemovedItems)
	}
}

func TestSanitizeQuery_ThresholdConfigurable(t *testing.T) {
	s := New(nil, 3)
	res := s.SanitizeQuery("call 555-123-4567 or mail bob@example.com about the heater")
	if res.WasBlocked {
		t.Fatalf("threshold 3 should pass two redactions: %+v", res)
	}
	if strings.Contains(res.Query, "555") || strings.Contains(res.Query, "example.com") {
		t.Fatalf("pii leaked: %q", res.Query)
	}
}

func TestSanitizeQuery_BlocksShortResidue(t *testing.T) {
	s := New(nil, 0)
	res := s.SanitizeQuery("192.168.1.50")
	if !res.WasBlocked {
		t.Fatalf("expected block, got %+v", res)
	}
	if res.BlockReason != "query too short after sanitization" {
		t.Fatalf("reason = %q", res.BlockReason)
	}
}

func TestSanitizeQuery_ScheduleDetail(t *testing.T) {
	s := New(nil, 0)
	res := s.SanitizeQuery("alarm ideas when someone wakes up at 06:30 daily")
	if !res.WasModified {
		t.Fatal("expected schedule redaction")
	}
	if strings.Contains(res.Query, "06:30") {
		t.Fatalf("schedule leaked: %q", res.Query)
	}
}

func TestSanitizeQuery_BlockedKeywordCaseInsensitive(t *testing.T) {
	s := New([]string{"Maple Street"}, 0)
	res := s.SanitizeQuery("pizza places near MAPLE street open now")
	if !res.WasModified {
		t.Fatal("expected keyword redaction")
	}
	if strings.Contains(strings.ToLower(res.Query), "maple") {
		t.Fatalf("keyword leaked: %q", res.Query)
	}
	found := false
	for _, item := range res.RemovedItems {
		if item == "blocked keyword: maple street" {
			found = true
		}
	}
	if !found {
		t.Fatalf("removed items = %v", res.RemovedItems)
	}
}

func TestSanitizeQuery_MACAndIPv6(t *testing.T) {
	s := New(nil, 0)
	for _, q := range []string{
		"device aa:bb:cc:dd:ee:ff keeps dropping wifi",
		"route 2001:0db8:85a3:0000:0000:8a2e:0370:7334 unreachable troubleshooting",
	} {
		res := s.SanitizeQuery(q)
		if !res.WasModified {
			t.Fatalf("no redaction for %q", q)
		}
	}
}

func TestSanitizeQuery_CollapsesWhitespace(t *testing.T) {
	s := New(nil, 0)
	res := s.SanitizeQuery("weather light.porch today please")
	if res.WasBlocked {
		t.Fatalf("unexpected block: %+v", res)
	}
	if strings.Contains(res.Query, "  ") {
		t.Fatalf("double space left after cleanup: %q", res.Query)
	}
}
