package agentcache

import (
	"fmt"
	"sync"
	"testing"
)

func TestGet_BuildsOnceAndCaches(t *testing.T) {
	var calls int
	var mu sync.Mutex
	c := New([]RoleConfig{{Role: "sre", Model: "claude-sonnet-4"}}, func(role RoleConfig, templateID string) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "prompt for " + role.Role, nil
	})

	first, err := c.Get("sre", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first.SystemPrompt != "prompt for sre" || first.Model != "claude-sonnet-4" {
		t.Fatalf("Get = %+v", first)
	}

	second, err := c.Get("sre", "")
	if err != nil {
		t.Fatalf("Get (cached): %v", err)
	}
	if second != first {
		t.Fatalf("Get returned different value on cache hit: %+v vs %+v", second, first)
	}

	mu.Lock()
	n := calls
	mu.Unlock()
	if n != 1 {
		t.Fatalf("build called %d times, want 1", n)
	}
}

func TestGet_UnknownRole(t *testing.T) {
	c := New(nil, nil)
	if _, err := c.Get("missing", ""); err == nil {
		t.Fatal("Get(missing role): want error, got nil")
	}
}

func TestGet_DefaultsToConfiguredSystemPrompt(t *testing.T) {
	c := New([]RoleConfig{{Role: "sre", SystemPrompt: "you are an SRE"}}, nil)

	agent, err := c.Get("sre", "")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if agent.SystemPrompt != "you are an SRE" {
		t.Fatalf("SystemPrompt = %q", agent.SystemPrompt)
	}
}

func TestGet_DistinctPromptTemplatesCacheSeparately(t *testing.T) {
	c := New([]RoleConfig{{Role: "sre"}}, func(role RoleConfig, templateID string) (string, error) {
		return fmt.Sprintf("template=%s", templateID), nil
	})

	a, _ := c.Get("sre", "incident")
	b, _ := c.Get("sre", "routine")
	if a.SystemPrompt == b.SystemPrompt {
		t.Fatalf("distinct templates produced the same prompt: %q", a.SystemPrompt)
	}
}

func TestInvalidate_ForcesRebuild(t *testing.T) {
	var calls int
	c := New([]RoleConfig{{Role: "sre"}}, func(role RoleConfig, templateID string) (string, error) {
		calls++
		return fmt.Sprintf("build-%d", calls), nil
	})

	first, _ := c.Get("sre", "")
	c.Invalidate("sre")
	second, _ := c.Get("sre", "")

	if first.SystemPrompt == second.SystemPrompt {
		t.Fatalf("Invalidate did not force a rebuild: %q == %q", first.SystemPrompt, second.SystemPrompt)
	}
}

func TestInvalidateAll(t *testing.T) {
	var calls int
	c := New([]RoleConfig{{Role: "sre"}, {Role: "ops"}}, func(role RoleConfig, templateID string) (string, error) {
		calls++
		return fmt.Sprintf("build-%d", calls), nil
	})

	_, _ = c.Get("sre", "")
	_, _ = c.Get("ops", "")
	callsBefore := calls

	c.InvalidateAll()
	_, _ = c.Get("sre", "")
	_, _ = c.Get("ops", "")

	if calls != callsBefore+2 {
		t.Fatalf("calls after InvalidateAll = %d, want %d", calls, callsBefore+2)
	}
}

func TestRoles(t *testing.T) {
	c := New([]RoleConfig{{Role: "sre"}, {Role: "ops"}}, nil)
	roles := c.Roles()
	if len(roles) != 2 {
		t.Fatalf("Roles() = %v, want 2 entries", roles)
	}
}
