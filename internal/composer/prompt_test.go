package composer

import (
	"strings"
	"testing"

	"github.com/kalambet/chatbridge/internal/retrieval"
)

var acme = Persona{
	BotName:     "Helper",
	CompanyName: "Acme",
	Domain:      "IT-Helpdesk",
	Industry:    "Software",
	Behavior:    "patient and precise",
}

func TestBuild_AllSectionsPresent(t *testing.T) {
	for _, contexts := range [][]string{nil, {"Reset your password via the portal"}} {
		out := Build(acme, contexts)
		for _, want := range []string{
			"**Company Identity**",
			"**Core Behavior Guidelines**",
			"**Interaction Protocol**",
			"**Domain-Specific Adaptation**",
			"**Boundary Clause**",
			"Relevant Context:",
			"I specialize in IT-Helpdesk for Acme.",
			"Welcome to Acme! How can I assist you today?",
			"Adhere strictly to this persona: patient and precise",
		} {
			if !strings.Contains(out, want) {
				t.Errorf("prompt (contexts=%d) missing %q", len(contexts), want)
			}
		}
	}
}

func TestBuild_NoContextPlaceholder(t *testing.T) {
	out := Build(acme, nil)
	if !strings.HasSuffix(out, "Relevant Context:\n"+NoContext) {
		t.Errorf("expected placeholder at end, got tail %q", out[len(out)-60:])
	}
}

func TestBuild_ContextJoinedInOrder(t *testing.T) {
	out := Build(acme, []string{"first", "second"})
	if !strings.HasSuffix(out, "Relevant Context:\nfirst\nsecond") {
		t.Errorf("context not joined in order: %q", out[len(out)-40:])
	}
	if strings.Contains(out, NoContext) {
		t.Error("placeholder present alongside context")
	}
}

func TestBuild_EmptyFields(t *testing.T) {
	out := Build(Persona{}, nil)
	if !strings.Contains(out, "**Boundary Clause**") {
		t.Error("boundary clause missing for empty persona")
	}
	if !strings.Contains(out, "I specialize in  for .") {
		t.Errorf("empty fields should render as empty segments: %q", out)
	}
}

func TestBuild_Pure(t *testing.T) {
	a := Build(acme, []string{"x"})
	b := Build(acme, []string{"x"})
	if a != b {
		t.Error("Build is not deterministic")
	}
}

func TestCompose_UnderBudgetKeepsAll(t *testing.T) {
	c := New(4000)
	chunks := []retrieval.ContextChunk{
		{Text: "low", Score: 0.1},
		{Text: "high", Score: 0.9},
	}
	out := c.Compose(acme, chunks)
	if !strings.HasSuffix(out, "low\nhigh") {
		t.Errorf("expected retrieval order preserved, got tail %q", out[len(out)-20:])
	}
}

func TestSelect_DropsLowestScoreFirst(t *testing.T) {
	c := New(10) // 40 chars
	chunks := []retrieval.ContextChunk{
		{Text: strings.Repeat("a", 20), Score: 0.2},
		{Text: strings.Repeat("b", 20), Score: 0.9},
		{Text: strings.Repeat("c", 20), Score: 0.5},
	}
	got := c.Select(chunks)
	if len(got) != 2 {
		t.Fatalf("got %d chunks, want 2", len(got))
	}
	if got[0].Score != 0.9 || got[1].Score != 0.5 {
		t.Errorf("kept %+v, want the 0.9 and 0.5 chunks in retrieval order", got)
	}
}

func TestSelect_OversizedChunkSkipped(t *testing.T) {
	c := New(5)
	chunks := []retrieval.ContextChunk{
		{Text: strings.Repeat("x", 100), Score: 0.99},
		{Text: "small", Score: 0.1},
	}
	got := c.Select(chunks)
	if len(got) != 1 || got[0].Text != "small" {
		t.Errorf("Select = %+v", got)
	}
}

func TestNew_ZeroBudgetKeepsEverything(t *testing.T) {
	chunks := []retrieval.ContextChunk{
		{Text: strings.Repeat("a", 10000), Score: 0.9},
		{Text: strings.Repeat("b", 10000), Score: 0.8},
		{Text: strings.Repeat("c", 10000), Score: 0.7},
	}
	for _, budget := range []int{0, -1} {
		c := New(budget)
		if got := c.Select(chunks); len(got) != 3 {
			t.Errorf("New(%d).Select kept %d of 3 chunks", budget, len(got))
		}
	}
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		text string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, tt := range tests {
		if got := EstimateTokens(tt.text); got != tt.want {
			t.Errorf("EstimateTokens(%q) = %d, want %d", tt.text, got, tt.want)
		}
	}
}
