package delegate

import (
	"strings"
	"testing"
)

func plainMention(c ChatIdentity) string { return "@" + c.ID }

func TestResolveStrippedLoginName(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil, []ChatIdentity{{ID: "U1", LoginName: "abc"}}, WithMentioner(plainMention))

	id := r.Resolve("abc_voting")
	if !id.Found || id.ID != "U1" || id.Mention != "@U1" {
		t.Fatalf("Resolve = %+v", id)
	}
	if !id.Redundant("abc_voting") {
		t.Fatal("display equal to stripped name should be redundant")
	}
	label := Label(AlertEvent{Delegate: "abc_voting", Identity: id}, nil)
	if label != "@U1 " {
		t.Fatalf("label = %q", label)
	}
}

func TestResolveMatchFields(t *testing.T) {
	t.Parallel()
	dir := []ChatIdentity{
		{ID: "U1", LoginName: "alpha"},
		{ID: "U2", FullName: "Bravo"},
		{ID: "U3", DisplayName: "CHARLIE"},
		{ID: "U4", LoginName: "dpool"},
	}
	r := NewResolver([]AliasRecord{{Delegate: "delta", Alias: "DPool"}}, dir, WithMentioner(plainMention))

	tests := []struct {
		name   string
		wantID string
	}{
		{"alpha", "U1"},
		{"bravo_pool", "U2"},
		{"Charlie", "U3"},
		{"delta", "U4"},
		{"echo", ""},
	}
	for _, tt := range tests {
		got := r.Resolve(tt.name)
		if tt.wantID == "" {
			if got.Found || got.Display != tt.name {
				t.Fatalf("%s: expected no match, got %+v", tt.name, got)
			}
			continue
		}
		if !got.Found || got.ID != tt.wantID {
			t.Fatalf("%s: Resolve = %+v, want id %s", tt.name, got, tt.wantID)
		}
	}
}

func TestResolveLastMatchWins(t *testing.T) {
	t.Parallel()
	dir := []ChatIdentity{
		{ID: "U1", LoginName: "abc"},
		{ID: "U2", FullName: "someone"},
		{ID: "U3", DisplayName: "abc"},
	}
	r := NewResolver([]AliasRecord{{Delegate: "abc", Alias: "someone"}}, dir, WithMentioner(plainMention))
	if got := r.Resolve("abc"); got.ID != "U3" {
		t.Fatalf("Resolve = %+v, want U3", got)
	}
}

func TestResolveEmptyFieldsNeverMatch(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil, []ChatIdentity{{ID: "U1"}}, WithMentioner(plainMention))
	if got := r.Resolve(""); got.Found {
		t.Fatalf("empty name matched %+v", got)
	}
}

func TestResolveNilResolver(t *testing.T) {
	t.Parallel()
	var r *Resolver
	if got := r.Resolve("x"); got.Found || got.Display != "x" {
		t.Fatalf("nil resolver = %+v", got)
	}
}

func TestTelegramMentionEscapes(t *testing.T) {
	t.Parallel()
	got := TelegramMention(ChatIdentity{ID: "42", DisplayName: "a<b>"})
	if !strings.Contains(got, `tg://user?id=42`) || !strings.Contains(got, "a&lt;b&gt;") {
		t.Fatalf("mention = %q", got)
	}
}

func TestEnrichKeepsOrder(t *testing.T) {
	t.Parallel()
	r := NewResolver(nil, []ChatIdentity{{ID: "U2", LoginName: "b"}}, WithMentioner(plainMention))
	out := r.Enrich([]AlertEvent{{Delegate: "a", Streak: 2}, {Delegate: "b", Streak: 3}})
	if len(out) != 2 || out[0].Delegate != "a" || out[1].Delegate != "b" {
		t.Fatalf("order changed: %+v", out)
	}
	if out[0].Identity.Found || !out[1].Identity.Found {
		t.Fatalf("unexpected identities: %+v", out)
	}
}
