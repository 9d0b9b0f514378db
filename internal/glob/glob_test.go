package glob

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"", "anything", true},
		{"*", "anything", true},
		{"search", "search", true},
		{"search", "SEARCH", true},
		{"search", "search2", false},
		{"delete-*", "delete-all", true},
		{"delete-*", "undelete-all", false},
		{"*-prod", "deploy-prod", true},
		{"*-prod", "deploy-staging", false},
		{"*secret*", "read-secrets", true},
		{"*secret*", "read-config", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.value); got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.value, got, tt.want)
		}
	}
}

func TestMatchAny(t *testing.T) {
	if !MatchAny([]string{"search", "delete-*"}, "delete-user") {
		t.Error("expected delete-user to match delete-*")
	}
	if MatchAny(nil, "search") {
		t.Error("expected no match for empty pattern list")
	}
}

func TestIsPattern(t *testing.T) {
	if IsPattern("search") {
		t.Error("plain name is not a pattern")
	}
	if !IsPattern("delete-*") {
		t.Error("expected delete-* to be a pattern")
	}
}
