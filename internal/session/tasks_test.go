package session

import (
	"strings"
	"testing"
)

func TestCleanTitle(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{name: "Plain", title: "Weather Questions", want: "Weather Questions"},
		{name: "Surrounding whitespace", title: "  Weather Questions \n", want: "Weather Questions"},
		{name: "Double quotes", title: `"Weather Questions"`, want: "Weather Questions"},
		{name: "Single quotes", title: "'Weather Questions'", want: "Weather Questions"},
		{name: "Quotes then whitespace", title: `" Weather Questions "`, want: "Weather Questions"},
		{name: "Empty", title: "   ", want: ""},
		{name: "Truncated", title: strings.Repeat("a", 80), want: strings.Repeat("a", 60)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cleanTitle(tt.title); got != tt.want {
				t.Errorf("cleanTitle(%q) = %q, want %q", tt.title, got, tt.want)
			}
		})
	}
}
