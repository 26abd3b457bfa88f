package session

import (
	"strings"
	"testing"

	"github.com/MrWong99/toolrouter/pkg/types"
)

func TestCharEstimate(t *testing.T) {
	tests := []struct {
		name string
		msg  types.Message
		want int
	}{
		{"empty", types.Message{}, messageOverhead},
		{"short", types.Message{Role: types.RoleUser, Content: "Hi"}, 1 + messageOverhead},
		{"long", types.Message{Role: types.RoleAssistant, Content: strings.Repeat("a", 400)}, 102 + messageOverhead},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CharEstimate(tt.msg); got != tt.want {
				t.Errorf("CharEstimate() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestCostFor_Chars(t *testing.T) {
	for _, name := range []string{"", "chars"} {
		cost := CostFor(name)
		m := types.Message{Role: types.RoleUser, Content: "remind me to buy milk"}
		if got, want := cost(m), CharEstimate(m); got != want {
			t.Errorf("CostFor(%q): got %d, want %d", name, got, want)
		}
	}
}

func TestCostFor_UnknownEncodingFallsBack(t *testing.T) {
	cost := CostFor("no-such-encoding")
	m := types.Message{Role: types.RoleUser, Content: "hello"}
	if got, want := cost(m), CharEstimate(m); got != want {
		t.Errorf("fallback: got %d, want %d", got, want)
	}
}
