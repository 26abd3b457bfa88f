package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/toolrouter/pkg/types"
)

// ErrBudgetBelowPreamble is returned by [NewContextManager] when the system
// preamble alone costs more than the token budget. It is a startup
// configuration error.
var ErrBudgetBelowPreamble = errors.New("session: token budget is smaller than the system preamble")

// ContextManager holds the ordered messages of one conversation and keeps
// their total token cost within a fixed budget.
//
// The first message is always the system preamble and is never evicted. When
// the budget is exceeded the oldest non-system messages are dropped in
// insertion order until the total fits again.
//
// All methods are safe for concurrent use, although the pipeline only ever
// touches a ContextManager from one turn at a time.
type ContextManager struct {
	budget int
	cost   CostFunc

	mu       sync.Mutex
	messages []types.Message
	costs    []int
	total    int
}

// NewContextManager creates a ContextManager seeded with a system message
// carrying preamble. budget is the maximum total token cost; cost measures a
// single message and defaults to [CharEstimate] when nil.
func NewContextManager(preamble string, budget int, cost CostFunc) (*ContextManager, error) {
	if cost == nil {
		cost = CharEstimate
	}
	sys := types.NewMessage(types.RoleSystem, preamble)
	sysCost := cost(sys)
	if sysCost > budget {
		return nil, fmt.Errorf("%w (preamble=%d budget=%d)", ErrBudgetBelowPreamble, sysCost, budget)
	}
	return &ContextManager{
		budget:   budget,
		cost:     cost,
		messages: []types.Message{sys},
		costs:    []int{sysCost},
		total:    sysCost,
	}, nil
}

// Append adds msgs at the end of the conversation and then evicts as needed.
// It returns the number of evicted messages. Only user and assistant messages
// are accepted; nothing is appended if any message is rejected.
func (cm *ContextManager) Append(msgs ...types.Message) (int, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	for _, m := range msgs {
		if m.Role == types.RoleSystem {
			return 0, errors.New("session: append: only the preamble may have the system role")
		}
		if !m.Role.IsValid() {
			return 0, fmt.Errorf("session: append: invalid role %q", m.Role)
		}
	}
	for _, m := range msgs {
		c := cm.cost(m)
		cm.messages = append(cm.messages, m)
		cm.costs = append(cm.costs, c)
		cm.total += c
	}
	return cm.evictLocked(), nil
}

// EvictIfOverBudget drops the oldest non-system messages until the total cost
// is within budget and returns how many were removed. Calling it on a
// context that is already within budget is a no-op returning 0.
func (cm *ContextManager) EvictIfOverBudget() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.evictLocked()
}

// evictLocked must be called with cm.mu held.
func (cm *ContextManager) evictLocked() int {
	n := 0
	// Index 0 is the preamble; the loop ends at the latest when only it is
	// left, since its cost never exceeds the budget.
	for cm.total > cm.budget && len(cm.messages) > 1 {
		cm.total -= cm.costs[1]
		cm.messages = append(cm.messages[:1], cm.messages[2:]...)
		cm.costs = append(cm.costs[:1], cm.costs[2:]...)
		n++
	}
	return n
}

// Snapshot returns a copy of the current messages, preamble first.
func (cm *ContextManager) Snapshot() []types.Message {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	out := make([]types.Message, len(cm.messages))
	copy(out, cm.messages)
	return out
}

// Len returns the number of messages including the preamble.
func (cm *ContextManager) Len() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return len(cm.messages)
}

// TokenCost returns the total cost of all messages.
func (cm *ContextManager) TokenCost() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.total
}

// Cost returns the token cost of m as measured by this conversation.
func (cm *ContextManager) Cost(m types.Message) int {
	return cm.cost(m)
}

// Room returns the budget left over when only the preamble and the newest
// keep messages are retained. Older messages are not counted since appending
// evicts them first.
func (cm *ContextManager) Room(keep int) int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	used := cm.costs[0]
	for i := max(1, len(cm.costs)-keep); i < len(cm.costs); i++ {
		used += cm.costs[i]
	}
	return cm.budget - used
}

// Budget returns the configured token budget.
func (cm *ContextManager) Budget() int {
	return cm.budget
}

// Last returns the most recent message and false when only the preamble is
// present.
func (cm *ContextManager) Last() (types.Message, bool) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if len(cm.messages) < 2 {
		return types.Message{}, false
	}
	return cm.messages[len(cm.messages)-1], true
}
