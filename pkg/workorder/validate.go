package workorder

import (
	"fmt"
	"strings"
)

// ValidationError lists every problem found in a work order.
type ValidationError struct {
	ID     string
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("workorder %s: %s", e.ID, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Validate checks a planned work order's constraints. It runs at planning
// time so problems surface before anything is dispatched.
func Validate(wo *WorkOrder) error {
	var issues []string
	if !wo.Type.Valid() {
		issues = append(issues, fmt.Sprintf("unknown type %q", wo.Type))
	}
	if wo.Type.CallsLLM() && wo.Constraints.ContractRef == "" {
		issues = append(issues, fmt.Sprintf("%s requires a contract reference", wo.Type))
	}
	if wo.Type == TypeToolCall && len(wo.Constraints.ToolsAllowed) == 0 {
		issues = append(issues, "tool_call requires at least one allowed tool")
	}
	if wo.Constraints.TokenBudget <= 0 {
		issues = append(issues, fmt.Sprintf("token budget must be positive, got %d", wo.Constraints.TokenBudget))
	}
	if wo.Constraints.TurnLimit < 1 {
		issues = append(issues, fmt.Sprintf("turn limit must be at least 1, got %d", wo.Constraints.TurnLimit))
	}
	if wo.Constraints.TimeoutSeconds < 0 {
		issues = append(issues, "timeout must not be negative")
	}
	if len(issues) > 0 {
		return &ValidationError{ID: wo.ID, Issues: issues}
	}
	return nil
}
