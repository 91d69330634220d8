package booking

import (
	"errors"
	"strings"

	"github.com/Knetic/govaluate"

	domain "github.com/facility-hub/facility-hub/internal/domain/booking"
)

// ApprovalRule decides whether a new booking skips the pending state.
// Parameters: role, mode, cost, hours, machine, category, remaining.
type ApprovalRule struct {
	source string
	expr   *govaluate.EvaluableExpression
}

// NewApprovalRule compiles expression. An empty expression yields a nil rule,
// which never approves.
func NewApprovalRule(expression string) (*ApprovalRule, error) {
	cond := strings.TrimSpace(expression)
	if cond == "" {
		return nil, nil
	}
	expr, err := govaluate.NewEvaluableExpression(cond)
	if err != nil {
		return nil, err
	}
	return &ApprovalRule{source: cond, expr: expr}, nil
}

func (r *ApprovalRule) String() string {
	if r == nil {
		return ""
	}
	return r.source
}

// Approves evaluates the rule for b. Monthly-provisional bookings always stay pending.
func (r *ApprovalRule) Approves(b *domain.Booking, role string, remaining int64) (bool, error) {
	if r == nil || b.Mode == domain.ModeMonthlyProvisional {
		return false, nil
	}
	params := map[string]interface{}{
		"role":      role,
		"mode":      string(b.Mode),
		"cost":      float64(b.Cost),
		"hours":     b.Interval.Duration().Hours(),
		"machine":   b.MachineID,
		"category":  b.CategoryID,
		"remaining": float64(remaining),
	}
	result, err := r.expr.Evaluate(params)
	if err != nil {
		return false, err
	}
	switch v := result.(type) {
	case bool:
		return v, nil
	default:
		return false, errors.New("approval rule did not evaluate to boolean")
	}
}
