// Package identifier allocates the short codes used for categories and machines.
//
// Category ids look like C01..C99 and machine ids append M01..M99 to the owning
// category's id. Allocation is max-plus-one over a persisted counter and any ids
// already present, so a deleted id is never handed out again.
package identifier

import (
	"context"
	"fmt"
	"strings"

	"github.com/facility-hub/facility-hub/internal/domain/apperror"
)

const (
	CategoryPrefix = "C"
	MachineInfix   = "M"
	MaxSequence    = 99

	// CategoryNamespace is the counter namespace for category ids.
	CategoryNamespace = "category"
)

// MachineNamespace returns the counter namespace for machines of a category.
func MachineNamespace(categoryID string) string {
	return "machine:" + categoryID
}

// Allocation is a newly assigned id and the counter value that produced it.
type Allocation struct {
	ID  string
	Seq int
}

// SequenceRepository persists one monotonic counter per namespace.
type SequenceRepository interface {
	// Current returns the last issued value, or 0 for an unknown namespace.
	Current(ctx context.Context, namespace string) (int, error)
	// Advance stores seq as the last issued value for namespace.
	Advance(ctx context.Context, namespace string, seq int) error
}

// NextCategoryID returns the id following both the counter and every existing id.
func NextCategoryID(counter int, existing []string) (Allocation, error) {
	next := maxSuffix(counter, CategoryPrefix, existing) + 1
	if next > MaxSequence {
		return Allocation{}, apperror.New(apperror.KindIdentifierExhausted, "category identifier space exhausted")
	}
	return Allocation{ID: FormatCategoryID(next), Seq: next}, nil
}

// NextMachineID returns the next machine id inside categoryID.
func NextMachineID(categoryID string, counter int, existing []string) (Allocation, error) {
	if _, ok := ParseCategoryID(categoryID); !ok {
		return Allocation{}, apperror.New(apperror.KindInvalidArgument, "malformed category id %q", categoryID)
	}
	next := maxSuffix(counter, categoryID+MachineInfix, existing) + 1
	if next > MaxSequence {
		return Allocation{}, apperror.New(apperror.KindIdentifierExhausted, "machine identifier space exhausted for category %s", categoryID)
	}
	return Allocation{ID: FormatMachineID(categoryID, next), Seq: next}, nil
}

func FormatCategoryID(seq int) string {
	return fmt.Sprintf("%s%02d", CategoryPrefix, seq)
}

func FormatMachineID(categoryID string, seq int) string {
	return fmt.Sprintf("%s%s%02d", categoryID, MachineInfix, seq)
}

// ParseCategoryID returns the numeric part of a well-formed category id.
func ParseCategoryID(id string) (int, bool) {
	return parseSuffix(id, CategoryPrefix)
}

// ParseMachineID splits a machine id into its category id and sequence.
func ParseMachineID(id string) (string, int, bool) {
	idx := strings.LastIndex(id, MachineInfix)
	if idx <= 0 {
		return "", 0, false
	}
	categoryID := id[:idx]
	if _, ok := ParseCategoryID(categoryID); !ok {
		return "", 0, false
	}
	seq, ok := parseSuffix(id, categoryID+MachineInfix)
	if !ok {
		return "", 0, false
	}
	return categoryID, seq, true
}

func maxSuffix(counter int, prefix string, existing []string) int {
	highest := counter
	for _, id := range existing {
		if n, ok := parseSuffix(id, prefix); ok && n > highest {
			highest = n
		}
	}
	return highest
}

// parseSuffix accepts exactly two digits after prefix. Anything else is skipped.
func parseSuffix(id, prefix string) (int, bool) {
	if !strings.HasPrefix(id, prefix) {
		return 0, false
	}
	digits := id[len(prefix):]
	if len(digits) != 2 || !isDigit(digits[0]) || !isDigit(digits[1]) {
		return 0, false
	}
	return int(digits[0]-'0')*10 + int(digits[1]-'0'), true
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
