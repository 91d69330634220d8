package category

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Category is a class of interchangeable machines sharing a token rate.
type Category struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	TokenCost    int64     `json:"tokenCost"`
	Capabilities []string  `json:"capabilities"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Clone returns a deep copy.
func (c *Category) Clone() *Category {
	if c == nil {
		return nil
	}
	out := *c
	out.Capabilities = append([]string(nil), c.Capabilities...)
	return &out
}

// HasCapability reports whether tag is one of the category's capabilities.
func (c *Category) HasCapability(tag string) bool {
	for _, v := range c.Capabilities {
		if v == tag {
			return true
		}
	}
	return false
}

func ValidateName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name is required")
	}
	if len(name) > 120 {
		return errors.New("name must be at most 120 characters")
	}
	return nil
}

// MaxTokenCost caps the per-slot rate of a category.
const MaxTokenCost = 1_000_000

func ValidateTokenCost(cost int64) error {
	if cost < 0 {
		return errors.New("token cost must not be negative")
	}
	if cost > MaxTokenCost {
		return errors.New("token cost must be at most 1000000 per slot")
	}
	return nil
}

// NormalizeCapabilities trims, lowercases, dedupes and sorts capability tags.
func NormalizeCapabilities(tags []string) []string {
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
