// Package category maps content categories to their share of the disk budget.
package category

import (
	"fmt"
	"math"
	"sort"
)

// ID identifies a category on disk (its directory name).
type ID int

// Category is a class of cached content with its own disk budget.
type Category struct {
	ID             ID
	Name           string
	BudgetFraction float64
}

func (c Category) String() string {
	return fmt.Sprintf("%s(%d)", c.Name, c.ID)
}

// fractionTolerance is how far the fraction sum may drift from 1.0.
const fractionTolerance = 0.001

var (
	Thumbnail = Category{ID: 0, Name: "thumbnail", BudgetFraction: 0.25}
	Media     = Category{ID: 1, Name: "media", BudgetFraction: 0.60}
	SiteIcon  = Category{ID: 2, Name: "site-icon", BudgetFraction: 0.05}
	Other     = Category{ID: 3, Name: "other", BudgetFraction: 0.10}
)

// Policy is an immutable, validated set of categories.
type Policy struct {
	categories []Category
	byID       map[ID]Category
	byName     map[string]Category
}

// NewPolicy validates that ids and names are unique and that the fractions
// sum to 1.0.
func NewPolicy(categories ...Category) (*Policy, error) {
	if len(categories) == 0 {
		return nil, fmt.Errorf("policy needs at least one category")
	}

	p := &Policy{
		byID:   make(map[ID]Category, len(categories)),
		byName: make(map[string]Category, len(categories)),
	}

	var sum float64
	for _, c := range categories {
		if c.BudgetFraction < 0 || c.BudgetFraction > 1 {
			return nil, fmt.Errorf("category %s has fraction %f outside [0, 1]", c, c.BudgetFraction)
		}
		if _, exists := p.byID[c.ID]; exists {
			return nil, fmt.Errorf("duplicate category id %d", c.ID)
		}
		if _, exists := p.byName[c.Name]; exists {
			return nil, fmt.Errorf("duplicate category name %q", c.Name)
		}
		p.byID[c.ID] = c
		p.byName[c.Name] = c
		p.categories = append(p.categories, c)
		sum += c.BudgetFraction
	}

	if math.Abs(sum-1.0) > fractionTolerance {
		return nil, fmt.Errorf("category fractions sum to %f, want 1.0", sum)
	}

	sort.Slice(p.categories, func(i, j int) bool {
		return p.categories[i].ID < p.categories[j].ID
	})
	return p, nil
}

// MustPolicy is NewPolicy for tables fixed at compile time. A broken table
// is a programming error, so it panics.
func MustPolicy(categories ...Category) *Policy {
	p, err := NewPolicy(categories...)
	if err != nil {
		panic("invalid category policy: " + err.Error())
	}
	return p
}

// Default returns the built-in table.
func Default() *Policy {
	return MustPolicy(Thumbnail, Media, SiteIcon, Other)
}

// Categories returns the categories ordered by id.
func (p *Policy) Categories() []Category {
	out := make([]Category, len(p.categories))
	copy(out, p.categories)
	return out
}

// Lookup finds a category by id.
func (p *Policy) Lookup(id ID) (Category, bool) {
	c, ok := p.byID[id]
	return c, ok
}

// LookupName finds a category by name.
func (p *Policy) LookupName(name string) (Category, bool) {
	c, ok := p.byName[name]
	return c, ok
}

// BudgetBytes returns floor(totalBudget * fraction).
func BudgetBytes(c Category, totalBudget int64) int64 {
	if totalBudget <= 0 {
		return 0
	}
	return int64(math.Floor(float64(totalBudget) * c.BudgetFraction))
}
