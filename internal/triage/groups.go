package triage

import "strings"

// Category is one of the six organizational groups used for modulation.
type Category string

const (
	CategoryExecutive  Category = "executive"
	CategoryManagement Category = "management"
	CategoryDeveloper  Category = "developer"
	CategoryAnalyst    Category = "analyst"
	CategoryContractor Category = "contractor"
	CategoryUser       Category = "user"
)

// Categories lists every category in matching order.
var Categories = []Category{
	CategoryExecutive,
	CategoryManagement,
	CategoryDeveloper,
	CategoryAnalyst,
	CategoryContractor,
	CategoryUser,
}

// groupKeywords is checked in order; the first category with a keyword
// contained in the lowercased group wins.
var groupKeywords = []struct {
	category Category
	keywords []string
}{
	{CategoryExecutive, []string{"exec", "ceo", "president", "director"}},
	{CategoryManagement, []string{"manager", "lead", "supervisor"}},
	{CategoryDeveloper, []string{"dev", "engineer", "programmer"}},
	{CategoryAnalyst, []string{"analyst", "security", "admin"}},
	{CategoryContractor, []string{"contract", "temp", "vendor"}},
}

var categoryDescriptions = map[Category]string{
	CategoryExecutive:  "Executive team members require immediate attention",
	CategoryManagement: "Management personnel have elevated priority",
	CategoryDeveloper:  "Developers may have elevated access requirements",
	CategoryAnalyst:    "Analysts and administrators hold privileged access",
	CategoryContractor: "Contractors and vendors have reduced baseline priority",
	CategoryUser:       "Standard users baseline priority",
}

// DefaultMultipliers returns the compiled-in multiplier table.
func DefaultMultipliers() Multipliers {
	return Multipliers{
		CategoryExecutive:  2.5,
		CategoryManagement: 2.0,
		CategoryDeveloper:  1.5,
		CategoryAnalyst:    1.3,
		CategoryUser:       1.0,
		CategoryContractor: 0.8,
	}
}

// NormalizeGroup maps free-text group names onto a Category.
func NormalizeGroup(group string) Category {
	g := strings.ToLower(group)
	if strings.TrimSpace(g) == "" {
		return CategoryUser
	}
	for _, gk := range groupKeywords {
		for _, kw := range gk.keywords {
			if strings.Contains(g, kw) {
				return gk.category
			}
		}
	}
	return CategoryUser
}

// ParseCategory accepts an exact category name, ignoring case and surrounding
// space.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", false
	}
	return c, true
}

// Valid reports whether c is one of the six known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Description returns the fixed human-readable description of c.
func (c Category) Description() string {
	return categoryDescriptions[c]
}
