package transform

import (
	"strings"

	"github.com/dvloznov/finance-etl/internal/domain"
)

// Category tags assigned by the default rules.
const (
	CategorySalary        = "salary"
	CategoryTransfer      = "transfer"
	CategoryFood          = "food"
	CategoryTransport     = "transport"
	CategoryShopping      = "shopping"
	CategoryHealth        = "health"
	CategoryUtilities     = "utilities"
	CategoryEntertainment = "entertainment"
	CategoryEducation     = "education"
	CategoryFinancial     = "financial"
)

// KnownCategories is every tag the default rules can produce.
var KnownCategories = map[string]bool{
	CategorySalary: true, CategoryTransfer: true, CategoryFood: true,
	CategoryTransport: true, CategoryShopping: true, CategoryHealth: true,
	CategoryUtilities: true, CategoryEntertainment: true, CategoryEducation: true,
	CategoryFinancial: true, domain.CategoryUncategorized: true,
}

// Candidate is what a rule sees: normalized fields plus the folded text the
// keyword rules search.
type Candidate struct {
	Type         domain.TransactionType
	Merchant     string
	Text         string // folded description + merchant
	CategoryHint string // folded
}

// Rule maps a predicate to a category. When Assign is set it computes the
// category from the candidate instead of using Category.
type Rule struct {
	Name     string
	Category string
	Match    func(Candidate) bool
	Assign   func(Candidate) string
}

// Ruleset is an immutable priority-ordered list of rules. The zero value
// categorizes everything as uncategorized.
type Ruleset struct {
	rules []Rule
}

// NewRuleset copies rules so later changes to the slice do not leak in.
func NewRuleset(rules ...Rule) Ruleset {
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return Ruleset{rules: cp}
}

// Categorize returns the category of the first matching rule and its name.
func (rs Ruleset) Categorize(c Candidate) (category, rule string) {
	for _, r := range rs.rules {
		if !r.Match(c) {
			continue
		}
		if r.Assign != nil {
			return r.Assign(c), r.Name
		}
		return r.Category, r.Name
	}
	return domain.CategoryUncategorized, "fallback"
}

// Rules returns a copy of the rules in priority order.
func (rs Ruleset) Rules() []Rule {
	cp := make([]Rule, len(rs.rules))
	copy(cp, rs.rules)
	return cp
}

// hintAliases maps source category labels to tags.
var hintAliases = map[string]string{
	"food & restaurants":        CategoryFood,
	"restaurants":               CategoryFood,
	"groceries":                 CategoryFood,
	"transport & taxi":          CategoryTransport,
	"transportation":            CategoryTransport,
	"shopping & retail":         CategoryShopping,
	"health & medicine":         CategoryHealth,
	"bills & utilities":         CategoryUtilities,
	"entertainment & leisure":   CategoryEntertainment,
	"bank & financial services": CategoryFinancial,
	"salary & income":           CategorySalary,
	"transfer & income":         CategoryTransfer,
}

// CategoryFromHint resolves a folded source category label to a known tag.
func CategoryFromHint(hint string) (string, bool) {
	if hint == "" {
		return "", false
	}
	if KnownCategories[hint] && hint != domain.CategoryUncategorized {
		return hint, true
	}
	tag, ok := hintAliases[hint]
	return tag, ok
}

func hasHint(c Candidate) bool {
	_, ok := CategoryFromHint(c.CategoryHint)
	return ok
}

func hintCategory(c Candidate) string {
	tag, _ := CategoryFromHint(c.CategoryHint)
	return tag
}

func keywords(words ...string) func(Candidate) bool {
	return func(c Candidate) bool {
		for _, w := range words {
			if strings.Contains(c.Text, w) {
				return true
			}
		}
		return false
	}
}

func income(match func(Candidate) bool) func(Candidate) bool {
	return func(c Candidate) bool { return c.Type == domain.TypeIncome && match(c) }
}

func expense(match func(Candidate) bool) func(Candidate) bool {
	return func(c Candidate) bool { return c.Type == domain.TypeExpense && match(c) }
}

// DefaultRules is the built-in categorization order.
func DefaultRules() Ruleset {
	return NewRuleset(
		Rule{Name: "source-hint", Match: hasHint, Assign: hintCategory},
		Rule{Name: "salary", Category: CategorySalary, Match: income(keywords(
			"salary", "payroll", "wage", "зарплата", "oylik", "maosh"))},
		Rule{Name: "incoming-transfer", Category: CategoryTransfer, Match: income(keywords(
			"transfer", "перевод", "o'tkazma", "p2p"))},
		Rule{Name: "food", Category: CategoryFood, Match: expense(keywords(
			"restaurant", "cafe", "coffee", "food", "pizza", "burger", "grocery", "supermarket",
			"makro", "korzinka", "havas", "carrefour", "evos", "kfc", "mcdonald", "starbucks",
			"yandex eda", "bakery", "ресторан", "кафе", "продукты"))},
		Rule{Name: "transport", Category: CategoryTransport, Match: expense(keywords(
			"taxi", "yandex go", "uber", "bolt", "metro", "bus", "fuel", "petrol", "gas station",
			"parking", "такси", "бензин"))},
		Rule{Name: "shopping", Category: CategoryShopping, Match: expense(keywords(
			"amazon", "uzum", "mall", "store", "shop", "market", "clothing", "zara", "h&m", "магазин"))},
		Rule{Name: "health", Category: CategoryHealth, Match: expense(keywords(
			"pharmacy", "apteka", "clinic", "hospital", "doctor", "dental", "аптека", "клиника"))},
		Rule{Name: "utilities", Category: CategoryUtilities, Match: expense(keywords(
			"electric", "water", "internet", "mobile", "phone", "utility", "beeline", "ucell",
			"uzmobile", "gas bill", "коммунал"))},
		Rule{Name: "entertainment", Category: CategoryEntertainment, Match: expense(keywords(
			"cinema", "movie", "netflix", "spotify", "concert", "theatre", "game", "кино"))},
		Rule{Name: "education", Category: CategoryEducation, Match: expense(keywords(
			"school", "university", "course", "tuition", "book", "udemy", "coursera", "обучение"))},
		Rule{Name: "financial", Category: CategoryFinancial, Match: expense(keywords(
			"bank", "fee", "commission", "atm", "interest", "loan", "комиссия"))},
	)
}
