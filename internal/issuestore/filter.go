package issuestore

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/gitissue/gitissue/internal/issue"
)

// Filter selects issues. Every field that is set must match.
type Filter struct {
	Status   *issue.Status
	Label    string
	// Assignee matches the assignee's email.
	Assignee string
	Priority *issue.Priority
	// Text matches when every word of it occurs in the title, description,
	// labels or comments, ignoring case.
	Text string
	// Expr is a boolean expr-lang expression over the fields listed in
	// exprEnv, for example `priority == "high" && "bug" in labels`.
	Expr string
	// Limit stops listing after this many matches when positive.
	Limit int
}

// StatusFilter is shorthand for a Filter on status only.
func StatusFilter(s issue.Status) Filter { return Filter{Status: &s} }

type matcher struct {
	Filter
	terms   []string
	program *vm.Program
}

func (f Filter) compile() (*matcher, error) {
	m := &matcher{Filter: f, terms: tokenize(f.Text)}
	if strings.TrimSpace(f.Expr) == "" {
		return m, nil
	}
	program, err := expr.Compile(f.Expr, expr.Env(exprEnv(&issue.Issue{})), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	m.program = program
	return m, nil
}

// Match reports whether is satisfies f. Callers testing many issues should
// prefer ListIssues or Walk, which compile the filter once.
func (f Filter) Match(is *issue.Issue) (bool, error) {
	m, err := f.compile()
	if err != nil {
		return false, err
	}
	return m.match(is)
}

func (m *matcher) match(is *issue.Issue) (bool, error) {
	if m.Status != nil && is.Status != *m.Status {
		return false, nil
	}
	if m.Priority != nil && is.Priority != *m.Priority {
		return false, nil
	}
	if m.Label != "" && !is.HasLabel(m.Label) {
		return false, nil
	}
	if m.Assignee != "" && (is.Assignee == nil || !strings.EqualFold(is.Assignee.Email, m.Assignee)) {
		return false, nil
	}
	if m.Text != "" && !m.matchText(is) {
		return false, nil
	}
	if m.program == nil {
		return true, nil
	}
	out, err := expr.Run(m.program, exprEnv(is))
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}

func (m *matcher) matchText(is *issue.Issue) bool {
	parts := []string{is.Title, is.Description}
	parts = append(parts, is.Labels...)
	for _, c := range is.Comments {
		parts = append(parts, c.Content)
	}
	text := strings.Join(parts, " ")
	if len(m.terms) == 0 {
		// too short to tokenize
		return strings.Contains(strings.ToLower(text), strings.ToLower(strings.TrimSpace(m.Text)))
	}
	have := make(map[string]bool)
	for _, t := range tokenize(text) {
		have[t] = true
	}
	for _, t := range m.terms {
		if !have[t] {
			return false
		}
	}
	return true
}

// tokenize splits text into lowercase terms of two or more letters or digits.
func tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]bool)
	var result []string
	for _, w := range words {
		if len(w) < 2 || seen[w] {
			continue
		}
		seen[w] = true
		result = append(result, w)
	}
	return result
}

// exprEnv exposes an issue to filter expressions. Status and priority use
// their display forms; people are identified by email.
func exprEnv(is *issue.Issue) map[string]interface{} {
	assignee := ""
	if is.Assignee != nil {
		assignee = is.Assignee.Email
	}
	labels := is.Labels
	if labels == nil {
		labels = []string{}
	}
	return map[string]interface{}{
		"id":          int(is.ID),
		"title":       is.Title,
		"description": is.Description,
		"status":      is.Status.String(),
		"priority":    is.Priority.String(),
		"labels":      labels,
		"assignee":    assignee,
		"comments":    len(is.Comments),
		"created_by":  is.CreatedBy.Email,
		"created_at":  is.CreatedAt,
		"updated_at":  is.UpdatedAt,
	}
}
