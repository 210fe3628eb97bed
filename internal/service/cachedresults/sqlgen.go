package cachedresults

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"resultcache/internal/domain"
)

// SQLGenerator builds the constrained SELECT statement that a cached results
// query runs against its view. It is the only place user-supplied query parts
// become SQL, so every part passes through quoting and the safety lists.
type SQLGenerator struct {
	reserved []*regexp.Regexp
	allowed  []*regexp.Regexp
}

// NewSQLGenerator compiles the reserved-statement and allowed-function
// patterns. An invalid pattern is a configuration error.
func NewSQLGenerator(reservedStatements, allowedFunctions []string) (*SQLGenerator, error) {
	g := &SQLGenerator{}
	for _, p := range reservedStatements {
		re, err := regexp.Compile(`(?s)` + p)
		if err != nil {
			return nil, fmt.Errorf("reserved statement pattern %q: %w", p, err)
		}
		g.reserved = append(g.reserved, re)
	}
	for _, p := range allowedFunctions {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("allowed function pattern %q: %w", p, err)
		}
		g.allowed = append(g.allowed, re)
	}
	return g, nil
}

// QueryParts are the user-controllable pieces of the generated statement.
type QueryParts struct {
	Fields     string
	Conditions string
	Grouping   string
	Order      string
}

// Generate builds the full SELECT against the view for the given owner.
// columns holds the view's known column names keyed to their ordinals; bare
// tokens in the conditions clause that name a known column are quoted. The
// owner predicate is always present: an empty conditions clause still yields
// WHERE `_user_` = '<owner>'.
func (g *SQLGenerator) Generate(view, owner string, columns map[string]int, parts QueryParts) (string, error) {
	if view == "" {
		return "", domain.ErrValidation("view name is required")
	}
	if owner == "" {
		return "", domain.ErrValidation("owner is required")
	}

	fieldList, err := g.buildFieldList(parts.Fields)
	if err != nil {
		return "", err
	}

	conditions, err := g.buildConditions(parts.Conditions, owner, columns)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(fieldList)
	b.WriteString(" FROM ")
	b.WriteString(quoteIdentifier(view))
	b.WriteString(" WHERE ")
	b.WriteString(conditions)

	if grouping := strings.TrimSpace(parts.Grouping); grouping != "" {
		clause, err := g.buildGroupClause(grouping)
		if err != nil {
			return "", err
		}
		b.WriteString(" GROUP BY ")
		b.WriteString(clause)
	}
	if order := strings.TrimSpace(parts.Order); order != "" {
		clause, err := g.buildOrderClause(order)
		if err != nil {
			return "", err
		}
		b.WriteString(" ORDER BY ")
		b.WriteString(clause)
	}

	statement := b.String()
	if violations := g.unsafeMatches(statement); len(violations) > 0 {
		return "", domain.ErrValidation("generated query matches reserved patterns: %s", strings.Join(violations, ", "))
	}
	return statement, nil
}

// buildFieldList assembles the projection. A requested "*" moves to the
// front and the remaining entries ride along after it. Otherwise the fixed
// columns lead, then requested fields in first-seen order with duplicates
// collapsed.
func (g *SQLGenerator) buildFieldList(fields string) (string, error) {
	fields = strings.TrimSpace(fields)
	if fields == "" {
		fields = "*"
	}

	tokens := tokenizeOutsideParens(fields, ',')
	var star bool
	var entries []string
	seen := map[string]bool{}

	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		switch {
		case tok == "":
			continue
		case tok == "*":
			star = true
		case strings.Contains(tok, "("):
			if !g.isFunction(tok) {
				return "", domain.ErrValidation("function not allowed: %s", tok)
			}
			if !seen[tok] {
				seen[tok] = true
				entries = append(entries, tok)
			}
		default:
			q := quoteIdentifier(tok)
			if !seen[q] {
				seen[q] = true
				entries = append(entries, q)
			}
		}
	}

	if star {
		if len(entries) == 0 {
			return "*", nil
		}
		return strings.Join(append([]string{"*"}, entries...), ","), nil
	}

	out := make([]string, 0, domain.FixedColumnCount+len(entries))
	for _, col := range domain.FixedColumns() {
		out = append(out, quoteIdentifier(col))
	}
	for _, e := range entries {
		if !slices.Contains(out, e) {
			out = append(out, e)
		}
	}
	return strings.Join(out, ","), nil
}

// buildConditions quotes known-column tokens in the user conditions, vets
// call-shaped tokens against the function whitelist, then wraps the clause
// and appends the mandatory owner predicate. The predicate is the sole
// row-level access control on the read path and is never omitted.
func (g *SQLGenerator) buildConditions(conditions, owner string, columns map[string]int) (string, error) {
	ownerPredicate := quoteIdentifier(domain.ColumnUser) + " = '" + escapeStringLiteral(owner) + "'"
	conditions = strings.TrimSpace(conditions)
	if conditions == "" {
		return ownerPredicate, nil
	}

	tokens := strings.Split(conditions, " ")
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		field := strings.TrimSpace(strings.ReplaceAll(tok, "`", ""))
		switch {
		case callShaped(field):
			if !g.isFunction(field) {
				return "", domain.ErrValidation("function not allowed: %s", field)
			}
			out = append(out, field)
		case isKnownColumn(field, columns):
			out = append(out, quoteIdentifier(field))
		default:
			out = append(out, tok)
		}
	}
	return "(" + strings.Join(out, " ") + ") AND " + ownerPredicate, nil
}

// isKnownColumn reports whether field names a view column, either a dynamic
// column from the field index map or one of the fixed columns.
func isKnownColumn(field string, columns map[string]int) bool {
	if _, ok := columns[field]; ok {
		return true
	}
	return slices.Contains(domain.FixedColumns(), field)
}

// callShaped reports whether the token looks like a function call: matched
// parens with a name in front of the opener.
func callShaped(tok string) bool {
	return strings.Index(tok, "(") > 0 && strings.Contains(tok, ")")
}

func (g *SQLGenerator) buildGroupClause(grouping string) (string, error) {
	tokens := tokenizeOutsideParens(grouping, ',')
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		q, err := g.quoteField(tok)
		if err != nil {
			return "", err
		}
		out = append(out, q)
	}
	return strings.Join(out, ","), nil
}

// buildOrderClause quotes each order term, preserving an ASC/DESC suffix.
func (g *SQLGenerator) buildOrderClause(order string) (string, error) {
	tokens := tokenizeOutsideParens(order, ',')
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		direction := ""
		upper := strings.ToUpper(tok)
		switch {
		case strings.HasSuffix(upper, " DESC"):
			direction = " DESC"
			tok = strings.TrimSpace(tok[:len(tok)-5])
		case strings.HasSuffix(upper, " ASC"):
			direction = " ASC"
			tok = strings.TrimSpace(tok[:len(tok)-4])
		}
		q, err := g.quoteField(tok)
		if err != nil {
			return "", err
		}
		out = append(out, q+direction)
	}
	return strings.Join(out, ","), nil
}

// quoteField backtick-quotes a field reference. Whitelisted function calls
// pass through unchanged; a call matching no allowed pattern is rejected.
func (g *SQLGenerator) quoteField(field string) (string, error) {
	if strings.Contains(field, "(") {
		if !g.isFunction(field) {
			return "", domain.ErrValidation("function not allowed: %s", field)
		}
		return field, nil
	}
	return quoteIdentifier(field), nil
}

// isFunction reports whether the token matches an allowed function pattern.
func (g *SQLGenerator) isFunction(token string) bool {
	upper := strings.ToUpper(token)
	for _, re := range g.allowed {
		if re.MatchString(upper) {
			return true
		}
	}
	return false
}

// unsafeMatches returns the reserved patterns the upper-cased statement
// matches.
func (g *SQLGenerator) unsafeMatches(statement string) []string {
	upper := strings.ToUpper(statement)
	var violations []string
	for _, re := range g.reserved {
		if re.MatchString(upper) {
			violations = append(violations, re.String())
		}
	}
	return violations
}

// tokenizeOutsideParens splits s on sep, ignoring separators nested inside
// parentheses. Unbalanced closers clamp at depth zero rather than failing.
func tokenizeOutsideParens(s string, sep rune) []string {
	var tokens []string
	var current strings.Builder
	depth := 0
	for _, r := range s {
		switch {
		case r == '(':
			depth++
			current.WriteRune(r)
		case r == ')':
			if depth > 0 {
				depth--
			}
			current.WriteRune(r)
		case r == sep && depth == 0:
			tokens = append(tokens, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	tokens = append(tokens, current.String())
	return tokens
}

// quoteIdentifier backtick-quotes an identifier, stripping any backticks the
// input carried so quoting cannot be escaped.
func quoteIdentifier(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "") + "`"
}

// escapeStringLiteral doubles single quotes so a value cannot terminate the
// enclosing literal.
func escapeStringLiteral(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
