package cachedresults

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"resultcache/internal/config"
	"resultcache/internal/domain"
)

func newTestGenerator(t *testing.T) *SQLGenerator {
	t.Helper()
	g, err := NewSQLGenerator(config.DefaultReservedStatements, config.DefaultAllowedFunctions)
	require.NoError(t, err)
	return g
}

func TestTokenizeOutsideParens(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"a,(b,c),d", []string{"a", "(b,c)", "d"}},
		{"a,b", []string{"a", "b"}},
		{"a", []string{"a"}},
		{"", []string{""}},
		{"f(g(x,y),z),w", []string{"f(g(x,y),z)", "w"}},
		// Unbalanced parens must not crash; closers clamp at depth zero.
		{"a),b", []string{"a)", "b"}},
		{"(a,b", []string{"(a,b"}},
	}
	for _, tt := range tests {
		got := tokenizeOutsideParens(tt.in, ',')
		assert.Equal(t, tt.want, got, "input %q", tt.in)
	}
}

func TestGenerate_OwnerPredicateAlwaysPresent(t *testing.T) {
	g := newTestGenerator(t)

	inputs := []QueryParts{
		{},
		{Fields: "*"},
		{Fields: "COLOR,SHAPE"},
		{Conditions: "COLOR = 'red'"},
		{Fields: "COUNT(*)", Grouping: "COLOR"},
		{Fields: "COLOR", Order: "COLOR DESC"},
		{Conditions: "COLOR = 'red' OR SHAPE = 'round'"},
	}
	for _, parts := range inputs {
		stmt, err := g.Generate("v1", "alice", nil, parts)
		require.NoError(t, err)
		assert.Equal(t, 1, strings.Count(stmt, "`_user_` = 'alice'"), "statement %q", stmt)
	}
}

func TestGenerate_ConditionsParenthesizedAndAnded(t *testing.T) {
	g := newTestGenerator(t)

	stmt, err := g.Generate("v1", "alice", nil, QueryParts{Conditions: "COLOR = 'red'"})
	require.NoError(t, err)
	assert.Contains(t, stmt, "WHERE (COLOR = 'red') AND `_user_` = 'alice'")
}

func TestGenerate_ConditionsQuoteKnownColumns(t *testing.T) {
	g := newTestGenerator(t)
	columns := map[string]int{"COLOR": 10, "ORDER": 11}

	stmt, err := g.Generate("v1", "alice", columns, QueryParts{Conditions: "COLOR = 'red' AND ORDER > 5"})
	require.NoError(t, err)
	assert.Contains(t, stmt, "WHERE (`COLOR` = 'red' AND `ORDER` > 5) AND `_user_` = 'alice'")

	// Tokens naming no known column pass through untouched.
	stmt, err = g.Generate("v1", "alice", columns, QueryParts{Conditions: "SHAPE = 'round'"})
	require.NoError(t, err)
	assert.Contains(t, stmt, "WHERE (SHAPE = 'round') AND `_user_` = 'alice'")

	// Fixed columns are always known.
	stmt, err = g.Generate("v1", "alice", nil, QueryParts{Conditions: "_eventId_ = 'e1'"})
	require.NoError(t, err)
	assert.Contains(t, stmt, "WHERE (`_eventId_` = 'e1') AND `_user_` = 'alice'")
}

func TestGenerate_ConditionsFunctionsVetted(t *testing.T) {
	g := newTestGenerator(t)

	var validation *domain.ValidationError
	_, err := g.Generate("v1", "alice", nil, QueryParts{Conditions: "SLEEP(5) = 0"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &validation)

	_, err = g.Generate("v1", "alice", nil, QueryParts{Conditions: "COLOR = LOAD_FILE('/etc/passwd')"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &validation)

	// Whitelisted calls survive.
	stmt, err := g.Generate("v1", "alice", nil, QueryParts{Conditions: "LOWER(COLOR) = 'red'"})
	require.NoError(t, err)
	assert.Contains(t, stmt, "WHERE (LOWER(COLOR) = 'red') AND `_user_` = 'alice'")
}

func TestGenerate_OwnerQuoteEscaped(t *testing.T) {
	g := newTestGenerator(t)

	stmt, err := g.Generate("v1", "o'brien", nil, QueryParts{})
	require.NoError(t, err)
	assert.Contains(t, stmt, "`_user_` = 'o''brien'")
}

func TestGenerate_FieldListIncludesFixedColumns(t *testing.T) {
	g := newTestGenerator(t)

	stmt, err := g.Generate("v1", "alice", nil, QueryParts{Fields: "COLOR,SHAPE,COLOR"})
	require.NoError(t, err)
	for _, col := range domain.FixedColumns() {
		assert.Contains(t, stmt, "`"+col+"`")
	}
	// Duplicates collapsed, requested fields after the fixed set.
	assert.Equal(t, 1, strings.Count(stmt, "`COLOR`"))
	assert.Contains(t, stmt, "`SHAPE`")
	idx := strings.Index(stmt, "`COLOR`")
	assert.Greater(t, idx, strings.Index(stmt, "`_user_`"))
}

func TestGenerate_StarLeadsAndKeepsOtherFields(t *testing.T) {
	g := newTestGenerator(t)

	stmt, err := g.Generate("v1", "alice", nil, QueryParts{Fields: "*"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stmt, "SELECT * FROM"), stmt)

	// The star moves to the front; the other requested fields ride along.
	stmt, err = g.Generate("v1", "alice", nil, QueryParts{Fields: "COLOR,*,SHAPE"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stmt, "SELECT *,`COLOR`,`SHAPE` FROM"), stmt)

	stmt, err = g.Generate("v1", "alice", nil, QueryParts{Fields: "*,COUNT(*)"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stmt, "SELECT *,COUNT(*) FROM"), stmt)
}

func TestGenerate_AllowedFunctionsPassThrough(t *testing.T) {
	g := newTestGenerator(t)

	stmt, err := g.Generate("v1", "alice", nil, QueryParts{Fields: "COUNT(COLOR),upper(SHAPE)"})
	require.NoError(t, err)
	assert.Contains(t, stmt, "COUNT(COLOR)")
	assert.Contains(t, stmt, "upper(SHAPE)")
}

func TestGenerate_DisallowedFunctionRejected(t *testing.T) {
	g := newTestGenerator(t)

	var validation *domain.ValidationError
	_, err := g.Generate("v1", "alice", nil, QueryParts{Fields: "LOAD_FILE('/etc/passwd')"})
	require.Error(t, err)
	assert.ErrorAs(t, err, &validation)

	_, err = g.Generate("v1", "alice", nil, QueryParts{Order: "SLEEP(10)"})
	assert.ErrorAs(t, err, &validation)

	_, err = g.Generate("v1", "alice", nil, QueryParts{Grouping: "BENCHMARK(100,MD5(1))"})
	assert.ErrorAs(t, err, &validation)
}

func TestGenerate_ReservedStatementsBlocked(t *testing.T) {
	g := newTestGenerator(t)

	var validation *domain.ValidationError
	for _, conditions := range []string{
		"1=1; DROP TABLE users",
		"1=1) UNION SELECT 1 WHERE EXISTS (SELECT 1); DELETE FROM t WHERE (1=1",
		"COLOR = 'red' AND 1 IN (SELECT 1) OR delete from t",
		"insert into t values (1)",
	} {
		_, err := g.Generate("v1", "alice", nil, QueryParts{Conditions: conditions})
		require.Error(t, err, "conditions %q must be blocked", conditions)
		assert.ErrorAs(t, err, &validation)
	}
}

func TestGenerate_BackticksStripped(t *testing.T) {
	g := newTestGenerator(t)

	// An embedded backtick cannot break out of identifier quoting.
	stmt, err := g.Generate("v1", "alice", nil, QueryParts{Fields: "COL`OR"})
	require.NoError(t, err)
	assert.Contains(t, stmt, "`COLOR`")
	assert.NotContains(t, stmt, "``")
}

func TestGenerate_OrderDirections(t *testing.T) {
	g := newTestGenerator(t)

	stmt, err := g.Generate("v1", "alice", nil, QueryParts{Order: "COLOR DESC, SHAPE ASC, SIZE"})
	require.NoError(t, err)
	assert.Contains(t, stmt, "ORDER BY `COLOR` DESC,`SHAPE` ASC,`SIZE`")
}

func TestGenerate_Grouping(t *testing.T) {
	g := newTestGenerator(t)

	stmt, err := g.Generate("v1", "alice", nil, QueryParts{Fields: "COUNT(*),COLOR", Grouping: "COLOR"})
	require.NoError(t, err)
	assert.Contains(t, stmt, "GROUP BY `COLOR`")
}

func TestGenerate_RequiresViewAndOwner(t *testing.T) {
	g := newTestGenerator(t)

	var validation *domain.ValidationError
	_, err := g.Generate("", "alice", nil, QueryParts{})
	assert.ErrorAs(t, err, &validation)
	_, err = g.Generate("v1", "", nil, QueryParts{})
	assert.ErrorAs(t, err, &validation)
}

func TestNewSQLGenerator_BadPattern(t *testing.T) {
	_, err := NewSQLGenerator([]string{"("}, nil)
	require.Error(t, err)
	_, err = NewSQLGenerator(nil, []string{"("})
	require.Error(t, err)
}
