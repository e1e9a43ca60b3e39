package storage

import (
	"fmt"
	"strings"
)

// query builds the SELECT statements used by the history readers.
type query struct {
	table   string
	columns []string
	where   []string
	args    []any
	orderBy []string
	limit   int
}

func selectFrom(table string, columns ...string) *query {
	return &query{table: table, columns: columns}
}

// eq adds "column = ?". Empty strings are skipped so an unset filter matches everything.
func (q *query) eq(column string, value any) *query {
	if s, ok := value.(string); ok && s == "" {
		return q
	}
	return q.cond(column+" = ?", value)
}

func (q *query) cond(expr string, args ...any) *query {
	q.where = append(q.where, expr)
	q.args = append(q.args, args...)
	return q
}

// order adds ORDER BY columns; a "-" prefix sorts descending.
func (q *query) order(columns ...string) *query {
	for _, c := range columns {
		if strings.HasPrefix(c, "-") {
			c = c[1:] + " DESC"
		}
		q.orderBy = append(q.orderBy, c)
	}
	return q
}

func (q *query) take(n int) *query {
	q.limit = n
	return q
}

func (q *query) build() (string, []any, error) {
	if q.table == "" {
		return "", nil, fmt.Errorf("table name is required")
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	if len(q.columns) == 0 {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(q.columns, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(q.table)

	args := append([]any(nil), q.args...)
	if len(q.where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(q.where, " AND "))
	}
	if len(q.orderBy) > 0 {
		b.WriteString(" ORDER BY ")
		b.WriteString(strings.Join(q.orderBy, ", "))
	}
	if q.limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.limit)
	}
	return b.String(), args, nil
}
