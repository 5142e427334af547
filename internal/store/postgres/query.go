package postgres

import (
	"fmt"

	"github.com/alanyoungcy/leverbot/internal/domain"
)

// query accumulates SQL text and positional arguments.
type query struct {
	sql  string
	args []any
}

func newQuery(base string, args ...any) *query {
	return &query{sql: base, args: args}
}

// next returns the placeholder for the next argument.
func (q *query) next(v any) string {
	q.args = append(q.args, v)
	return fmt.Sprintf("$%d", len(q.args))
}

// where appends " AND <cond>" with one placeholder substituted for %s.
func (q *query) where(cond string, v any) {
	q.sql += " AND " + fmt.Sprintf(cond, q.next(v))
}

func (q *query) raw(s string) {
	q.sql += s
}

func (q *query) page(opts domain.ListOpts) {
	if opts.Limit > 0 {
		q.sql += " LIMIT " + q.next(opts.Limit)
	}
	if opts.Offset > 0 {
		q.sql += " OFFSET " + q.next(opts.Offset)
	}
}
