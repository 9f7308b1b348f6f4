package option

import (
	"fmt"
	"strings"

	"github.com/nsxo/enterprise-telegram-bot/pkg/db/pagination"
	"gorm.io/gorm"
)

type Operator string

const (
	EQ  Operator = "="
	GT  Operator = ">"
	GTE Operator = ">="
	LT  Operator = "<"
	LTE Operator = "<="
)

// QueryOption mutates a gorm statement before execution.
type QueryOption interface {
	Apply(stmt *gorm.DB) *gorm.DB
}

type queryOptionFunc func(stmt *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(stmt *gorm.DB) *gorm.DB {
	return f(stmt)
}

// ApplyPagination applies cursor pagination. It fetches one row beyond the
// page size so callers can detect whether more rows exist.
func ApplyPagination(page pagination.Pagination) QueryOption {
	return queryOptionFunc(func(stmt *gorm.DB) *gorm.DB {
		size := page.PageSize
		if size <= 0 {
			size = 25
		}
		if page.PageToken != "" {
			cursor, err := pagination.DecodeCursor(page.PageToken)
			if err == nil && cursor.CreatedAt != "" {
				stmt = stmt.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
			}
		}
		return stmt.Limit(size + 1)
	})
}

type QuerySortBy struct {
	SortBy  string
	OrderBy string
	Allow   map[string]bool
}

func WithQuerySortBy(sortBy, orderBy string, allow map[string]bool) QuerySortBy {
	return QuerySortBy{SortBy: sortBy, OrderBy: orderBy, Allow: allow}
}

// WithSortBy orders results by an allow-listed column. Unknown columns fall
// back to created_at to keep user input out of the ORDER BY clause.
func WithSortBy(s QuerySortBy) QueryOption {
	return queryOptionFunc(func(stmt *gorm.DB) *gorm.DB {
		sortBy := s.SortBy
		if sortBy == "" || !s.Allow[sortBy] {
			sortBy = "created_at"
		}
		orderBy := strings.ToLower(s.OrderBy)
		if orderBy != "asc" && orderBy != "desc" {
			orderBy = "desc"
		}
		return stmt.Order(fmt.Sprintf("%s %s, id %s", sortBy, orderBy, orderBy))
	})
}

type Condition struct {
	Field    string
	Value    any
	Operator Operator
}

func ApplyOperator(c Condition) QueryOption {
	return queryOptionFunc(func(stmt *gorm.DB) *gorm.DB {
		op := c.Operator
		if op == "" {
			op = EQ
		}
		return stmt.Where(fmt.Sprintf("%s %s ?", c.Field, op), c.Value)
	})
}
