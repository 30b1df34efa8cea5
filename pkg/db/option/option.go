package option

import (
	"strings"

	"github.com/georgmattin/letscoldcall/pkg/db/pagination"
	"gorm.io/gorm"
)

// QueryOption mutates a gorm query before execution.
type QueryOption interface {
	Apply(db *gorm.DB) *gorm.DB
}

type queryOptionFunc func(db *gorm.DB) *gorm.DB

func (f queryOptionFunc) Apply(db *gorm.DB) *gorm.DB { return f(db) }

// ApplyPagination applies cursor pagination. It fetches one row beyond the
// page size so callers can detect whether more rows exist.
func ApplyPagination(p pagination.Pagination) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		limit := p.PageSize
		if limit <= 0 {
			limit = 50
		}
		db = db.Limit(limit + 1)

		token := strings.TrimSpace(p.PageToken)
		if token == "" {
			return db
		}
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return db
		}
		return db.Where("(created_at, id) < (?, ?)", cursor.CreatedAt, cursor.ID)
	})
}

// QuerySortBy restricts sortable columns to an allowlist.
type QuerySortBy struct {
	Allow   map[string]bool
	Column  string
	Descend bool
}

// WithSortBy orders results by an allowed column, newest first by default.
func WithSortBy(sort QuerySortBy) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		column := strings.TrimSpace(sort.Column)
		if column == "" || !sort.Allow[column] {
			column = "created_at"
		}
		direction := "DESC"
		if !sort.Descend && sort.Column != "" {
			direction = "ASC"
		}
		return db.Order(column + " " + direction).Order("id DESC")
	})
}

// WithLimit caps the number of rows returned.
func WithLimit(limit int) QueryOption {
	return queryOptionFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}
