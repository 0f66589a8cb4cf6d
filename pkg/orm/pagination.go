package orm

import "gorm.io/gorm"

// ApplyPagination applies offset/limit; page or limit <= 0 means no paging.
func ApplyPagination(db *gorm.DB, page, limit int) *gorm.DB {
	if page > 0 && limit > 0 {
		return db.Offset((page - 1) * limit).Limit(limit)
	}
	return db
}
