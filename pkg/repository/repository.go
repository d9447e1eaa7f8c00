package repository

import (
	"gorm.io/gorm"
)

// Repository interface
type Repository interface {
	TaskStore
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a Repository backed by the given gorm connection.
func NewRepository(db *gorm.DB) Repository {
	return &repository{
		db: db,
	}
}

// Models returns the gorm models owned by the repository, in migration
// order.
func Models() []any {
	return []any{&TaskModel{}, &TaskProgressModel{}}
}
