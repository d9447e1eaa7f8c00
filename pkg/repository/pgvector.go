package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
	"gorm.io/gorm"

	"github.com/instill-ai/extraction-backend/pkg/types"
)

// pgVectorDatabase stores index units in Postgres through the pgvector
// extension, one table per collection.
type pgVectorDatabase struct {
	db *gorm.DB
}

// NewPGVectorDatabase returns a VectorDatabase implementation that writes to
// the given Postgres connection. The vector extension is created if it's
// missing.
func NewPGVectorDatabase(ctx context.Context, db *gorm.DB) (VectorDatabase, error) {
	if err := db.WithContext(ctx).Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("creating vector extension: %w", err)
	}
	return &pgVectorDatabase{db: db}, nil
}

func (p *pgVectorDatabase) CreateCollection(ctx context.Context, collectionName string, dimensionality int32) error {
	table := quoteIdent(collectionName)
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	%s VARCHAR(%d) PRIMARY KEY,
	%s vector(%d) NOT NULL,
	%s VARCHAR(%d) NOT NULL,
	%s VARCHAR(%d) NOT NULL,
	%s VARCHAR(%d) NOT NULL,
	%s BOOLEAN NOT NULL DEFAULT FALSE,
	%s TEXT NOT NULL,
	%s JSONB NOT NULL
)`,
		table,
		unitCollectionFieldUnitID, idMaxLength,
		unitCollectionFieldEmbedding, dimensionality,
		unitCollectionFieldTaskID, idMaxLength,
		unitCollectionFieldTenantID, idMaxLength,
		unitCollectionFieldCategory, idMaxLength,
		unitCollectionFieldInvalid,
		unitCollectionFieldText,
		unitCollectionFieldPayload,
	)

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec(stmt).Error; err != nil {
			return fmt.Errorf("creating collection table: %w", err)
		}
		idx := fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING hnsw (%s vector_cosine_ops)",
			quoteIdent(collectionName+"_embedding_idx"), table, unitCollectionFieldEmbedding)
		if err := tx.Exec(idx).Error; err != nil {
			return fmt.Errorf("creating collection index: %w", err)
		}
		return nil
	})
}

func (p *pgVectorDatabase) UpsertUnits(ctx context.Context, collectionName string, units []types.IndexUnit) error {
	if len(units) == 0 {
		return nil
	}

	cols, err := buildUnitColumns(units)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (%s) DO UPDATE SET %s`,
		quoteIdent(collectionName),
		strings.Join(pgColumns, ", "),
		unitCollectionFieldUnitID,
		pgUpdateSet(),
	)

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range units {
			err := tx.Exec(stmt,
				cols.unitIDs[i],
				pgvector.NewVector(cols.vectors[i]),
				cols.taskIDs[i],
				cols.tenantIDs[i],
				cols.categories[i],
				cols.invalid[i],
				cols.texts[i],
				string(cols.payloads[i]),
			).Error
			if err != nil {
				return fmt.Errorf("upserting unit %s: %w", cols.unitIDs[i], err)
			}
		}
		return nil
	})
}

// Close is a no-op, the gorm connection is owned by the caller.
func (p *pgVectorDatabase) Close(context.Context) error {
	return nil
}

var pgColumns = []string{
	unitCollectionFieldUnitID,
	unitCollectionFieldEmbedding,
	unitCollectionFieldTaskID,
	unitCollectionFieldTenantID,
	unitCollectionFieldCategory,
	unitCollectionFieldInvalid,
	unitCollectionFieldText,
	unitCollectionFieldPayload,
}

func pgUpdateSet() string {
	sets := make([]string, 0, len(pgColumns)-1)
	for _, c := range pgColumns[1:] {
		sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
	}
	return strings.Join(sets, ", ")
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
