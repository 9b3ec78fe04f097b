package vectorindex

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// PGVector stores the collection in one postgres table using the vector
// extension. The bigserial seq column breaks similarity ties.
type PGVector struct {
	db         *gorm.DB
	dimensions int
	table      string
}

var _ Index = (*PGVector)(nil)

type pgRow struct {
	Seq            int64           `gorm:"column:seq;->"`
	ID             string          `gorm:"column:id"`
	TenantID       string          `gorm:"column:tenant_id"`
	SourceFilename string          `gorm:"column:source_filename"`
	DocumentText   string          `gorm:"column:document_text"`
	Embedding      pgvector.Vector `gorm:"column:embedding"`
}

type pgHit struct {
	Seq            int64   `gorm:"column:seq"`
	ID             string  `gorm:"column:id"`
	TenantID       string  `gorm:"column:tenant_id"`
	SourceFilename string  `gorm:"column:source_filename"`
	DocumentText   string  `gorm:"column:document_text"`
	Similarity     float64 `gorm:"column:similarity"`
}

func OpenPGVector(ctx context.Context, dsn, collection string, dimensions int) (*PGVector, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, unavailable(err, "open pgvector index failed")
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, unavailable(err, "get pgvector sql db failed")
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxLifetime(time.Hour)

	p := &PGVector{db: db, dimensions: dimensions, table: collection}
	if err := p.migrate(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return p, nil
}

func (p *PGVector) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq             BIGSERIAL PRIMARY KEY,
	id              UUID NOT NULL UNIQUE,
	tenant_id       TEXT NOT NULL,
	source_filename TEXT NOT NULL,
	document_text   TEXT NOT NULL,
	embedding       vector(%d) NOT NULL
)`, p.table, p.dimensions),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_owner_idx ON %s (tenant_id, source_filename)`, p.table, p.table),
	}
	for _, stmt := range stmts {
		if err := p.db.WithContext(ctx).Exec(stmt).Error; err != nil {
			return unavailable(err, "migrate pgvector index failed")
		}
	}
	return nil
}

func (p *PGVector) Insert(ctx context.Context, entries []Entry) ([]string, error) {
	if err := validateEntries(p.dimensions, entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	ids := newIDs(len(entries))
	rows := make([]pgRow, len(entries))
	for i, e := range entries {
		rows[i] = pgRow{
			ID:             ids[i],
			TenantID:       e.Metadata.TenantID,
			SourceFilename: e.Metadata.SourceFilename,
			DocumentText:   e.Text,
			Embedding:      pgvector.NewVector(e.Embedding),
		}
	}
	if err := p.db.WithContext(ctx).Table(p.table).Create(&rows).Error; err != nil {
		return nil, unavailable(err, "insert vectors failed")
	}
	return ids, nil
}

func (p *PGVector) Search(ctx context.Context, query []float32, filter Filter, k int) ([]Hit, error) {
	if err := validateSearch(p.dimensions, query, filter, k); err != nil {
		return nil, err
	}
	vec := pgvector.NewVector(query)

	q := p.db.WithContext(ctx).
		Table(p.table).
		Select("seq, id, tenant_id, source_filename, document_text, 1 - (embedding <=> ?) AS similarity", vec).
		Where("tenant_id = ?", filter.TenantID)
	if filter.SourceFilename != "" {
		q = q.Where("source_filename = ?", filter.SourceFilename)
	}

	var rows []pgHit
	if err := q.Order("similarity DESC, seq ASC").Limit(k).Scan(&rows).Error; err != nil {
		return nil, unavailable(err, "search vectors failed")
	}

	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{
			ID:       r.ID,
			Text:     r.DocumentText,
			Metadata: Metadata{TenantID: r.TenantID, SourceFilename: r.SourceFilename},
			Score:    float32(r.Similarity),
		}
	}
	return ownedBy(hits, filter), nil
}

func (p *PGVector) Delete(ctx context.Context, filter Filter) error {
	if err := validateDelete(filter); err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DELETE FROM %s WHERE tenant_id = ? AND source_filename = ?`, p.table)
	if err := p.db.WithContext(ctx).Exec(stmt, filter.TenantID, filter.SourceFilename).Error; err != nil {
		return unavailable(err, "delete vectors failed")
	}
	return nil
}

func (p *PGVector) Owners(ctx context.Context) ([]Metadata, error) {
	var owners []Metadata
	err := p.db.WithContext(ctx).
		Table(p.table).
		Distinct("tenant_id", "source_filename").
		Order("tenant_id, source_filename").
		Scan(&owners).Error
	if err != nil {
		return nil, unavailable(err, "list vector owners failed")
	}
	return owners, nil
}

func (p *PGVector) Count(ctx context.Context, filter Filter) (int, error) {
	q := p.db.WithContext(ctx).Table(p.table)
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
		if filter.SourceFilename != "" {
			q = q.Where("source_filename = ?", filter.SourceFilename)
		}
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, unavailable(err, "count vectors failed")
	}
	return int(n), nil
}

func (p *PGVector) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return unavailable(err, "get pgvector sql db failed")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return unavailable(err, "ping pgvector index failed")
	}
	return nil
}

func (p *PGVector) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
