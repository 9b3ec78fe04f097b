package vectorindex

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

const deleteBatchSize = 500

// SQLiteVec keeps vectors in a vec0 virtual table partitioned by tenant and
// document text plus an insertion sequence in a companion table.
type SQLiteVec struct {
	db         *sql.DB
	dimensions int
	vecTable   string
	entryTable string
}

var _ Index = (*SQLiteVec)(nil)

// OpenSQLiteVec opens (or creates) the collection inside the database at path.
// Reopening an existing collection is a no-op migration.
func OpenSQLiteVec(ctx context.Context, path, collection string, dimensions int) (*SQLiteVec, error) {
	if path == "" {
		return nil, unavailable(fmt.Errorf("empty path"), "open sqlite vector index failed")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, unavailable(err, "create vector index directory failed")
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, unavailable(err, "open sqlite vector index failed")
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, unavailable(err, "ping sqlite vector index failed")
	}

	s := &SQLiteVec{
		db:         db,
		dimensions: dimensions,
		vecTable:   collection + "_vec",
		entryTable: collection + "_entries",
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteVec) migrate(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE VIRTUAL TABLE IF NOT EXISTS %s USING vec0(
	id TEXT PRIMARY KEY,
	tenant_id TEXT PARTITION KEY,
	source_filename TEXT,
	embedding float[%d] distance_metric=cosine
)`, s.vecTable, s.dimensions),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	tenant_id       TEXT NOT NULL,
	source_filename TEXT NOT NULL,
	document_text   TEXT NOT NULL
)`, s.entryTable),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_owner_idx ON %s (tenant_id, source_filename)`, s.entryTable, s.entryTable),
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable(err, "migrate sqlite vector index failed")
		}
	}
	return nil
}

func (s *SQLiteVec) Insert(ctx context.Context, entries []Entry) ([]string, error) {
	if err := validateEntries(s.dimensions, entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	ids := newIDs(len(entries))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err, "begin insert transaction failed")
	}
	defer func() { _ = tx.Rollback() }()

	entryStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, tenant_id, source_filename, document_text) VALUES (?, ?, ?, ?)`, s.entryTable))
	if err != nil {
		return nil, unavailable(err, "prepare entry insert failed")
	}
	defer entryStmt.Close()

	vecStmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, tenant_id, source_filename, embedding) VALUES (?, ?, ?, ?)`, s.vecTable))
	if err != nil {
		return nil, unavailable(err, "prepare vector insert failed")
	}
	defer vecStmt.Close()

	for i, e := range entries {
		blob, err := sqlite_vec.SerializeFloat32(e.Embedding)
		if err != nil {
			return nil, unavailable(err, "serialize embedding failed")
		}
		md := e.Metadata
		if _, err := entryStmt.ExecContext(ctx, ids[i], md.TenantID, md.SourceFilename, e.Text); err != nil {
			return nil, unavailable(err, "insert entry failed")
		}
		if _, err := vecStmt.ExecContext(ctx, ids[i], md.TenantID, md.SourceFilename, blob); err != nil {
			return nil, unavailable(err, "insert vector failed")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, unavailable(err, "commit insert failed")
	}
	return ids, nil
}

// maxKNN is the largest k a vec0 KNN query accepts.
const maxKNN = 4096

type scoredHit struct {
	hit Hit
	seq int64
}

// Search widens the KNN window until every row tied with the k-th distance
// is fetched, so ties across the cutoff resolve by insertion order.
func (s *SQLiteVec) Search(ctx context.Context, query []float32, filter Filter, k int) ([]Hit, error) {
	if err := validateSearch(s.dimensions, query, filter, k); err != nil {
		return nil, err
	}
	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, unavailable(err, "serialize query failed")
	}

	// one row past k shows whether the tie at the k-th distance continues
	window := min(k+1, maxKNN)
	var results []scoredHit
	for {
		results, err = s.knn(ctx, blob, filter, window)
		if err != nil {
			return nil, err
		}
		if len(results) <= k || len(results) < window || window == maxKNN {
			break
		}
		if results[len(results)-1].hit.Score != results[k-1].hit.Score {
			break
		}
		window = min(window*2, maxKNN)
	}

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].hit.Score != results[j].hit.Score {
			return results[i].hit.Score > results[j].hit.Score
		}
		return results[i].seq < results[j].seq
	})
	if len(results) > k {
		results = results[:k]
	}
	hits := make([]Hit, len(results))
	for i := range results {
		hits[i] = results[i].hit
	}
	return ownedBy(hits, filter), nil
}

// knn returns up to window rows in vec0 distance order.
func (s *SQLiteVec) knn(ctx context.Context, blob []byte, filter Filter, window int) ([]scoredHit, error) {
	knn := fmt.Sprintf(`SELECT id, distance FROM %s WHERE embedding MATCH ? AND k = ? AND tenant_id = ?`, s.vecTable)
	args := []any{blob, window, filter.TenantID}
	if filter.SourceFilename != "" {
		knn += ` AND source_filename = ?`
		args = append(args, filter.SourceFilename)
	}
	q := fmt.Sprintf(`WITH knn AS (%s)
SELECT knn.id, knn.distance, e.seq, e.tenant_id, e.source_filename, e.document_text
FROM knn
JOIN %s e ON e.id = knn.id
ORDER BY knn.distance, e.seq`, knn, s.entryTable)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, unavailable(err, "search vectors failed")
	}
	defer rows.Close()

	var results []scoredHit
	for rows.Next() {
		var (
			r        scoredHit
			distance float64
		)
		if err := rows.Scan(&r.hit.ID, &distance, &r.seq, &r.hit.Metadata.TenantID, &r.hit.Metadata.SourceFilename, &r.hit.Text); err != nil {
			return nil, unavailable(err, "scan vector result failed")
		}
		r.hit.Score = float32(1 - distance)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate vector results failed")
	}
	return results, nil
}

func (s *SQLiteVec) Delete(ctx context.Context, filter Filter) error {
	if err := validateDelete(filter); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err, "begin delete transaction failed")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT id FROM %s WHERE tenant_id = ? AND source_filename = ?`, s.entryTable), filter.TenantID, filter.SourceFilename)
	if err != nil {
		return unavailable(err, "select vectors to delete failed")
	}
	var ids []any
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return unavailable(err, "scan vector id failed")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return unavailable(err, "iterate vector ids failed")
	}

	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		batch := ids[start:end]
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, s.vecTable, placeholders), batch...); err != nil {
			return unavailable(err, "delete vectors failed")
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE tenant_id = ? AND source_filename = ?`, s.entryTable), filter.TenantID, filter.SourceFilename); err != nil {
		return unavailable(err, "delete entries failed")
	}

	if err := tx.Commit(); err != nil {
		return unavailable(err, "commit delete failed")
	}
	return nil
}

func (s *SQLiteVec) Owners(ctx context.Context) ([]Metadata, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT tenant_id, source_filename FROM %s ORDER BY tenant_id, source_filename`, s.entryTable))
	if err != nil {
		return nil, unavailable(err, "list vector owners failed")
	}
	defer rows.Close()

	var owners []Metadata
	for rows.Next() {
		var md Metadata
		if err := rows.Scan(&md.TenantID, &md.SourceFilename); err != nil {
			return nil, unavailable(err, "scan vector owner failed")
		}
		owners = append(owners, md)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err, "iterate vector owners failed")
	}
	return owners, nil
}

func (s *SQLiteVec) Count(ctx context.Context, filter Filter) (int, error) {
	q := fmt.Sprintf(`SELECT COUNT(*) FROM %s`, s.entryTable)
	var args []any
	if filter.TenantID != "" {
		q += ` WHERE tenant_id = ?`
		args = append(args, filter.TenantID)
		if filter.SourceFilename != "" {
			q += ` AND source_filename = ?`
			args = append(args, filter.SourceFilename)
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, unavailable(err, "count vectors failed")
	}
	return n, nil
}

// Ping reports whether the database is reachable.
func (s *SQLiteVec) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err, "ping sqlite vector index failed")
	}
	return nil
}

func (s *SQLiteVec) Close() error {
	return s.db.Close()
}
