package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"

	"github.com/lib/pq"

	"github.com/reelhouse/catalog/policy-engine/internal/models"
)

// PGSource reads catalog_items with keyset pagination on id, so a pass stays
// stable while the ingester keeps upserting rows.
type PGSource struct {
	db *sql.DB
}

func NewPGSource(db *sql.DB) *PGSource {
	return &PGSource{db: db}
}

const (
	itemColumns = `id, title, media_type, regions, languages, providers, imdb_votes, trakt_votes,
		quality_score_normalized, ratings, relevance_score`
	itemColumnCount = 11
)

func (s *PGSource) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_items`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count catalog items: %w", err)
	}
	return n, nil
}

func (s *PGSource) Open(ctx context.Context, batchSize int) (Cursor, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("open catalog cursor: batch size must be positive, got %d", batchSize)
	}
	return &pgCursor{db: s.db, batch: batchSize}, nil
}

func (s *PGSource) EligibleIDs(ctx context.Context) (map[string]struct{}, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM catalog_items WHERE eligible ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query eligible ids: %w", err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan eligible id: %w", err)
		}
		out[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate eligible ids: %w", err)
	}
	return out, nil
}

type pgCursor struct {
	db     *sql.DB
	batch  int
	lastID string
	done   bool
}

func (c *pgCursor) Next(ctx context.Context) ([]models.CatalogItem, error) {
	if c.done {
		return nil, io.EOF
	}
	rows, err := c.db.QueryContext(ctx, `
		SELECT `+itemColumns+`
		FROM catalog_items
		WHERE id > $1
		ORDER BY id
		LIMIT $2
	`, c.lastID, c.batch)
	if err != nil {
		return nil, fmt.Errorf("query catalog batch after %q: %w", c.lastID, err)
	}
	defer rows.Close()

	items := make([]models.CatalogItem, 0, c.batch)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			// the row still counts; the evaluator reports it as an item error
			item = models.CatalogItem{ID: rawID(rows), DecodeProblem: err.Error()}
		}
		if item.ID != "" {
			c.lastID = item.ID
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate catalog batch: %w", err)
	}
	if len(items) < c.batch {
		c.done = true
	}
	if len(items) == 0 {
		return nil, io.EOF
	}
	return items, nil
}

func (c *pgCursor) Close() error {
	c.done = true
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanItem decodes one catalog row. Nullable columns map to zero values or nil
// pointers. A row that scans but carries unparsable ratings comes back with
// DecodeProblem set.
func scanItem(row rowScanner) (models.CatalogItem, error) {
	var (
		item      models.CatalogItem
		id        sql.NullString
		title     sql.NullString
		mediaType sql.NullString
		regions   pq.StringArray
		languages pq.StringArray
		providers pq.StringArray
		imdb      sql.NullInt64
		trakt     sql.NullInt64
		quality   sql.NullFloat64
		ratings   []byte
		relevance sql.NullFloat64
	)
	if err := row.Scan(
		&id,
		&title,
		&mediaType,
		&regions,
		&languages,
		&providers,
		&imdb,
		&trakt,
		&quality,
		&ratings,
		&relevance,
	); err != nil {
		return models.CatalogItem{}, fmt.Errorf("scan catalog item: %w", err)
	}
	item.ID = id.String
	item.Title = title.String
	item.MediaType = mediaType.String
	item.Regions = []string(regions)
	item.Languages = []string(languages)
	item.Providers = []string(providers)
	if imdb.Valid {
		v := imdb.Int64
		item.ImdbVotes = &v
	}
	if trakt.Valid {
		v := trakt.Int64
		item.TraktVotes = &v
	}
	if quality.Valid {
		v := quality.Float64
		item.QualityScoreNormalized = &v
	}
	item.RelevanceScore = relevance.Float64
	if len(ratings) > 0 {
		var parsed map[models.RatingSource]float64
		if err := json.Unmarshal(ratings, &parsed); err != nil {
			item.DecodeProblem = fmt.Sprintf("ratings: %v", err)
		} else {
			item.Ratings = parsed
		}
	}
	return item, nil
}

// rawID rescans the current row without conversions to recover the id of a
// row scanItem rejected.
func rawID(row rowScanner) string {
	dest := make([]interface{}, itemColumnCount)
	for i := range dest {
		dest[i] = new(interface{})
	}
	if err := row.Scan(dest...); err != nil {
		return ""
	}
	switch v := (*dest[0].(*interface{})).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}
