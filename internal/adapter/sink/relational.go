package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jgivc/dumpsearch/internal/entity"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const defaultBatchSize = 500

// RouteRow is the relational shape of a record.
type RouteRow struct {
	ID             uint      `gorm:"primaryKey"`
	RunID          string    `gorm:"index;not null"`
	SourceID       string    `gorm:"index"`
	Timestamp      time.Time `gorm:"index;not null"`
	Kind           string    `gorm:"not null"`
	PeerAddress    string
	PeerID         uint32
	Prefix         string `gorm:"index;not null"`
	NextHop        string
	Path           string
	OriginIDs      string
	Origin         string
	LocalPref      *uint32
	MED            *uint32
	Communities    string
	Atomic         bool
	AggregatorID   *uint32
	AggregatorAddr string
}

func (RouteRow) TableName() string {
	return "routes"
}

func toRow(runID string, rec *entity.Record, sourceID string) RouteRow {
	return RouteRow{
		RunID:          runID,
		SourceID:       sourceID,
		Timestamp:      rec.Timestamp.UTC(),
		Kind:           string(rec.Kind),
		PeerAddress:    addr(rec.PeerAddress),
		PeerID:         rec.PeerID,
		Prefix:         rec.Prefix.String(),
		NextHop:        addr(rec.NextHop),
		Path:           entity.FormatPath(rec.Path),
		OriginIDs:      entity.FormatPath(rec.OriginIDs),
		Origin:         rec.Origin,
		LocalPref:      rec.LocalPref,
		MED:            rec.MED,
		Communities:    strings.Join(rec.Communities, " "),
		Atomic:         rec.Atomic,
		AggregatorID:   rec.AggregatorID,
		AggregatorAddr: addr(rec.AggregatorAddr),
	}
}

// Relational exports records into a SQL table with batched inserts. A DSN
// starting with postgres:// or postgresql:// selects PostgreSQL, anything
// else is a SQLite file path.
type Relational struct {
	dsn       string
	runID     string
	batchSize int
	db        *gorm.DB
	batch     []RouteRow
}

func NewRelational(ctx context.Context, dsn, runID string, batchSize int) (*Relational, error) {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	db, err := gorm.Open(dialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Close must flush the last batch after the run context is cancelled.
	db = db.WithContext(context.WithoutCancel(ctx))

	if err := db.AutoMigrate(&RouteRow{}); err != nil {
		return nil, fmt.Errorf("cannot migrate database: %w", err)
	}

	return &Relational{
		dsn:       dsn,
		runID:     runID,
		batchSize: batchSize,
		db:        db,
		batch:     make([]RouteRow, 0, batchSize),
	}, nil
}

func dialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return postgres.Open(dsn)
	}

	return sqlite.Open(dsn)
}

func (r *Relational) Name() string {
	if dialector(r.dsn).Name() == "postgres" {
		return "relational:postgres"
	}

	return "relational:" + r.dsn
}

func (r *Relational) WriteRecord(rec *entity.Record, sourceID string) error {
	r.batch = append(r.batch, toRow(r.runID, rec, sourceID))
	if len(r.batch) >= r.batchSize {
		return r.flush()
	}

	return nil
}

// WriteLine is a no-op: rows only hold records.
func (r *Relational) WriteLine(_ string) error {
	return nil
}

func (r *Relational) flush() error {
	if len(r.batch) == 0 {
		return nil
	}

	if err := r.db.CreateInBatches(r.batch, r.batchSize).Error; err != nil {
		return fmt.Errorf("cannot insert %d rows: %w", len(r.batch), err)
	}

	r.batch = r.batch[:0]

	return nil
}

func (r *Relational) Close() error {
	err := r.flush()

	sqlDB, dbErr := r.db.DB()
	if dbErr != nil {
		if err == nil {
			err = dbErr
		}

		return err
	}

	if cerr := sqlDB.Close(); err == nil {
		err = cerr
	}

	return err
}
