package journal

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/nonceledger/internal/events"
	"go.uber.org/zap"
)

// advisoryLockKey serialises appends across every settlementd instance that
// shares the database.
const advisoryLockKey = int64(2_071_443_907)

const selectColumns = `idx, seq, kind, timestamp, data_hash, data, prev_hash, hash`

// PostgresJournal persists the chain in the event_journal table. The genesis
// row is inserted by the migration that creates the table.
type PostgresJournal struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a PostgresJournal backed by pool.
func NewPostgres(pool *pgxpool.Pool, logger *zap.Logger) *PostgresJournal {
	return &PostgresJournal{pool: pool, logger: logger}
}

// Append implements Journal. The tail read and the insert run in one
// transaction holding a transaction-scoped advisory lock.
func (j *PostgresJournal) Append(ctx context.Context, rec events.Record) (*Entry, error) {
	tx, err := j.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	prev := &Entry{}
	if err := tx.QueryRow(ctx,
		"SELECT idx, hash FROM event_journal ORDER BY idx DESC LIMIT 1",
	).Scan(&prev.Index, &prev.Hash); err != nil {
		return nil, fmt.Errorf("read journal tail: %w", err)
	}

	e, err := newEntry(prev, rec)
	if err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO event_journal (idx, seq, kind, timestamp, data_hash, data, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.Index, int64(e.Seq), e.Kind, e.Timestamp,
		e.DataHash, []byte(e.Data), e.PrevHash, e.Hash,
	); err != nil {
		return nil, fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit journal tx: %w", err)
	}

	j.logger.Debug("journal entry appended",
		zap.Int("idx", e.Index),
		zap.Uint64("seq", e.Seq),
		zap.String("kind", e.Kind),
	)
	return e, nil
}

// Get implements Journal.
func (j *PostgresJournal) Get(ctx context.Context, index int) (*Entry, error) {
	row := j.pool.QueryRow(ctx,
		`SELECT `+selectColumns+` FROM event_journal WHERE idx = $1`, index)
	e, err := scanEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: index %d", ErrEntryNotFound, index)
	}
	if err != nil {
		return nil, fmt.Errorf("get journal entry %d: %w", index, err)
	}
	return e, nil
}

// Len implements Journal.
func (j *PostgresJournal) Len(ctx context.Context) (int, error) {
	var n int
	if err := j.pool.QueryRow(ctx, "SELECT COUNT(*) FROM event_journal").Scan(&n); err != nil {
		return 0, fmt.Errorf("count journal entries: %w", err)
	}
	return n, nil
}

// Verify implements Journal. It streams the chain in index order.
func (j *PostgresJournal) Verify(ctx context.Context) error {
	rows, err := j.pool.Query(ctx,
		`SELECT `+selectColumns+` FROM event_journal ORDER BY idx ASC`)
	if err != nil {
		return fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var prev *Entry
	for rows.Next() {
		curr, err := scanEntry(rows)
		if err != nil {
			return fmt.Errorf("scan journal row: %w", err)
		}
		if err := verifyLink(prev, curr); err != nil {
			return err
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Journal.
func (j *PostgresJournal) Root(ctx context.Context) (string, error) {
	var hash string
	if err := j.pool.QueryRow(ctx,
		"SELECT hash FROM event_journal ORDER BY idx DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get journal root: %w", err)
	}
	return hash, nil
}

func scanEntry(row pgx.Row) (*Entry, error) {
	e := &Entry{}
	var seq int64
	var data []byte
	if err := row.Scan(
		&e.Index, &seq, &e.Kind, &e.Timestamp,
		&e.DataHash, &data, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Seq = uint64(seq)
	e.Data = data
	e.Timestamp = e.Timestamp.UTC()
	return e, nil
}
