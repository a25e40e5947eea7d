package mq

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// Postgres is a Queue backed by a PostgreSQL table. Rows are claimed with
// FOR UPDATE SKIP LOCKED and held for the duration of the handler; the
// DELETE commits only after the handler returns, so a crashed worker's
// claim rolls back and the row is redelivered. Ordering keys are
// serialized across all processes via session advisory locks keyed by
// (hashtext(table), hashtext(orderingKey)).
type Postgres struct {
	db    *sql.DB
	table string
	poll  time.Duration
}

// NewPostgres wraps an existing connection pool. The table is created by
// Migrate.
func NewPostgres(db *sql.DB, table string) *Postgres {
	return &Postgres{db: db, table: table, poll: time.Second}
}

// Migrate creates the backing table if it does not exist.
func (p *Postgres) Migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		id           UUID PRIMARY KEY,
		body         BYTEA NOT NULL,
		ordering_key TEXT,
		not_before   TIMESTAMPTZ NOT NULL,
		attempt      INT NOT NULL DEFAULT 0
	)`, p.table)
	if _, err := p.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrQueue, err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_not_before ON %s (not_before)`, p.table, p.table)
	if _, err := p.db.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("%w: migrate: %v", ErrQueue, err)
	}
	return nil
}

func (p *Postgres) Enqueue(ctx context.Context, body []byte, opts *EnqueueOptions) error {
	return p.insert(ctx, p.db, body, opts, 0)
}

func (p *Postgres) EnqueueMany(ctx context.Context, bodies [][]byte, opts *EnqueueOptions) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: enqueue many: %v", ErrQueue, err)
	}
	defer tx.Rollback()
	for _, body := range bodies {
		if err := p.insert(ctx, tx, body, opts, 0); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: enqueue many: %v", ErrQueue, err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (p *Postgres) insert(ctx context.Context, db execer, body []byte, opts *EnqueueOptions, attempt int) error {
	q := fmt.Sprintf(`INSERT INTO %s (id, body, ordering_key, not_before, attempt)
		VALUES ($1, $2, NULLIF($3, ''), now() + $4 * interval '1 millisecond', $5)`, p.table)
	_, err := db.ExecContext(ctx, q,
		uuid.NewString(), body, orderingKeyOf(opts), delayOf(opts).Milliseconds(), attempt)
	if err != nil {
		return fmt.Errorf("%w: enqueue: %v", ErrQueue, err)
	}
	return nil
}

// Listen polls for eligible rows until ctx is cancelled. Each listener
// holds a dedicated session so advisory locks are acquired and released
// on the same connection.
func (p *Postgres) Listen(ctx context.Context, handler Handler) error {
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("%w: listen: %v", ErrQueue, err)
	}
	defer conn.Close()

	for {
		processed, err := p.claimOne(ctx, conn, handler)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("queue poll failed", "table", p.table, "error", err)
		}
		if ctx.Err() != nil {
			return nil
		}
		if !processed {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.poll):
			}
		}
	}
}

// claimOne claims and processes at most one message. The advisory lock
// for an ordering key is taken explicitly per candidate row, never inside
// the WHERE clause: evaluating pg_try_advisory_lock as a row filter
// acquires the lock once per scanned candidate while the caller releases
// once, leaking holds until the session dies. Here every successful
// acquire is paired with exactly one release.
func (p *Postgres) claimOne(ctx context.Context, conn *sql.Conn, handler Handler) (bool, error) {
	// The transaction must survive ctx cancellation mid-handler so the
	// acknowledgment can still commit; the statements before the handler
	// keep ctx, so shutdown interrupts an idle claim.
	tx, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return false, err
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	q := fmt.Sprintf(`SELECT id, body, ordering_key, attempt FROM %s
		WHERE not_before <= now()
		ORDER BY not_before
		LIMIT 16
		FOR UPDATE SKIP LOCKED`, p.table)
	rows, err := tx.QueryContext(ctx, q)
	if err != nil {
		return false, err
	}

	type candidate struct {
		id      string
		body    []byte
		key     sql.NullString
		attempt int
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.body, &c.key, &c.attempt); err != nil {
			rows.Close()
			return false, err
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return false, err
	}

	var claimed *candidate
	lockHeld := false
	for i := range candidates {
		c := &candidates[i]
		if c.key.Valid {
			var got bool
			lockQ := fmt.Sprintf(`SELECT pg_try_advisory_lock(hashtext('%s'), hashtext($1))`, p.table)
			if err := tx.QueryRowContext(ctx, lockQ, c.key.String).Scan(&got); err != nil {
				return false, err
			}
			if !got {
				continue // another session holds this ordering key
			}
			lockHeld = true
		}
		claimed = c
		break
	}
	if claimed == nil {
		return false, nil
	}

	msg := &Message{
		ID:          claimed.id,
		Body:        claimed.body,
		OrderingKey: claimed.key.String,
		Attempt:     claimed.attempt,
	}

	// The handler runs inside the claiming transaction: the row lock
	// (and the advisory lock, if any) keeps the message invisible to
	// other listeners, and committing the DELETE is the acknowledgment.
	// A crash here rolls the claim back and the row is redelivered.
	handlerErr := handler(ctx, msg)

	ackCtx := context.WithoutCancel(ctx)
	var ack string
	var args []any
	if handlerErr != nil {
		ack = fmt.Sprintf(`UPDATE %s SET not_before = now() + $2 * interval '1 millisecond',
			attempt = attempt + 1 WHERE id = $1`, p.table)
		args = []any{claimed.id, redeliveryDelay.Milliseconds()}
	} else {
		ack = fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, p.table)
		args = []any{claimed.id}
	}
	if _, err := tx.ExecContext(ackCtx, ack, args...); err != nil {
		if lockHeld {
			p.unlock(ctx, conn, claimed.key.String)
		}
		return true, err
	}
	if err := tx.Commit(); err != nil {
		if lockHeld {
			p.unlock(ctx, conn, claimed.key.String)
		}
		return true, err
	}
	committed = true

	if lockHeld {
		// Exactly one unlock per acquired lock.
		p.unlock(ctx, conn, claimed.key.String)
	}
	return true, nil
}

func (p *Postgres) unlock(ctx context.Context, conn *sql.Conn, key string) {
	q := fmt.Sprintf(`SELECT pg_advisory_unlock(hashtext('%s'), hashtext($1))`, p.table)
	var released bool
	if err := conn.QueryRowContext(context.WithoutCancel(ctx), q, key).Scan(&released); err != nil {
		slog.Error("advisory unlock failed", "key", key, "error", err)
		return
	}
	if !released {
		slog.Error("advisory unlock released nothing", "key", key)
	}
}
