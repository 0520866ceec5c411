package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/dvloznov/finance-etl/internal/domain"
)

const releaseTimeout = 5 * time.Second

// OwnerLocks implements pipeline.OwnerLocker with session-level advisory
// locks. Each held lock pins one pooled connection until it is released, so
// the lock dies with the connection if the process does.
type OwnerLocks struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewOwnerLocks creates a lock set over db.
func NewOwnerLocks(db *gorm.DB, log zerolog.Logger) *OwnerLocks {
	return &OwnerLocks{db: db, log: log}
}

// TryLock implements pipeline.OwnerLocker.
func (l *OwnerLocks) TryLock(ctx context.Context, ownerID string) (func(), error) {
	sqlDB, err := l.db.DB()
	if err != nil {
		return nil, fmt.Errorf("TryLock: getting sql.DB: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("TryLock: acquiring connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, ownerID).Scan(&acquired); err != nil {
		conn.Close()
		return nil, fmt.Errorf("TryLock: locking owner %s: %w", ownerID, err)
	}
	if !acquired {
		conn.Close()
		return nil, domain.ErrRunInProgress
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(conn, ownerID) })
	}, nil
}

func (l *OwnerLocks) release(conn *sql.Conn, ownerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, ownerID); err != nil {
		l.log.Warn().Err(err).Str("owner_id", ownerID).Msg("advisory unlock failed, discarding connection")
		// ErrBadConn makes the pool close the session, which drops the lock.
		_ = conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	if err := conn.Close(); err != nil {
		l.log.Warn().Err(err).Str("owner_id", ownerID).Msg("closing lock connection failed")
	}
}
