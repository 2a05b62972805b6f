package changelog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// LockPhase is the local view of a lock handle.
type LockPhase int

const (
	Unlocked LockPhase = iota
	Acquiring
	Locked
)

func (p LockPhase) String() string {
	switch p {
	case Unlocked:
		return "unlocked"
	case Acquiring:
		return "acquiring"
	case Locked:
		return "locked"
	}
	return fmt.Sprintf("LockPhase(%d)", int(p))
}

// Locker даёт взаимное исключение между процессами, разделяющими БД.
// Назначение: не допустить одновременного применения change-set.
// Locker provides mutual exclusion across processes sharing a database.
// Purpose: prevent two runs from applying change-sets at once.
type Locker interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	Release()
	State() LockPhase
}

const releaseTimeout = 10 * time.Second

var _ Locker = (*TableLock)(nil)

// TableLock — блокировка через строку databasechangeloglock.
// TableLock is a Locker backed by the databasechangeloglock row.
type TableLock struct {
	driver Driver
	db     *sql.DB
	opts   options

	mu    sync.Mutex
	phase LockPhase
}

// NewTableLock создаёт блокировку на строке databasechangeloglock.
// Вход: драйвер, соединение, опции (владелец, интервал опроса, устаревание).
// Выход: *TableLock в состоянии Unlocked.
// NewTableLock creates a lock on the databasechangeloglock row.
// Input: driver, connection, options (owner, poll interval, stale age).
// Output: *TableLock in the Unlocked phase.
func NewTableLock(driver Driver, db *sql.DB, opts ...Option) *TableLock {
	o := newOptions(opts)
	if o.owner == "" {
		o.owner = defaultOwner()
	}
	return &TableLock{driver: driver, db: db, opts: o}
}

// Owner returns the identity this handle writes into the lock row.
func (l *TableLock) Owner() string { return l.opts.owner }

func (l *TableLock) State() LockPhase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// Acquire ждёт освобождения блокировки и захватывает её.
// Вход: ctx для отмены, timeout (0 означает одну попытку).
// Выход: nil, *LockTimeout, ErrLockNotReleased или ошибка БД/ctx.
// Назначение: получить эксклюзивное право на применение change-set.
// Acquire waits for the lock to become free and takes it.
// Input: ctx for cancellation, timeout (0 means a single attempt).
// Output: nil, *LockTimeout, ErrLockNotReleased or a database/ctx error.
// Purpose: obtain the exclusive right to apply change-sets.
func (l *TableLock) Acquire(ctx context.Context, timeout time.Duration) (err error) {
	l.mu.Lock()
	if l.phase != Unlocked {
		l.mu.Unlock()
		return ErrLockNotReleased
	}
	l.phase = Acquiring
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if err != nil {
			l.phase = Unlocked
		} else {
			l.phase = Locked
		}
		l.mu.Unlock()
	}()

	if err := l.driver.EnsureLock(ctx, l.db); err != nil {
		return fmt.Errorf("ensure databasechangeloglock: %w", err)
	}

	log := l.opts.logger.With(zap.String("owner", l.opts.owner))
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.opts.pollInterval)
	defer ticker.Stop()

	waiting := false
	for {
		ok, err := l.attempt(ctx, log)
		if err != nil {
			return err
		}
		if ok {
			log.Info("migration lock acquired")
			return nil
		}
		if !waiting {
			log.Info("waiting for migration lock", zap.Duration("timeout", timeout))
			waiting = true
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return l.timeout(ctx, timeout)
		case <-ticker.C:
		}
	}
}

// attempt tries the row once, breaking it first when it is stale.
func (l *TableLock) attempt(ctx context.Context, log *zap.Logger) (bool, error) {
	now := l.opts.now().UTC()
	ok, err := l.driver.TryLock(ctx, l.db, l.opts.owner, now)
	if err != nil || ok || l.opts.staleAfter <= 0 {
		if err != nil {
			return false, fmt.Errorf("try migration lock: %w", err)
		}
		return ok, nil
	}

	state, err := l.driver.LockState(ctx, l.db)
	if err != nil {
		return false, fmt.Errorf("read migration lock: %w", err)
	}
	if !state.Locked || now.Sub(state.GrantedAt) < l.opts.staleAfter {
		return false, nil
	}
	// Unlock by the observed owner so a fresh holder is never evicted.
	if err := l.driver.Unlock(ctx, l.db, state.LockedBy); err != nil {
		return false, fmt.Errorf("break stale migration lock: %w", err)
	}
	log.Warn("broke stale migration lock",
		zap.String("previous_owner", state.LockedBy),
		zap.Time("granted_at", state.GrantedAt),
	)
	ok, err = l.driver.TryLock(ctx, l.db, l.opts.owner, now)
	if err != nil {
		return false, fmt.Errorf("try migration lock: %w", err)
	}
	return ok, nil
}

func (l *TableLock) timeout(ctx context.Context, timeout time.Duration) error {
	lockErr := &LockTimeout{Timeout: timeout}
	if state, err := l.driver.LockState(ctx, l.db); err == nil && state.Locked {
		lockErr.LockedBy = state.LockedBy
		lockErr.Since = state.GrantedAt
	}
	return lockErr
}

// Release освобождает блокировку. Повторный вызов ничего не делает.
// Release frees the lock. Calling it again is a no-op.
func (l *TableLock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phase != Locked {
		return
	}
	l.phase = Unlocked

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := l.driver.Unlock(ctx, l.db, l.opts.owner); err != nil {
		l.opts.logger.Error("release migration lock", zap.String("owner", l.opts.owner), zap.Error(err))
		return
	}
	l.opts.logger.Info("migration lock released", zap.String("owner", l.opts.owner))
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + " (" + uuid.NewString() + ")"
}
