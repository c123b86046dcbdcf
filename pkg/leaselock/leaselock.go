// Package leaselock lets one run at a time use a FamilySearch account,
// across all worker processes. A run holds a row in session_leases for its
// account and renews it while it downloads; an expired row may be taken over
// by the next run.
package leaselock

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"strings"
	"time"

	"github.com/OFFIS-RIT/kinfetch/pkg/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

var (
	ErrBusy         = errors.New("session lease busy")
	ErrLost         = errors.New("session lease lost")
	ErrEmptyAccount = errors.New("session lease account is empty")
)

type dbConn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Client struct {
	db dbConn
}

// Options tune a run lease. Holder is the run id; a random token is
// appended so a redelivered run never shares a holder with its earlier
// attempt.
type Options struct {
	TTL        time.Duration
	RenewEvery time.Duration

	Wait         bool
	WaitInterval time.Duration
	WaitJitter   time.Duration

	Holder string
}

// Lease is the hold of one run on an account.
type Lease struct {
	Account string
	Holder  string

	// Context is cancelled when the run releases or loses the lease.
	Context context.Context

	client *Client
	cancel context.CancelCauseFunc

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(pool *pgxpool.Pool) *Client {
	return &Client{db: pool}
}

// WithLease runs fn while the run holds the lease on account. fn's context
// ends with cause ErrLost once another run has taken the account over.
func (c *Client) WithLease(ctx context.Context, account string, opts Options, fn func(ctx context.Context) error) error {
	lease, err := c.Acquire(ctx, account, opts)
	if err != nil {
		return err
	}
	defer func() {
		_ = lease.Release(context.Background())
	}()
	return fn(lease.Context)
}

func (o Options) normalize() Options {
	if o.TTL <= 0 {
		o.TTL = 5 * time.Minute
	}
	if o.RenewEvery <= 0 || o.RenewEvery >= o.TTL {
		o.RenewEvery = max(o.TTL/2, time.Second)
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = time.Second
	}
	if o.WaitJitter < 0 {
		o.WaitJitter = 0
	}
	return o
}

// Acquire takes the lease on account for the run named in opts.Holder.
// With opts.Wait it waits for the run holding the account to finish,
// otherwise it fails with ErrBusy.
func (c *Client) Acquire(ctx context.Context, account string, opts Options) (*Lease, error) {
	if account == "" {
		return nil, ErrEmptyAccount
	}
	opts = opts.normalize()
	ttlMs := opts.TTL.Milliseconds()

	tok, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	holder := tok
	if opts.Holder != "" {
		holder = opts.Holder + ":" + tok
	}

	for waited := false; ; waited = true {
		ok, err := c.tryAcquire(ctx, account, holder, ttlMs)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
		if !opts.Wait {
			return nil, ErrBusy
		}
		if !waited {
			c.logHolder(ctx, account)
		}
		if err := sleepWithJitter(ctx, opts.WaitInterval, opts.WaitJitter); err != nil {
			return nil, err
		}
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	l := &Lease{
		Account: account,
		Holder:  holder,
		Context: leaseCtx,
		client:  c,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}

	go l.renewLoop(opts.RenewEvery, ttlMs)

	return l, nil
}

func (c *Client) tryAcquire(ctx context.Context, account, holder string, ttlMs int64) (bool, error) {
	var returned string
	err := c.db.QueryRow(ctx, tryAcquireSQL, account, holder, ttlMs).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return returned != "", nil
}

// Holder returns the holder of the live lease on account, or "" when the
// account is free.
func (c *Client) Holder(ctx context.Context, account string) (string, error) {
	var holder string
	err := c.db.QueryRow(ctx, holderSQL, account).Scan(&holder)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return holder, err
}

func (c *Client) logHolder(ctx context.Context, account string) {
	holder, err := c.Holder(ctx, account)
	if err != nil {
		logger.Warn("[Lease] Failed to look up account holder", "err", err)
		return
	}
	logger.Info("[Lease] Account in use, waiting", "run_id", RunID(holder))
}

// RunID returns the run id part of a holder.
func RunID(holder string) string {
	i := strings.LastIndexByte(holder, ':')
	if i < 0 {
		return ""
	}
	return holder[:i]
}

// Release gives the account back so the next run can take it.
func (l *Lease) Release(ctx context.Context) error {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.cancel(context.Canceled)
	})

	_, err := l.client.db.Exec(ctx, releaseSQL, l.Account, l.Holder)
	return err
}

func (l *Lease) renewLoop(every time.Duration, ttlMs int64) {
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-l.stopCh:
			return
		case <-l.Context.Done():
			return
		case <-t.C:
			if err := l.renewOnce(ttlMs); err != nil {
				l.cancel(err)
				return
			}
		}
	}
}

func (l *Lease) renewOnce(ttlMs int64) error {
	for attempt := range 3 {
		renewCtx, cancel := context.WithTimeout(l.Context, 15*time.Second)
		var returned string
		err := l.client.db.QueryRow(renewCtx, renewSQL, l.Account, l.Holder, ttlMs).Scan(&returned)
		cancel()
		if err == nil {
			return nil
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLost
		}
		if attempt == 2 {
			return err
		}
		if err := sleepWithJitter(l.Context, 200*time.Millisecond, 0); err != nil {
			return err
		}
	}
	return ErrLost
}

func sleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	d := base
	if jitter > 0 {
		d += time.Duration(rand.Int64N(int64(jitter) + 1))
	}
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

const tryAcquireSQL = `
INSERT INTO session_leases (account, holder, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (account) DO UPDATE
SET holder     = EXCLUDED.holder,
    expires_at = EXCLUDED.expires_at
WHERE session_leases.expires_at < now()
   OR session_leases.holder = EXCLUDED.holder
RETURNING account;
`

const holderSQL = `
SELECT holder FROM session_leases
WHERE account = $1 AND expires_at >= now();
`

const renewSQL = `
UPDATE session_leases
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE account = $1 AND holder = $2
RETURNING account;
`

const releaseSQL = `
DELETE FROM session_leases
WHERE account = $1 AND holder = $2;
`
