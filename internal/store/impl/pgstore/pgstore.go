package pgstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/busrelay/internal/store"
)

var columns = []string{"bus_id", "user_id", "latitude", "longitude", "accuracy", "gps_time", "server_time"}

// Copier is the part of pgxpool.Pool the store needs.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type Execer interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
}

type StoreConfig struct {
	BufSize      int
	QueueSize    int
	TickerDur    time.Duration
	MaxAgeFlush  time.Duration
	FlushTimeout time.Duration
}

type Stats struct {
	Written uint64
	Failed  uint64
	Dropped uint64
}

// Store batches location history and writes it with COPY. Batches go out
// when full, when the oldest record is older than MaxAgeFlush, and on
// Close.
type Store struct {
	config *StoreConfig
	db     Copier
	table  string
	log    log.Logger
	in     chan store.LocationRecord
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once

	written uint64
	failed  uint64
	dropped uint64
}

func NewStore(db Copier, table string, config *StoreConfig) *Store {
	o := &Store{}
	o.config = config
	if o.config.BufSize <= 0 {
		o.config.BufSize = 100
	}
	if o.config.QueueSize <= 0 {
		o.config.QueueSize = 4 * o.config.BufSize
	}
	if o.config.TickerDur <= 0 {
		o.config.TickerDur = 5 * time.Second
	}
	if o.config.FlushTimeout <= 0 {
		o.config.FlushTimeout = 10 * time.Second
	}
	o.table = table
	o.db = db
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "pgstore").Str("table", table).Value()
	o.in = make(chan store.LocationRecord, o.config.QueueSize)
	o.quit = make(chan struct{})
	o.done = make(chan struct{})
	return o
}

// Migrate creates the history table when it does not exist.
func Migrate(ctx context.Context, db Execer, table string) error {
	ident := pgx.Identifier{table}.Sanitize()
	_, err := db.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id bigserial PRIMARY KEY,
	bus_id text NOT NULL,
	user_id text NOT NULL,
	latitude double precision NOT NULL,
	longitude double precision NOT NULL,
	accuracy double precision,
	gps_time timestamptz NOT NULL,
	server_time timestamptz NOT NULL
)`, ident))
	if err != nil {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	_, err = db.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (bus_id, gps_time)`, pgx.Identifier{table + "_bus_time"}.Sanitize(), ident))
	if err != nil {
		return fmt.Errorf("migrate %s: %w", table, err)
	}
	return nil
}

func (st *Store) Run() {
	go st.handle()
}

// Put queues rec. Records are dropped when the queue is full or the
// store is closed.
func (st *Store) Put(rec store.LocationRecord) {
	select {
	case <-st.quit:
		atomic.AddUint64(&st.dropped, 1)
		return
	default:
	}
	select {
	case st.in <- rec:
	default:
		atomic.AddUint64(&st.dropped, 1)
	}
}

// Close flushes what is queued and stops the flusher.
func (st *Store) Close() error {
	st.once.Do(func() {
		close(st.quit)
	})
	<-st.done
	return nil
}

func (st *Store) Stats() Stats {
	return Stats{
		Written: atomic.LoadUint64(&st.written),
		Failed:  atomic.LoadUint64(&st.failed),
		Dropped: atomic.LoadUint64(&st.dropped),
	}
}

func (st *Store) handle() {
	defer close(st.done)
	st.log.Info().Msg("starting flusher task")
	ticker := time.NewTicker(st.config.TickerDur)
	defer ticker.Stop()
	buf := make([]store.LocationRecord, 0, st.config.BufSize)
	var t1 time.Time
	for {
		select {
		case rec := <-st.in:
			if len(buf) == 0 {
				t1 = time.Now()
			}
			buf = append(buf, rec)
			if len(buf) == st.config.BufSize {
				st.flush(buf)
				buf = buf[:0]
			}
		case t := <-ticker.C:
			if len(buf) != 0 && t.Sub(t1) >= st.config.MaxAgeFlush {
				st.flush(buf)
				buf = buf[:0]
			}
		case <-st.quit:
			for {
				select {
				case rec := <-st.in:
					buf = append(buf, rec)
					continue
				default:
				}
				break
			}
			if len(buf) != 0 {
				st.flush(buf)
			}
			st.log.Info().Msg("flusher task stopped")
			return
		}
	}
}

func (st *Store) flush(buf []store.LocationRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), st.config.FlushTimeout)
	defer cancel()
	t1 := time.Now()
	n, err := st.db.CopyFrom(ctx,
		pgx.Identifier{st.table},
		columns,
		pgx.CopyFromSlice(len(buf), func(i int) ([]interface{}, error) {
			d := buf[i]
			return []interface{}{d.BusId, d.UserId, d.Latitude, d.Longitude, d.Accuracy, d.GpsTime, d.ServerTime}, nil
		}))
	if err != nil {
		atomic.AddUint64(&st.failed, uint64(len(buf)))
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgerrcode.UndefinedTable {
				st.log.Error().Err(err).Int("length", len(buf)).Msg("history table is missing")
			} else {
				st.log.Error().Err(err).Str("code", pgErr.Code).Int("length", len(buf)).Msg("flush error")
			}
		} else {
			st.log.Error().Err(err).Int("length", len(buf)).Msg("flush error")
		}
		return
	}
	atomic.AddUint64(&st.written, uint64(n))
	st.log.Debug().Str("action", "flush").Int64("length", n).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
}
