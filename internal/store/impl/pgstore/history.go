package pgstore

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/phuslu/log"
	"nuha.dev/safezone/internal/store"
)

// Copier is the part of pgxpool.Pool the history writer needs.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type HistoryConfig struct {
	Table       string
	BufSize     int
	TickerDur   time.Duration
	MaxAgeFlush time.Duration
}

// History batches location reports and writes them with COPY. A buffer is
// handed to the flusher when it fills up or grows older than MaxAgeFlush.
type History struct {
	config *HistoryConfig
	db     Copier
	wlock  sync.Mutex
	wbuf   buffer
	flushc chan buffer
	done   chan struct{}
	log    log.Logger
}

type buffer struct {
	seq uint64
	t1  time.Time
	buf []store.HistoryRecord
}

func new_buffer(seq uint64, len int) buffer {
	return buffer{seq: seq, buf: make([]store.HistoryRecord, 0, len)}
}

var historyColumns = []string{"entity_id", "latitude", "longitude", "status", "server_time"}

func NewHistory(db Copier, config *HistoryConfig) *History {
	h := &History{config: config, db: db}
	if h.config.Table == "" {
		h.config.Table = "location_history"
	}
	if h.config.BufSize <= 0 {
		h.config.BufSize = 500
	}
	if h.config.TickerDur <= 0 {
		h.config.TickerDur = time.Second
	}
	if h.config.MaxAgeFlush <= 0 {
		h.config.MaxAgeFlush = 5 * time.Second
	}
	h.log = log.DefaultLogger
	h.log.Context = log.NewContext(nil).Str("module", "history").Value()
	h.wbuf = new_buffer(0, h.config.BufSize)
	h.flushc = make(chan buffer, 4)
	h.done = make(chan struct{})
	return h
}

// Run starts the flusher. When ctx ends the pending buffer is written and
// Run returns.
func (h *History) Run(ctx context.Context) {
	ticker := time.NewTicker(h.config.TickerDur)
	defer ticker.Stop()
	h.log.Info().Msg("starting flusher task")
	for {
		select {
		case buf := <-h.flushc:
			h.write(buf)
		case t := <-ticker.C:
			h.wlock.Lock()
			if len(h.wbuf.buf) != 0 && t.Sub(h.wbuf.t1) > h.config.MaxAgeFlush {
				h.swap()
			}
			h.wlock.Unlock()
		case <-ctx.Done():
			h.wlock.Lock()
			last := h.wbuf
			h.wbuf = new_buffer(last.seq+1, h.config.BufSize)
			h.wlock.Unlock()
		drain:
			for {
				select {
				case buf := <-h.flushc:
					h.write(buf)
				default:
					break drain
				}
			}
			h.write(last)
			close(h.done)
			return
		}
	}
}

// Done is closed after Run has written its last buffer.
func (h *History) Done() <-chan struct{} {
	return h.done
}

func (h *History) Put(rec store.HistoryRecord) {
	h.wlock.Lock()
	if len(h.wbuf.buf) == 0 {
		h.wbuf.t1 = time.Now().UTC()
	}
	h.wbuf.buf = append(h.wbuf.buf, rec)
	if len(h.wbuf.buf) >= h.config.BufSize {
		h.swap()
	}
	h.wlock.Unlock()
}

// swap must be called with wlock held. A full flush queue drops the batch
// rather than stall the reporting path.
func (h *History) swap() {
	select {
	case h.flushc <- h.wbuf:
	default:
		h.log.Warn().Uint64("seq", h.wbuf.seq).Int("length", len(h.wbuf.buf)).Msg("flush queue full, dropping batch")
	}
	h.wbuf = new_buffer(h.wbuf.seq+1, h.config.BufSize)
}

func (h *History) write(buf buffer) {
	if len(buf.buf) == 0 {
		return
	}
	t1 := time.Now()
	_, err := h.db.CopyFrom(context.Background(),
		pgx.Identifier{h.config.Table},
		historyColumns,
		pgx.CopyFromSlice(len(buf.buf), func(i int) ([]interface{}, error) {
			d := buf.buf[i]
			return []interface{}{d.EntityId, d.Latitude, d.Longitude, string(d.Status), d.ServerTime}, nil
		}))
	if err != nil {
		h.log.Error().Err(err).Uint64("seq", buf.seq).Msg("flush error")
	} else {
		h.log.Debug().Str("action", "flush").Int("length", len(buf.buf)).Dur("time_taken", time.Since(t1)).Msg("flush successfull")
	}
}
