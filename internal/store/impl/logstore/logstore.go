package logstore

import (
	"io"

	"github.com/rs/zerolog"
	"nuha.dev/safezone/internal/store"
)

// LogStore writes location history as json lines instead of a table.
type LogStore struct {
	log zerolog.Logger
}

func NewStore(w io.Writer) *LogStore {
	return &LogStore{log: zerolog.New(w).With().Timestamp().Str("module", "history").Logger()}
}

func (l *LogStore) Put(rec store.HistoryRecord) {
	l.log.Info().
		Uint64("entity_id", rec.EntityId).
		Float64("lat", rec.Latitude).
		Float64("lon", rec.Longitude).
		Str("status", string(rec.Status)).
		Time("server_time", rec.ServerTime).
		Msg("location")
}
