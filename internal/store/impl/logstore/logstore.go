package logstore

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"nuha.dev/busrelay/internal/store"
)

// LogStore writes accepted locations as JSON lines.
type LogStore struct {
	logger zerolog.Logger
}

func NewStore(w io.Writer) *LogStore {
	if w == nil {
		w = os.Stdout
	}
	return &LogStore{logger: zerolog.New(w).With().Timestamp().Str("module", "logstore").Logger()}
}

func (l *LogStore) Put(rec store.LocationRecord) {
	e := l.logger.Info().Str("bus_id", rec.BusId).Str("user_id", rec.UserId).Float64("lat", rec.Latitude).Float64("lon", rec.Longitude)
	if rec.Accuracy != nil {
		e = e.Float64("accuracy", *rec.Accuracy)
	}
	e.Time("gpstime", rec.GpsTime).Time("srvtime", rec.ServerTime).Msg("location")
}

func (l *LogStore) Close() error {
	return nil
}
