package vector

import (
	"database/sql"

	"github.com/rs/zerolog"
)

// Open selects the best available backend: in-process sqlite-vec first, the
// worker subprocess second, and the no-op store when neither initializes.
// Open never fails; degraded tiers are reported through Available.
func Open(db *sql.DB, dataDir string, dimensions int, logger zerolog.Logger) Store {
	direct := NewDirect(db, logger)
	err := direct.Initialize(dimensions)
	if err == nil {
		logger.Debug().Int("dimensions", dimensions).Msg("Vector store ready (in-process)")
		return direct
	}
	logger.Warn().Err(err).Msg("In-process vector store unavailable, trying worker")

	worker := NewWorker(dataDir, logger)
	if err = worker.Initialize(dimensions); err != nil {
		logger.Warn().Err(err).Msg("Vector worker unavailable, search degrades to recency")
		return NewNoop()
	}

	logger.Debug().Int("dimensions", dimensions).Msg("Vector store ready (worker)")
	return worker
}
