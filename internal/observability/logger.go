package observability

import (
	"github.com/happyfox/sissybot/internal/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the process logger and tags it with the app name.
func InitLogger(app string, profile logging.Profile) zerolog.Logger {
	logging.Configure(profile)
	logger := log.Logger.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
