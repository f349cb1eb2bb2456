package logx

import (
	"os"

	"github.com/macromate/server/internal/core"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var DefaultLoggerOpts = &LoggerOpts{
	Environment: core.Development,
}

type LoggerOpts struct {
	Environment core.Environment
	// Level overrides the environment default when set (debug, info, warn, error).
	Level string
}

func safe(otps ...LoggerOpts) *LoggerOpts {
	if len(otps) == 0 {
		return DefaultLoggerOpts
	}
	return &otps[0]
}

func Init(otps ...LoggerOpts) {
	opts := safe(otps...)
	if opts.Environment.Verbose() {
		log.Logger = zerolog.New(zerolog.NewConsoleWriter()).With().Timestamp().Caller().Logger()
		log.Logger = log.Logger.Level(zerolog.DebugLevel)
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Str("env", opts.Environment.String()).Logger()
		log.Logger = log.Logger.Level(zerolog.InfoLevel)
	}

	if opts.Level != "" {
		if lvl, err := zerolog.ParseLevel(opts.Level); err == nil {
			log.Logger = log.Logger.Level(lvl)
		}
	}
}

// Thread returns a child logger carrying the conversation thread id.
func Thread(threadID string) *zerolog.Logger {
	l := log.Logger.With().Str("thread_id", threadID).Logger()
	return &l
}

func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Panic() *zerolog.Event {
	return log.Panic()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
