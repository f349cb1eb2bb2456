package logx

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
)

func TestThreadLoggerCarriesThreadID(t *testing.T) {
	prev := log.Logger
	defer func() { log.Logger = prev }()

	var buf bytes.Buffer
	log.Logger = zerolog.New(&buf)

	Thread("t-42").Warn().Str("stage", "detect").Msg("stage failed")
	assert.Contains(t, buf.String(), `"thread_id":"t-42"`)
	assert.Contains(t, buf.String(), `"level":"warn"`)

	buf.Reset()
	l := Thread("t-43").With().Str("stage", "enrich").Logger()
	l.Info().Msg("ok")
	assert.Contains(t, buf.String(), `"thread_id":"t-43"`)
	assert.Contains(t, buf.String(), `"stage":"enrich"`)
}
