package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestPublicMessage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"safety reason", SafetyRejection("this is a chair"), "this is a chair"},
		{"safety empty reason", SafetyRejection(""), SafetyRejectionMessage},
		{"external hides detail", ExternalService("gemini", errors.New("dial tcp 10.0.0.1: refused")), ServiceUnavailableMessage},
		{"wrapped app error", fmt.Errorf("stage detect: %w", VisionParse(errors.New("bad json"))), VisionParseMessage},
		{"deadline", context.DeadlineExceeded, ServiceUnavailableMessage},
		{"plain", errors.New("boom"), SystemErrorMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PublicMessage(tt.err))
		})
	}
}

func TestKindOfAndIs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", ConcurrencyTimeout("t-1"))
	assert.Equal(t, KindConcurrencyTimeout, KindOf(err))
	assert.True(t, errors.Is(err, ErrConcurrencyTimeout))

	assert.Equal(t, KindExternalService, KindOf(context.Canceled))
	assert.Equal(t, KindInternal, KindOf(errors.New("x")))
	assert.True(t, errors.Is(VisionParse(errors.New("x")), ErrVisionParse))
	assert.True(t, errors.Is(NoComponents(), ErrNoComponents))
}

func TestWrapRedis(t *testing.T) {
	assert.NoError(t, WrapRedis(nil))

	nf := WrapRedis(redis.Nil)
	assert.True(t, IsNotFound(nf))

	var ae *AppError
	assert.True(t, errors.As(WrapRedis(errors.New("conn reset")), &ae))
	assert.Equal(t, http.StatusBadGateway, ae.Status)
	assert.Equal(t, KindExternalService, ae.Kind)
}
