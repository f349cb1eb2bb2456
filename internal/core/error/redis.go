package errx

import (
	"database/sql"
	"errors"
	"net/http"

	"github.com/redis/go-redis/v9"
)

// WrapRedis maps Redis errors to AppError with appropriate status codes.
func WrapRedis(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, redis.Nil) {
		return &AppError{Err: err, Status: http.StatusNotFound, Kind: KindNotFound, Message: RedisNotFoundMessage}
	}

	return &AppError{Err: err, Status: http.StatusBadGateway, Kind: KindExternalService, Message: RedisErrorMessage}
}

// WrapSQL maps database/sql errors the same way WrapRedis maps Redis errors.
func WrapSQL(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, sql.ErrNoRows) {
		return &AppError{Err: err, Status: http.StatusNotFound, Kind: KindNotFound, Message: StoreErrorMessage}
	}

	return &AppError{Err: err, Status: http.StatusBadGateway, Kind: KindExternalService, Message: StoreErrorMessage}
}

// IsNotFound reports whether err is a wrapped missing-key error.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}
