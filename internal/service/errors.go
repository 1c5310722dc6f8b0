package service

import (
	"context"
	"errors"
	"log/slog"

	"connectrpc.com/connect"

	"github.com/mmynk/royalties/internal/auth"
	"github.com/mmynk/royalties/internal/models"
	"github.com/mmynk/royalties/internal/substrate"
)

// codeFor maps domain errors to Connect codes.
func codeFor(err error) connect.Code {
	switch {
	case errors.Is(err, models.ErrInvalidSplit),
		errors.Is(err, models.ErrMalformedEvent),
		errors.Is(err, models.ErrInvalidArgument):
		return connect.CodeInvalidArgument
	case errors.Is(err, models.ErrUnknownWork),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, substrate.ErrUnknownTransaction):
		return connect.CodeNotFound
	case errors.Is(err, models.ErrConflict),
		errors.Is(err, models.ErrAgreementDisputed),
		errors.Is(err, models.ErrNoActiveAgreement),
		errors.Is(err, models.ErrPermanentSettlementFailure):
		return connect.CodeFailedPrecondition
	case errors.Is(err, substrate.ErrUnavailable):
		return connect.CodeUnavailable
	case errors.Is(err, auth.ErrInvalidCredentials):
		return connect.CodeUnauthenticated
	case errors.Is(err, context.Canceled):
		return connect.CodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return connect.CodeDeadlineExceeded
	default:
		return connect.CodeInternal
	}
}

// fail logs a failed operation and converts err for the client.
func fail(op string, err error, attrs ...any) error {
	code := codeFor(err)
	attrs = append(attrs, "error", err, "code", code)
	if code == connect.CodeInternal {
		slog.Error(op+" failed", attrs...)
	} else {
		slog.Warn(op+" failed", attrs...)
	}
	return connect.NewError(code, err)
}

func invalid(msg string) error {
	return connect.NewError(connect.CodeInvalidArgument, errors.New(msg))
}
