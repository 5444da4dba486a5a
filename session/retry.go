package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/codeGROOVE-dev/retry"
)

// ladderAttempts is the initial call plus one retry after a token refresh
// and one after a full login.
const ladderAttempts = 3

// TransferError means an operation kept failing after the session was
// refreshed and re-established.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("%s: giving up after %d attempts: %v", e.Op, ladderAttempts, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsTransferError reports whether err is a TransferError.
func IsTransferError(err error) bool {
	var te *TransferError
	return errors.As(err, &te)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error returned from a Recover callback as not worth
// retrying. Recover then returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Recover runs call and, while it fails, escalates: before the second
// attempt the security token is refreshed, before the third the session logs
// in again. If the third attempt fails too, a *TransferError is returned.
// Failures of the refresh steps themselves are logged and otherwise ignored.
func (s *Session) Recover(ctx context.Context, op string, call func(ctx context.Context) error) error {
	attempt := 0
	var lastErr, dropped error

	err := retry.Do(
		func() error {
			switch attempt {
			case 1:
				if err := s.FetchToken(ctx); err != nil {
					s.logger.Warn("Refreshing security token failed", "op", op, "error", err)
				}
			case 2:
				if err := s.Login(ctx); err != nil {
					s.logger.Warn("Logging in again failed", "op", op, "error", err)
				}
			}
			attempt++

			err := call(ctx)
			if err == nil {
				return nil
			}
			var perm *permanentError
			if errors.As(err, &perm) {
				dropped = perm.err
				return retry.Unrecoverable(err)
			}
			lastErr = err
			return err
		},
		retry.Attempts(ladderAttempts),
		retry.Delay(s.retryDelay),
		retry.MaxDelay(4*s.retryDelay),
		retry.MaxJitter(s.retryDelay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			s.logger.Info("Retrying after error", "op", op, "attempt", n+1, "error", err)
		}),
	)

	switch {
	case err == nil:
		return nil
	case dropped != nil:
		return dropped
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w", op, ctx.Err())
	case lastErr == nil:
		lastErr = err
	}

	s.logger.Error("Operation failed after recovery attempts", "op", op, "error", lastErr)
	return &TransferError{Op: op, Err: lastErr}
}
