package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	stderrors "errors"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/NikhilSetiya/license-sync/pkg/errors"
)

// classify turns a driver error into an AppError. Connection loss, server
// shutdown and resource exhaustion are critical and abort the current batch;
// data and constraint errors are validation errors scoped to the rows sent.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := errors.As(err); ok {
		return err
	}

	switch {
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.NewTimeoutError("repository." + op).WithCause(err)
	case stderrors.Is(err, context.Canceled):
		return errors.NewInternalError("repository call canceled").WithCause(err).WithDetail("operation", op)
	case isConnectionError(err):
		return errors.NewCriticalError("license repository unavailable").WithCause(err).WithDetail("operation", op)
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		class := string(pqErr.Code.Class())
		switch class {
		case "22", "23":
			return errors.NewValidationError("license row rejected: " + pqErr.Message).
				WithCause(err).
				WithDetail("operation", op).
				WithDetail("pg_code", string(pqErr.Code))
		}
	}

	return errors.NewInternalError("repository " + op + " failed").WithCause(err)
}

func isConnectionError(err error) bool {
	if stderrors.Is(err, driver.ErrBadConn) || stderrors.Is(err, sql.ErrConnDone) {
		return true
	}

	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		switch string(pqErr.Code.Class()) {
		case "08", "53", "57":
			return true
		}
	}

	return strings.Contains(err.Error(), "connection refused")
}
