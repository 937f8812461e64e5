package api

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/sealdm/internal/config"
	"github.com/matheus3301/sealdm/internal/e2ee"
	"github.com/matheus3301/sealdm/internal/keys"
	"github.com/matheus3301/sealdm/internal/rest"
	intsync "github.com/matheus3301/sealdm/internal/sync"
	"github.com/matheus3301/sealdm/internal/transport"
)

// toStatus maps domain errors onto gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	return grpcstatus.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, intsync.ErrNotFound):
		return codes.NotFound
	case errors.Is(err, intsync.ErrDeleteInFlight),
		errors.Is(err, intsync.ErrEditInFlight),
		errors.Is(err, intsync.ErrLoadInFlight):
		return codes.Aborted
	case errors.Is(err, intsync.ErrNoRoom),
		errors.Is(err, intsync.ErrNotEditable),
		errors.Is(err, intsync.ErrNotRetryable),
		errors.Is(err, intsync.ErrRoomClosed),
		errors.Is(err, keys.ErrNoPrivateKey),
		errors.Is(err, e2ee.ErrLocked):
		return codes.FailedPrecondition
	case errors.Is(err, keys.ErrWrongPasswordOrCorrupt):
		return codes.PermissionDenied
	case errors.Is(err, transport.ErrNoToken),
		errors.Is(err, config.ErrNoToken),
		errors.Is(err, rest.ErrUnauthorized):
		return codes.Unauthenticated
	case errors.Is(err, transport.ErrNotConnected),
		errors.Is(err, transport.ErrConnectFailed):
		return codes.Unavailable
	case errors.Is(err, keys.ErrMalformedBlob),
		errors.Is(err, e2ee.ErrInvalidMessage):
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}
