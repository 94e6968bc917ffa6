package server

import (
	"context"
	"errors"

	"CoverLedger/internal/core"
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/query"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var errForbidden = errors.New("credential role not allowed for this route")

// StatusFromError maps an engine or service error onto a gRPC status. The
// HTTP layer derives the response code from it with
// runtime.HTTPStatusFromCode.
func StatusFromError(err error) *status.Status {
	if err == nil {
		return status.New(codes.OK, "")
	}

	var ce *core.Error
	if errors.As(err, &ce) {
		return status.New(codeForKind(ce.Kind), err.Error())
	}

	switch {
	case errors.Is(err, ingestion.ErrInvalidRequest):
		return status.New(codes.InvalidArgument, err.Error())
	case errors.Is(err, errForbidden):
		return status.New(codes.PermissionDenied, err.Error())
	case errors.Is(err, core.ErrSequenceGap), errors.Is(err, core.ErrOutOfOrder):
		return status.New(codes.Aborted, err.Error())
	case errors.Is(err, query.ErrNoEventLog):
		return status.New(codes.Unimplemented, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	default:
		return status.New(codes.Internal, err.Error())
	}
}

func codeForKind(k core.Kind) codes.Code {
	switch k {
	case core.KindInvalidParameter:
		return codes.InvalidArgument
	case core.KindInvalidCredential:
		return codes.Unauthenticated
	case core.KindNotFound:
		return codes.NotFound
	case core.KindAlreadyExists, core.KindDuplicate:
		return codes.AlreadyExists
	default:
		// Every other rejection is a business rule over the current state.
		return codes.FailedPrecondition
	}
}
