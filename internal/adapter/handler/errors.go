package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/stockguard/internal/core/domain"
	"github.com/rl1809/stockguard/internal/core/service"
)

type errorMapping struct {
	httpStatus int
	grpcCode   codes.Code
	message    string
}

var errorMappings = map[domain.Kind]errorMapping{
	domain.KindRecordNotFound:      {http.StatusNotFound, codes.NotFound, "item not found"},
	domain.KindInsufficientStock:   {http.StatusGone, codes.FailedPrecondition, "sold out"},
	domain.KindConcurrencyConflict: {http.StatusConflict, codes.Aborted, "concurrent update, try again"},
	domain.KindDuplicateRequest:    {http.StatusConflict, codes.AlreadyExists, "duplicate request"},
	domain.KindUnexpectedRollback:  {http.StatusInternalServerError, codes.Internal, "transaction rolled back"},
	domain.KindStrategyUnsupported: {http.StatusNotImplemented, codes.Unimplemented, "strategy not supported"},
	domain.KindCancelled:           {http.StatusServiceUnavailable, codes.Canceled, "request cancelled"},
	domain.KindInvalidAmount:       {http.StatusBadRequest, codes.InvalidArgument, "amount must be positive"},
}

var internalError = errorMapping{http.StatusInternalServerError, codes.Internal, "internal error"}

func mapError(err error) errorMapping {
	if errors.Is(err, service.ErrMissingField) {
		return errorMapping{http.StatusBadRequest, codes.InvalidArgument, "missing required fields"}
	}
	return mapKind(domain.KindOf(err))
}

func mapKind(kind domain.Kind) errorMapping {
	if m, ok := errorMappings[kind]; ok {
		return m
	}
	return internalError
}
