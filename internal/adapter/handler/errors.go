package handler

import (
	"errors"
	"net/http"

	"google.golang.org/grpc/codes"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// Kind classifies service errors for both transports.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindDuplicate
	KindConflict
	KindUnavailable
)

func KindOf(err error) Kind {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		return KindInvalid
	case errors.Is(err, domain.ErrOrderNotFound), errors.Is(err, domain.ErrInventoryNotFound):
		return KindNotFound
	case errors.Is(err, domain.ErrDuplicateRequest):
		return KindDuplicate
	case errors.Is(err, domain.ErrIllegalTransition):
		return KindConflict
	case domain.IsUnavailable(err), errors.Is(err, domain.ErrStoreBusy):
		return KindUnavailable
	default:
		return KindInternal
	}
}

func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicate, KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (k Kind) GRPCCode() codes.Code {
	switch k {
	case KindInvalid:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	case KindDuplicate:
		return codes.AlreadyExists
	case KindConflict:
		return codes.FailedPrecondition
	case KindUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// message is what callers see. Internal details stay in the logs.
func message(err error) string {
	switch KindOf(err) {
	case KindInvalid, KindConflict:
		return err.Error()
	case KindNotFound:
		return "not found"
	case KindDuplicate:
		return "duplicate request"
	case KindUnavailable:
		return "service unavailable, try later"
	default:
		return "internal error"
	}
}

// outcomeStatus maps a reservation outcome to the HTTP status of the checkout.
func outcomeStatus(outcome domain.ReservationOutcome) (int, string) {
	switch outcome {
	case domain.OutcomeSuccess:
		return http.StatusOK, "reserved, proceed to payment"
	case domain.OutcomeQueued:
		return http.StatusAccepted, "reservation is being processed"
	case domain.OutcomeInsufficientStock:
		return http.StatusGone, "sold out"
	default:
		return http.StatusServiceUnavailable, "service unavailable, try later"
	}
}
