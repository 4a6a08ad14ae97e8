package http

import (
	"errors"
	"net/http"

	"festa/internal/core"
	"festa/internal/log"
	"festa/internal/services"
	"festa/internal/storage"
)

var (
	errUnauthenticated = errors.New("sign-in required")
	errUnknownUser     = errors.New("this account is not registered for the festival")
	errBadForm         = errors.New("invalid request format")
)

// statusFor maps a service error to the response status and the message
// shown to the user. Unexpected errors are never shown verbatim.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, errUnauthenticated):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, errUnknownUser):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, errBadForm):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "not found"
	case errors.Is(err, services.ErrForbidden),
		errors.Is(err, services.ErrNotPartMember),
		errors.Is(err, core.ErrNotAuthorized),
		errors.Is(err, core.ErrSelfApproval):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, "the purchase was changed meanwhile, reload and try again"
	case errors.Is(err, core.ErrStepNotAvailable):
		return http.StatusConflict, err.Error()
	case errors.Is(err, core.ErrUnknownProcedure):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, core.ErrOverBudget),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrEmptyItems),
		errors.Is(err, core.ErrItemsTooLong),
		errors.Is(err, core.ErrNoteTooLong):
		return http.StatusUnprocessableEntity, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

// fail writes err as an HTMX fragment for htmx requests and as the error
// page otherwise.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)

	ctx := r.Context()
	logger := log.FromContext(ctx)
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(ctx, "Request failed", log.FieldPath, r.URL.Path, log.FieldError, err)
	} else {
		logger.InfoContext(ctx, "Request refused", log.FieldPath, r.URL.Path, log.FieldStatusCode, status, log.FieldError, err)
	}

	if isHTMX(r) || s.templates == nil {
		errorResponse(status, msg).TriggerErrorNotification(msg).Write(w)
		return
	}
	s.renderStatus(w, r, status, "error.html", struct {
		User    core.User
		Status  int
		Title   string
		Message string
	}{User: currentUser(ctx), Status: status, Title: http.StatusText(status), Message: msg})
}

func errorResponse(status int, msg string) *HTMXResponseBuilder {
	switch status {
	case http.StatusBadRequest:
		return BadRequestError(msg)
	case http.StatusForbidden:
		return ForbiddenError(msg)
	case http.StatusNotFound:
		return NotFoundError(msg)
	case http.StatusConflict:
		return ConflictError(msg)
	case http.StatusUnprocessableEntity:
		return UnprocessableEntityError(msg)
	case http.StatusInternalServerError:
		return InternalServerError(msg)
	default:
		return ErrorResponse(status, msg)
	}
}

func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}
