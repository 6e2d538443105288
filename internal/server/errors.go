package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/quotaguard/internal/apperror"
	"github.com/smallbiznis/quotaguard/internal/clock"
	"github.com/smallbiznis/quotaguard/internal/gate"
	subscriptiondomain "github.com/smallbiznis/quotaguard/internal/subscription/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`

	Reason           string     `json:"reason,omitempty"`
	Tier             string     `json:"tier,omitempty"`
	Feature          string     `json:"feature,omitempty"`
	UpgradeTo        string     `json:"upgrade_to,omitempty"`
	RemainingDaily   *int64     `json:"remaining_daily,omitempty"`
	RemainingMonthly *int64     `json:"remaining_monthly,omitempty"`
	ResetAt          *time.Time `json:"reset_at,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware(clk clock.Clock) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		var exceeded *apperror.QuotaExceededError
		if errors.As(lastErr.Err, &exceeded) {
			c.Header("Retry-After", strconv.FormatInt(exceeded.RetryAfter(clk.Now()), 10))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return apperror.NewValidation("request", "invalid_request", "invalid request")
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	var (
		validation *apperror.ValidationError
		exceeded   *apperror.QuotaExceededError
		denied     *apperror.FeatureNotAvailableError
		signature  *apperror.SignatureVerificationError
		notFound   *apperror.NotFoundError
	)

	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   validation.Field,
				Code:    validation.Code,
				Message: validation.Message,
			}},
		}
	case errors.As(err, &exceeded):
		resetAt := exceeded.ResetAt.UTC()
		return http.StatusTooManyRequests, errorPayload{
			Type:             "quota_exceeded",
			Message:          "usage limit reached",
			Reason:           exceeded.Reason,
			Tier:             exceeded.Tier,
			RemainingDaily:   &exceeded.RemainingDaily,
			RemainingMonthly: &exceeded.RemainingMonthly,
			ResetAt:          &resetAt,
		}
	case errors.As(err, &denied):
		return http.StatusForbidden, errorPayload{
			Type:      "feature_not_available",
			Message:   denied.Error(),
			Feature:   denied.Feature,
			Tier:      denied.Tier,
			UpgradeTo: denied.UpgradeTo,
		}
	case errors.As(err, &signature):
		return http.StatusBadRequest, errorPayload{
			Type:    "signature_verification_failed",
			Message: "signature verification failed",
		}
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, subscriptiondomain.ErrInvalidPageToken):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   "request",
				Code:    err.Error(),
				Message: "invalid value",
			}},
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.As(err, &notFound),
		errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, gate.ErrUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog returns the payload type and the most specific code.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	switch {
	case len(payload.Errors) > 0:
		return payload.Type, payload.Errors[0].Code
	case payload.Reason != "":
		return payload.Type, payload.Reason
	case payload.Feature != "":
		return payload.Type, payload.Feature
	}
	return payload.Type, payload.Type
}
