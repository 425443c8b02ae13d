package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"reserva/internal/service/availability"
	"reserva/internal/service/bookings"
	"reserva/internal/service/recurring"
	"reserva/internal/store"
)

type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Deadline string `json:"deadline,omitempty"`

	ConflictingItems []bookingItemResponse `json:"conflicting_items,omitempty"`
}

// writeError maps service errors onto the HTTP surface. Conflicts carry the
// conflicting items so clients can offer alternatives without a second call;
// policy violations carry the deadline the customer missed.
func writeError(c *gin.Context, err error) {
	var conflict *store.ConflictError
	if errors.As(err, &conflict) {
		body := errorBody{Error: conflict.Error(), Code: "conflict"}
		for _, it := range conflict.Items {
			body.ConflictingItems = append(body.ConflictingItems, toItemResponse(it))
		}
		c.JSON(http.StatusConflict, body)
		return
	}

	var policy *bookings.PolicyViolationError
	if errors.As(err, &policy) {
		c.JSON(http.StatusUnprocessableEntity, errorBody{
			Error:    policy.Error(),
			Code:     "policy_violation",
			Deadline: policy.Deadline.Format(time.RFC3339),
		})
		return
	}

	var notMod *bookings.NotModifiableError
	var bookingVal *bookings.ValidationError
	var seriesVal *recurring.ValidationError
	var unauthorized *bookings.UnauthorizedError
	switch {
	case errors.Is(err, store.ErrAlreadyReplaced):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error(), Code: "already_replaced"})
	case errors.As(err, &notMod):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error(), Code: "not_modifiable"})
	case errors.Is(err, store.ErrIdempotencyConflict):
		c.JSON(http.StatusConflict, errorBody{Error: err.Error(), Code: "idempotency_conflict"})
	case errors.As(err, &unauthorized):
		c.JSON(http.StatusForbidden, errorBody{Error: err.Error(), Code: "forbidden"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.As(err, &bookingVal), errors.As(err, &seriesVal), availability.IsValidation(err):
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"})
	default:
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: "validation"})
}
