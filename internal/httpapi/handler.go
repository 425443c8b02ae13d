package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"reserva/internal/domain"
	"reserva/internal/schedule"
	"reserva/internal/service/availability"
	"reserva/internal/service/bookings"
	"reserva/internal/service/recurring"
	"reserva/internal/store"
)

type Handler struct {
	availability *availability.Calculator
	bookings     *bookings.Service
	recurring    *recurring.Service
	hours        schedule.Source
	scheduleRepo store.WorkScheduleRepository
	log          *slog.Logger
}

func NewHandler(
	calc *availability.Calculator,
	bookingSvc *bookings.Service,
	recurringSvc *recurring.Service,
	hours schedule.Source,
	scheduleRepo store.WorkScheduleRepository,
	log *slog.Logger,
) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		availability: calc,
		bookings:     bookingSvc,
		recurring:    recurringSvc,
		hours:        hours,
		scheduleRepo: scheduleRepo,
		log:          log.With(slog.String("component", "httpapi")),
	}
}

// actorFrom reads the caller identity the gateway injects. Authentication
// itself lives upstream; an absent role defaults to customer.
func actorFrom(c *gin.Context) bookings.Actor {
	role := bookings.ActorRole(c.GetHeader("X-Actor-Role"))
	switch role {
	case bookings.ActorRoleCustomer, bookings.ActorRoleStaff, bookings.ActorRoleSystem:
	default:
		role = bookings.ActorRoleCustomer
	}
	actor := bookings.Actor{Role: role}
	if raw := c.GetHeader("X-Client-ID"); raw != "" {
		if id, err := uuid.Parse(raw); err == nil {
			actor.ClientID = &id
		}
	}
	return actor
}

func (h *Handler) GetAvailability(c *gin.Context) {
	var staffIDs []uuid.UUID
	for _, raw := range c.QueryArray("staff_id") {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, errors.New("invalid staff_id"))
			return
		}
		staffIDs = append(staffIDs, id)
	}

	loc := time.UTC
	if tz := c.Query("tz"); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			badRequest(c, errors.New("invalid tz"))
			return
		}
		loc = parsed
	}
	date, err := time.ParseInLocation("2006-01-02", c.Query("date"), loc)
	if err != nil {
		badRequest(c, errors.New("date must be YYYY-MM-DD"))
		return
	}

	duration, err := strconv.Atoi(c.Query("duration_minutes"))
	if err != nil {
		badRequest(c, errors.New("invalid duration_minutes"))
		return
	}

	in := availability.Input{
		StaffIDs:        staffIDs,
		Date:            date,
		DurationMinutes: duration,
	}
	if raw := c.Query("exclude_booking_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			badRequest(c, errors.New("invalid exclude_booking_id"))
			return
		}
		in.ExcludeBookingID = &id
	}

	slots, err := h.availability.Execute(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := availabilityResponse{Slots: make([]slotResponse, 0, len(slots))}
	for _, s := range slots {
		resp.Slots = append(resp.Slots, slotResponse{StaffID: s.StaffID, StartTime: s.StartTime, EndTime: s.EndTime})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateBooking(c *gin.Context) {
	var req createBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	in := req.toInput()
	if key := c.GetHeader("Idempotency-Key"); key != "" {
		in.IdempotencyKey = key
	}

	booking, items, err := h.bookings.Create(c.Request.Context(), in)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toBookingResponse(booking, items))
}

func (h *Handler) GetBooking(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, errors.New("invalid booking id"))
		return
	}
	booking, items, err := h.bookings.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(booking, items))
}

func (h *Handler) ListStaffDay(c *gin.Context) {
	staffID, err := uuid.Parse(c.Query("staff_id"))
	if err != nil {
		badRequest(c, errors.New("invalid staff_id"))
		return
	}
	loc := time.UTC
	if tz := c.Query("tz"); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			badRequest(c, errors.New("invalid tz"))
			return
		}
		loc = parsed
	}
	date, err := time.ParseInLocation("2006-01-02", c.Query("date"), loc)
	if err != nil {
		badRequest(c, errors.New("date must be YYYY-MM-DD"))
		return
	}

	items, err := h.bookings.ListStaffDay(c.Request.Context(), staffID, date)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := staffDayResponse{StaffID: staffID, Date: date, Items: make([]bookingItemResponse, 0, len(items))}
	for _, it := range items {
		resp.Items = append(resp.Items, toItemResponse(it))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RescheduleBooking(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, errors.New("invalid booking id"))
		return
	}
	var req rescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	booking, items, err := h.bookings.Reschedule(c.Request.Context(), id, req.StartTime, actorFrom(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toBookingResponse(booking, items))
}

func (h *Handler) CancelBooking(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, errors.New("invalid booking id"))
		return
	}
	if err := h.bookings.Cancel(c.Request.Context(), id, actorFrom(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) ReplaceBooking(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, errors.New("invalid booking id"))
		return
	}
	var req replaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	actor := actorFrom(c)
	if req.SkipConflictCheck && actor.Role == bookings.ActorRoleCustomer {
		writeError(c, &bookings.UnauthorizedError{})
		return
	}
	result, err := h.bookings.Replace(c.Request.Context(), bookings.ReplaceInput{
		BookingID:         id,
		Spec:              req.Spec.toInput(),
		Actor:             actor,
		SkipConflictCheck: req.SkipConflictCheck,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, replaceResponse{OriginalID: result.OriginalID, NewID: result.NewID})
}

func (h *Handler) PreviewSeries(c *gin.Context) {
	var req seriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	preview, err := h.recurring.Preview(c.Request.Context(), req.toSpec())
	if err != nil {
		writeError(c, err)
		return
	}
	resp := previewResponse{TotalDates: preview.TotalDates}
	for _, e := range preview.Entries {
		resp.Entries = append(resp.Entries, previewEntryResponse{
			Index:       e.Index,
			StartTime:   e.StartTime,
			EndTime:     e.EndTime,
			HasConflict: e.HasConflict,
		})
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateSeries(c *gin.Context) {
	var req seriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.recurring.Create(c.Request.Context(), req.toSpec(), req.ExcludedIndices)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := seriesCreateResponse{
		RuleID:         result.RuleID,
		TotalRequested: result.TotalRequested,
		CreatedCount:   result.CreatedCount,
		SkippedCount:   result.SkippedCount,
		ExcludedCount:  result.ExcludedCount,
		Bookings:       make([]bookingResponse, 0, len(result.Bookings)),
	}
	for _, b := range result.Bookings {
		resp.Bookings = append(resp.Bookings, toBookingResponse(b, nil))
	}
	for _, s := range result.SkippedDates {
		resp.SkippedDates = append(resp.SkippedDates, skippedDateResponse{Index: s.Index, Date: s.Date, Reason: s.Reason})
	}
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) ModifySeries(c *gin.Context) {
	ruleID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, errors.New("invalid rule id"))
		return
	}
	var req modifySeriesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	result, err := h.recurring.Modify(c.Request.Context(), recurring.ModifyInput{
		RuleID:       ruleID,
		Scope:        recurring.ModifyScope(req.Scope),
		FromIndex:    req.FromIndex,
		NewStaffID:   req.NewStaffID,
		NewStartTime: req.NewStartTime,
		Notes:        req.Notes,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, seriesModifyResponse{
		ModifiedCount:  result.ModifiedCount,
		SkippedCount:   result.SkippedCount,
		ChangesApplied: result.ChangesApplied,
	})
}

func (h *Handler) GetWorkWindow(c *gin.Context) {
	staffID, err := uuid.Parse(c.Param("staff_id"))
	if err != nil {
		badRequest(c, errors.New("invalid staff id"))
		return
	}
	loc := time.UTC
	if tz := c.Query("tz"); tz != "" {
		parsed, err := time.LoadLocation(tz)
		if err != nil {
			badRequest(c, errors.New("invalid tz"))
			return
		}
		loc = parsed
	}
	date, err := time.ParseInLocation("2006-01-02", c.Query("date"), loc)
	if err != nil {
		badRequest(c, errors.New("date must be YYYY-MM-DD"))
		return
	}

	window, err := h.hours.WindowFor(c.Request.Context(), staffID, date)
	if err != nil {
		writeError(c, err)
		return
	}
	resp := windowResponse{StaffID: staffID, Date: date, Off: window == nil}
	if window != nil {
		resp.Start, resp.End = &window.Start, &window.End
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) CreateWorkTemplate(c *gin.Context) {
	var req workTemplateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Weekday < 1 || req.Weekday > 7 {
		badRequest(c, errors.New("weekday must be 1-7"))
		return
	}
	if req.EndMinute <= req.StartMinute {
		badRequest(c, errors.New("end_minute must be after start_minute"))
		return
	}
	every := req.EveryNWeeks
	if every <= 0 {
		every = 1
	}
	created, err := h.scheduleRepo.InsertTemplate(c.Request.Context(), domainTemplate(req, every))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (h *Handler) UpsertWorkException(c *gin.Context) {
	var req workExceptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if !req.Off && req.EndMinute <= req.StartMinute {
		badRequest(c, errors.New("end_minute must be after start_minute"))
		return
	}
	saved, err := h.scheduleRepo.UpsertException(c.Request.Context(), domainException(req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, saved)
}

func domainTemplate(req workTemplateRequest, everyNWeeks int) domain.WorkTemplate {
	return domain.WorkTemplate{
		BusinessID:     req.BusinessID,
		StaffID:        req.StaffID,
		Weekday:        req.Weekday,
		StartMinute:    req.StartMinute,
		EndMinute:      req.EndMinute,
		EveryNWeeks:    everyNWeeks,
		EffectiveFrom:  req.EffectiveFrom,
		EffectiveUntil: req.EffectiveUntil,
	}
}

func domainException(req workExceptionRequest) domain.WorkException {
	return domain.WorkException{
		StaffID:     req.StaffID,
		Date:        req.Date,
		Off:         req.Off,
		StartMinute: req.StartMinute,
		EndMinute:   req.EndMinute,
	}
}
