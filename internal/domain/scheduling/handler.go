package scheduling

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Reads open to every signed-in role
	readGroup := api.Group("", auth.RequireRole(RolePatient, RoleDoctor))
	readGroup.GET("/doctors/:doctorId/schedule", h.GetSchedule)
	readGroup.GET("/doctors/:doctorId/absences", h.ListAbsences)

	doctorGroup := api.Group("", auth.RequireRole(RoleDoctor))
	doctorGroup.POST("/availability", h.CreateAvailability)
	doctorGroup.POST("/availability/cyclical", h.CreateCyclicalAvailability)
	doctorGroup.GET("/doctor/appointments", h.DoctorAppointments)
	doctorGroup.POST("/doctor/absences", h.RegisterAbsence)

	patientGroup := api.Group("", auth.RequireRole(RolePatient))
	patientGroup.POST("/cart", h.AddToCart)
	patientGroup.GET("/cart", h.GetCart)
	patientGroup.DELETE("/cart/:slotId", h.RemoveFromCart)
	patientGroup.POST("/cart/checkout", h.Checkout)
	patientGroup.GET("/appointments/my", h.MyAppointments)

	cancelGroup := api.Group("", auth.RequireRole(RolePatient, RoleDoctor))
	cancelGroup.POST("/appointments/:slotId/cancel", h.CancelAppointment)
}

var statusByKind = map[ErrorKind]int{
	KindValidation:      http.StatusBadRequest,
	KindNotFound:        http.StatusNotFound,
	KindForbidden:       http.StatusForbidden,
	KindConflict:        http.StatusConflict,
	KindDuplicate:       http.StatusConflict,
	KindUnavailable:     http.StatusConflict,
	KindEmptyCart:       http.StatusUnprocessableEntity,
	KindPastAppointment: http.StatusUnprocessableEntity,
}

// httpError maps a domain error to an HTTP error with body {"error", "message"}.
// Anything else becomes a 500 that keeps err as the internal cause for logging.
func httpError(err error) error {
	var de *Error
	if errors.As(err, &de) {
		if code, ok := statusByKind[de.Kind]; ok {
			return echo.NewHTTPError(code, map[string]string{
				"error":   string(de.Kind),
				"message": de.Message,
			})
		}
	}
	return echo.NewHTTPError(http.StatusInternalServerError, map[string]string{
		"error":   "internal",
		"message": "internal server error",
	}).SetInternal(err)
}

func badRequest(msg string) error {
	return httpError(&Error{Kind: KindValidation, Message: msg})
}

func principal(c echo.Context) Principal {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	return Principal{ID: p.ID, Role: p.Role}
}

// actingDoctor is the doctor a calendar request works on. Admins have no
// calendar of their own and must name the doctor explicitly.
func actingDoctor(c echo.Context, doctorID string) (string, error) {
	p := principal(c)
	if p.Role != RoleAdmin {
		return p.ID, nil
	}
	if doctorID == "" {
		return "", badRequest("doctorId is required")
	}
	return doctorID, nil
}

// actingPatient returns the caller's id for routes working on their own cart
// or bookings. Admins pass the role gate but have neither.
func actingPatient(c echo.Context) (string, error) {
	p := principal(c)
	if p.Role != RolePatient {
		return "", httpError(Forbiddenf("only patients have a cart and bookings"))
	}
	return p.ID, nil
}

func slotIDParam(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("slotId"))
	if err != nil {
		return uuid.Nil, badRequest("invalid slotId")
	}
	return id, nil
}

// -- Availability --

func (h *Handler) CreateAvailability(c echo.Context) error {
	var rule SingleRule
	if err := c.Bind(&rule); err != nil {
		return badRequest("invalid request body")
	}
	doctorID, err := actingDoctor(c, c.QueryParam("doctorId"))
	if err != nil {
		return err
	}
	res, err := h.svc.GenerateSingle(c.Request().Context(), doctorID, rule)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) CreateCyclicalAvailability(c echo.Context) error {
	var rule CyclicalRule
	if err := c.Bind(&rule); err != nil {
		return badRequest("invalid request body")
	}
	doctorID, err := actingDoctor(c, c.QueryParam("doctorId"))
	if err != nil {
		return err
	}
	res, err := h.svc.GenerateCyclical(c.Request().Context(), doctorID, rule)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) GetSchedule(c echo.Context) error {
	slots, err := h.svc.Schedule(c.Request().Context(), principal(c),
		c.Param("doctorId"), c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, orEmpty(slots))
}

// -- Cart --

func (h *Handler) AddToCart(c echo.Context) error {
	patientID, err := actingPatient(c)
	if err != nil {
		return err
	}
	var req HoldRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.StartSlotID == uuid.Nil {
		return badRequest("startSlotId is required")
	}
	conf, err := h.svc.Hold(c.Request().Context(), patientID, req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, conf)
}

func (h *Handler) GetCart(c echo.Context) error {
	patientID, err := actingPatient(c)
	if err != nil {
		return err
	}
	items, err := h.svc.GetCart(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*CartItem{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RemoveFromCart(c echo.Context) error {
	patientID, err := actingPatient(c)
	if err != nil {
		return err
	}
	id, err := slotIDParam(c)
	if err != nil {
		return err
	}
	n, err := h.svc.RemoveFromCart(c.Request().Context(), patientID, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": n})
}

func (h *Handler) Checkout(c echo.Context) error {
	patientID, err := actingPatient(c)
	if err != nil {
		return err
	}
	booked, err := h.svc.Checkout(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, booked)
}

// -- Appointments --

func (h *Handler) CancelAppointment(c echo.Context) error {
	id, err := slotIDParam(c)
	if err != nil {
		return err
	}
	slot, err := h.svc.Cancel(c.Request().Context(), principal(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]*Slot{"slot": slot})
}

func (h *Handler) MyAppointments(c echo.Context) error {
	patientID, err := actingPatient(c)
	if err != nil {
		return err
	}
	out, err := h.svc.PatientAppointments(c.Request().Context(), patientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) DoctorAppointments(c echo.Context) error {
	doctorID, err := actingDoctor(c, c.QueryParam("doctorId"))
	if err != nil {
		return err
	}
	slots, err := h.svc.DoctorAppointments(c.Request().Context(), doctorID,
		c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(slots, pagination.FromContext(c)))
}

// -- Absences --

type absenceRequest struct {
	DoctorID string `json:"doctorId"`
	Date     string `json:"date"`
	Reason   string `json:"reason"`
}

func (h *Handler) RegisterAbsence(c echo.Context) error {
	var req absenceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	doctorID, err := actingDoctor(c, req.DoctorID)
	if err != nil {
		return err
	}
	abs, cancelled, err := h.svc.RegisterAbsence(c.Request().Context(), doctorID, req.Date, req.Reason)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"absence":        abs,
		"cancelledCount": cancelled,
	})
}

func (h *Handler) ListAbsences(c echo.Context) error {
	items, err := h.svc.ListAbsences(c.Request().Context(), c.Param("doctorId"))
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Absence{}
	}
	return c.JSON(http.StatusOK, items)
}

func orEmpty(slots []*Slot) []*Slot {
	if slots == nil {
		return []*Slot{}
	}
	return slots
}
