package encounter

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/platform/apperr"
	"github.com/ehr/mpi/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/encounters", h.CreateEncounter)
	api.GET("/encounters", h.ListEncounters)
	api.GET("/encounters/:id", h.GetEncounter)
	api.GET("/encounters/:id/status", h.GetStatus)
	api.PUT("/encounters/:id/status", h.ChangeStatus)
	api.GET("/encounters/:id/status-history", h.GetStatusHistory)
}

type statusRequest struct {
	Status string `json:"status"`
}

type statusResponse struct {
	EncounterID int64  `json:"encounter_id"`
	Status      Status `json:"status"`
}

func (h *Handler) CreateEncounter(c echo.Context) error {
	actor, err := auth.RequestActor(c)
	if err != nil {
		return err
	}
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.CreatedBy = actor

	enc, err := h.svc.CreateEncounter(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, enc)
}

// ListEncounters requires either ?status= or ?patient_id=.
func (h *Handler) ListEncounters(c echo.Context) error {
	ctx := c.Request().Context()

	if s := c.QueryParam("status"); s != "" {
		status, err := ParseStatus(s)
		if err != nil {
			return err
		}
		items, err := h.svc.FindByStatus(ctx, status)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, nonNil(items))
	}

	if p := c.QueryParam("patient_id"); p != "" {
		patientID, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return apperr.Validation("invalid patient_id")
		}
		items, err := h.svc.ListByPatient(ctx, patientID)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, nonNil(items))
	}

	return apperr.Validation("status or patient_id query parameter is required")
}

func (h *Handler) GetEncounter(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	enc, err := h.svc.GetEncounter(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) GetStatus(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	status, err := h.svc.GetCurrentStatus(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, statusResponse{EncounterID: id, Status: status})
}

func (h *Handler) ChangeStatus(c echo.Context) error {
	actor, err := auth.RequestActor(c)
	if err != nil {
		return err
	}
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	status, err := ParseStatus(req.Status)
	if err != nil {
		return err
	}

	enc, err := h.svc.ChangeStatus(c.Request().Context(), id, status, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, enc)
}

func (h *Handler) GetStatusHistory(c echo.Context) error {
	id, err := encounterID(c)
	if err != nil {
		return err
	}
	history, err := h.svc.GetStatusHistory(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(history))
}

func encounterID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.NotFound("encounter", c.Param("id"))
	}
	return id, nil
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
