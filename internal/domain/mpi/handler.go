package mpi

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/mpi/internal/domain/identity"
	"github.com/ehr/mpi/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients", h.SearchPatients)
	api.GET("/patients/:uuid", h.GetPatient)
	api.GET("/patients/:uuid/survivor", h.GetSurvivor)
	api.POST("/patients/merge", h.MergePatients)
	api.POST("/patients/split", h.SplitPatient)
}

type mergeRequest struct {
	SourceID int64  `json:"source_id"`
	TargetID int64  `json:"target_id"`
	Reason   string `json:"reason"`
}

type splitRequest struct {
	PatientID    int64   `json:"patient_id"`
	EncounterIDs []int64 `json:"encounter_ids"`
	Reason       string  `json:"reason"`
}

func (h *Handler) CreatePatient(c echo.Context) error {
	actor, err := auth.RequestActor(c)
	if err != nil {
		return err
	}
	var p identity.Patient
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	created, err := h.svc.CreatePatient(c.Request().Context(), &p, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatientByUUID(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetSurvivor(c echo.Context) error {
	p, err := h.svc.ResolveSurvivor(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SearchPatients(c echo.Context) error {
	items, err := h.svc.SearchPatients(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) MergePatients(c echo.Context) error {
	actor, err := auth.RequestActor(c)
	if err != nil {
		return err
	}
	var req mergeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.MergePatients(c.Request().Context(), req.SourceID, req.TargetID, req.Reason, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SplitPatient(c echo.Context) error {
	actor, err := auth.RequestActor(c)
	if err != nil {
		return err
	}
	var req splitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.SplitPatient(c.Request().Context(), req.PatientID, req.EncounterIDs, req.Reason, actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, p)
}
