package handler

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

const maxAlertNotes = 2000

type AlertService interface {
	List(ctx context.Context, status domain.AlertStatus, limit int) ([]domain.Alert, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Alert, error)
	Acknowledge(ctx context.Context, id uuid.UUID, notes string) (*domain.Alert, error)
	Resolve(ctx context.Context, id uuid.UUID, notes string) (*domain.Alert, error)
	Dismiss(ctx context.Context, id uuid.UUID, notes string) (*domain.Alert, error)
	UpdateNotes(ctx context.Context, id uuid.UUID, notes string) (*domain.Alert, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type AlertHandler struct {
	service AlertService
}

func NewAlertHandler(service AlertService) *AlertHandler {
	return &AlertHandler{service: service}
}

type AlertListResponse struct {
	Alerts []domain.Alert `json:"alerts"`
	Count  int            `json:"count"`
}

// AlertNotesRequest is the optional body of transitions and the body of PATCH.
type AlertNotesRequest struct {
	Notes string `json:"notes"`
}

// List GET /v1/alerts?status=&limit=
func (h *AlertHandler) List(c *fiber.Ctx) error {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return domain.ErrValidationFailed.WithError(errors.New("limit must be a positive integer"))
		}
		limit = n
	}

	alerts, err := h.service.List(c.Context(), domain.AlertStatus(c.Query("status")), limit)
	if err != nil {
		return err
	}
	if alerts == nil {
		alerts = []domain.Alert{}
	}
	return c.JSON(AlertListResponse{Alerts: alerts, Count: len(alerts)})
}

// Get GET /v1/alerts/:id
func (h *AlertHandler) Get(c *fiber.Ctx) error {
	id, err := alertID(c)
	if err != nil {
		return err
	}
	alert, err := h.service.Get(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(alert)
}

// Acknowledge POST /v1/alerts/:id/acknowledge
func (h *AlertHandler) Acknowledge(c *fiber.Ctx) error {
	return h.transition(c, h.service.Acknowledge)
}

// Resolve POST /v1/alerts/:id/resolve
func (h *AlertHandler) Resolve(c *fiber.Ctx) error {
	return h.transition(c, h.service.Resolve)
}

// Dismiss POST /v1/alerts/:id/dismiss
func (h *AlertHandler) Dismiss(c *fiber.Ctx) error {
	return h.transition(c, h.service.Dismiss)
}

// Update PATCH /v1/alerts/:id
func (h *AlertHandler) Update(c *fiber.Ctx) error {
	id, err := alertID(c)
	if err != nil {
		return err
	}
	req, err := parseNotes(c, true)
	if err != nil {
		return err
	}

	alert, err := h.service.UpdateNotes(c.Context(), id, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(alert)
}

// Delete DELETE /v1/alerts/:id
func (h *AlertHandler) Delete(c *fiber.Ctx) error {
	id, err := alertID(c)
	if err != nil {
		return err
	}
	if err := h.service.Delete(c.Context(), id); err != nil {
		return err
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *AlertHandler) transition(c *fiber.Ctx, fn func(context.Context, uuid.UUID, string) (*domain.Alert, error)) error {
	id, err := alertID(c)
	if err != nil {
		return err
	}
	req, err := parseNotes(c, false)
	if err != nil {
		return err
	}

	alert, err := fn(c.Context(), id, req.Notes)
	if err != nil {
		return err
	}
	return c.JSON(alert)
}

func alertID(c *fiber.Ctx) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return uuid.Nil, domain.ErrValidationFailed.WithError(errors.New("id must be a UUID"))
	}
	return id, nil
}

func parseNotes(c *fiber.Ctx, required bool) (AlertNotesRequest, error) {
	var req AlertNotesRequest
	if len(c.Body()) == 0 {
		if required {
			return req, domain.ErrValidationFailed.WithError(errors.New("notes is required"))
		}
		return req, nil
	}
	if err := c.BodyParser(&req); err != nil {
		return req, domain.ErrValidationFailed.WithError(errors.New("body must be JSON"))
	}
	if len(req.Notes) > maxAlertNotes {
		return req, domain.ErrValidationFailed.WithError(errors.New("notes is too long"))
	}
	return req, nil
}
