package handler

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/saturnino-fabrica-de-software/vigia/internal/domain"
)

// EventService is the authoritative query API dashboards use after a resync.
type EventService interface {
	List(ctx context.Context, filter domain.EventFilter) ([]domain.Event, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Event, error)
}

type EventHandler struct {
	service EventService
}

func NewEventHandler(service EventService) *EventHandler {
	return &EventHandler{service: service}
}

type EventListResponse struct {
	Events []domain.Event `json:"events"`
	Count  int            `json:"count"`
}

// List GET /v1/events?start=&end=&camera_id=&limit=
func (h *EventHandler) List(c *fiber.Ctx) error {
	filter := domain.EventFilter{
		CameraID: c.Query("camera_id"),
	}

	var err error
	if filter.Start, err = parseTime(c.Query("start")); err != nil {
		return domain.ErrInvalidTimeRange.WithError(err)
	}
	if filter.End, err = parseTime(c.Query("end")); err != nil {
		return domain.ErrInvalidTimeRange.WithError(err)
	}
	if raw := c.Query("limit"); raw != "" {
		if filter.Limit, err = strconv.Atoi(raw); err != nil || filter.Limit < 0 {
			return domain.ErrValidationFailed.WithError(errors.New("limit must be a non-negative integer"))
		}
	}

	events, err := h.service.List(c.Context(), filter)
	if err != nil {
		return err
	}
	if events == nil {
		events = []domain.Event{}
	}

	return c.JSON(EventListResponse{Events: events, Count: len(events)})
}

// Get GET /v1/events/:id
func (h *EventHandler) Get(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return domain.ErrValidationFailed.WithError(errors.New("id must be a UUID"))
	}

	event, err := h.service.Get(c.Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(event)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
