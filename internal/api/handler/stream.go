package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/saturnino-fabrica-de-software/vigia/internal/broadcast"
	"github.com/saturnino-fabrica-de-software/vigia/internal/ws"
)

type ChannelStats interface {
	Stats() ws.Stats
}

type PublisherStats interface {
	Stats() broadcast.Stats
}

// StreamHandler reports live stream state of this replica.
type StreamHandler struct {
	replicaID string
	channels  []ChannelStats
	publisher PublisherStats
}

func NewStreamHandler(replicaID string, publisher PublisherStats, channels ...ChannelStats) *StreamHandler {
	return &StreamHandler{replicaID: replicaID, channels: channels, publisher: publisher}
}

type StreamStatusResponse struct {
	ReplicaID   string           `json:"replica_id"`
	Connections int              `json:"connections"`
	Channels    []ws.Stats       `json:"channels"`
	Publisher   *broadcast.Stats `json:"publisher,omitempty"`
}

// Status GET /v1/stream/status
func (h *StreamHandler) Status(c *fiber.Ctx) error {
	resp := StreamStatusResponse{
		ReplicaID: h.replicaID,
		Channels:  make([]ws.Stats, 0, len(h.channels)),
	}
	for _, ch := range h.channels {
		s := ch.Stats()
		resp.Connections += s.Connections
		resp.Channels = append(resp.Channels, s)
	}
	if h.publisher != nil {
		s := h.publisher.Stats()
		resp.Publisher = &s
	}
	return c.JSON(resp)
}
