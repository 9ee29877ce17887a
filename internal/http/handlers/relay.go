package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/castarr/internal/relay"
)

// RelayHandler exposes relay state and runtime bandwidth control.
type RelayHandler struct {
	relay  *relay.Server
	logger *slog.Logger
}

// NewRelayHandler creates a relay handler.
func NewRelayHandler(relaySrv *relay.Server) *RelayHandler {
	return &RelayHandler{
		relay:  relaySrv,
		logger: slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *RelayHandler) WithLogger(logger *slog.Logger) *RelayHandler {
	h.logger = logger
	return h
}

// GetRelayOutput is the relay status response.
type GetRelayOutput struct {
	Body RelayStatsResponse
}

// SetBandwidthInput sets the relay bandwidth limit.
type SetBandwidthInput struct {
	Body struct {
		LimitKBps float64 `json:"limit_kbps" minimum:"0" doc:"Throughput cap in KB/s; 0 disables throttling"`
	}
}

// SetBandwidthOutput confirms the applied limit.
type SetBandwidthOutput struct {
	Body struct {
		LimitKBps float64 `json:"limit_kbps"`
	}
}

// Register registers the relay routes with the API.
func (h *RelayHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getRelayStatus",
		Method:      "GET",
		Path:        "/api/v1/relay",
		Summary:     "Get relay status",
		Tags:        []string{"Relay"},
	}, h.GetStatus)

	huma.Register(api, huma.Operation{
		OperationID: "setRelayBandwidth",
		Method:      "PUT",
		Path:        "/api/v1/relay/bandwidth",
		Summary:     "Set the relay bandwidth limit",
		Description: "Applies to forwarding loops started after the change; in-flight streams keep their limit.",
		Tags:        []string{"Relay"},
	}, h.SetBandwidth)
}

// GetStatus reports relay state.
func (h *RelayHandler) GetStatus(_ context.Context, _ *struct{}) (*GetRelayOutput, error) {
	stats := h.relay.Stats()
	return &GetRelayOutput{
		Body: RelayStatsResponse{
			Running:            stats.Running,
			Streams:            stats.Streams,
			BaseURL:            h.relay.BaseURL(),
			BandwidthLimitKBps: stats.BandwidthLimitKBps,
			TotalBytes:         stats.TotalBytes,
			CurrentBps:         stats.CurrentBps,
		},
	}, nil
}

// SetBandwidth applies a new bandwidth limit at runtime.
func (h *RelayHandler) SetBandwidth(_ context.Context, input *SetBandwidthInput) (*SetBandwidthOutput, error) {
	h.relay.SetBandwidthLimit(input.Body.LimitKBps)

	h.logger.Info("relay bandwidth limit updated",
		slog.Float64("limit_kbps", input.Body.LimitKBps),
	)

	out := &SetBandwidthOutput{}
	out.Body.LimitKBps = h.relay.BandwidthLimit()
	return out, nil
}
