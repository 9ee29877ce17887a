package handlers

import (
	"context"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/castarr/internal/upnp"
)

// DeviceDiscoverer is the discovery surface the handler consumes.
type DeviceDiscoverer interface {
	Discover(ctx context.Context) ([]upnp.Device, error)
}

// DevicesHandler serves renderer discovery.
type DevicesHandler struct {
	discovery DeviceDiscoverer
	logger    *slog.Logger
}

// NewDevicesHandler creates a devices handler.
func NewDevicesHandler(discovery DeviceDiscoverer) *DevicesHandler {
	return &DevicesHandler{
		discovery: discovery,
		logger:    slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *DevicesHandler) WithLogger(logger *slog.Logger) *DevicesHandler {
	h.logger = logger
	return h
}

// ListDevicesInput is the input for device discovery.
type ListDevicesInput struct{}

// ListDevicesOutput is the output for device discovery.
type ListDevicesOutput struct {
	Body struct {
		Devices []DeviceResponse `json:"devices"`
		Count   int              `json:"count"`
	}
}

// Register registers the device routes with the API.
func (h *DevicesHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "listDevices",
		Method:      "GET",
		Path:        "/api/v1/devices",
		Summary:     "Discover renderers",
		Description: "Runs SSDP and vendor-probe discovery and returns the deduplicated device list. An empty list is a normal result; check TV power and network when it persists.",
		Tags:        []string{"Devices"},
	}, h.ListDevices)
}

// ListDevices runs a discovery pass and returns the found renderers.
func (h *DevicesHandler) ListDevices(ctx context.Context, _ *ListDevicesInput) (*ListDevicesOutput, error) {
	devices, err := h.discovery.Discover(ctx)
	if err != nil {
		h.logger.Error("discovery failed", slog.String("error", err.Error()))
		return nil, huma.Error502BadGateway("Device discovery failed")
	}

	out := &ListDevicesOutput{}
	out.Body.Devices = make([]DeviceResponse, 0, len(devices))
	for _, d := range devices {
		out.Body.Devices = append(out.Body.Devices, DeviceFromModel(d))
	}
	out.Body.Count = len(devices)
	return out, nil
}
