package handlers

import (
	"context"
	"errors"
	"log/slog"

	"github.com/danielgtaylor/huma/v2"

	"github.com/jmylchreest/castarr/internal/cast"
	"github.com/jmylchreest/castarr/internal/upnp"
)

// CastHandler serves casting session management and playback controls.
type CastHandler struct {
	manager *cast.Manager
	logger  *slog.Logger
}

// NewCastHandler creates a cast handler.
func NewCastHandler(manager *cast.Manager) *CastHandler {
	return &CastHandler{
		manager: manager,
		logger:  slog.Default(),
	}
}

// WithLogger sets the logger for the handler.
func (h *CastHandler) WithLogger(logger *slog.Logger) *CastHandler {
	h.logger = logger
	return h
}

// StartCastInput is the input for starting a cast session.
type StartCastInput struct {
	Body struct {
		UDN      string `json:"udn" doc:"Unique device name from discovery" minLength:"1"`
		Location string `json:"location" doc:"Device description URL from discovery" minLength:"1"`
		Name     string `json:"name,omitempty" doc:"Device friendly name"`
	}
}

// StartCastOutput is the output for starting a cast session.
type StartCastOutput struct {
	Body SessionResponse
}

// GetSessionOutput is the output for reading the active session.
type GetSessionOutput struct {
	Body SessionResponse
}

// PlayPauseOutput reports the post-toggle pause state.
type PlayPauseOutput struct {
	Body struct {
		Paused bool `json:"paused"`
	}
}

// VolumeInput selects the volume direction.
type VolumeInput struct {
	Direction string `path:"direction" enum:"up,down" doc:"Volume step direction"`
}

// VolumeOutput reports the device volume after the change.
type VolumeOutput struct {
	Body struct {
		Volume int `json:"volume" doc:"Device-reported volume, 0-100"`
	}
}

// MuteOutput reports the post-toggle mute state.
type MuteOutput struct {
	Body struct {
		Muted bool `json:"muted"`
	}
}

// Register registers the cast routes with the API.
func (h *CastHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "startCast",
		Method:      "POST",
		Path:        "/api/v1/cast",
		Summary:     "Cast the current item to a device",
		Tags:        []string{"Cast"},
	}, h.StartCast)

	huma.Register(api, huma.Operation{
		OperationID: "getCastSession",
		Method:      "GET",
		Path:        "/api/v1/cast",
		Summary:     "Get the active casting session",
		Tags:        []string{"Cast"},
	}, h.GetSession)

	huma.Register(api, huma.Operation{
		OperationID: "stopCast",
		Method:      "DELETE",
		Path:        "/api/v1/cast",
		Summary:     "Stop the active casting session",
		Description: "Stops the renderer and the relay. Local state is cleared even when the renderer is unreachable.",
		Tags:        []string{"Cast"},
	}, h.StopCast)

	huma.Register(api, huma.Operation{
		OperationID: "togglePlayPause",
		Method:      "POST",
		Path:        "/api/v1/cast/playpause",
		Summary:     "Toggle play/pause",
		Tags:        []string{"Cast"},
	}, h.TogglePlayPause)

	huma.Register(api, huma.Operation{
		OperationID: "changeVolume",
		Method:      "POST",
		Path:        "/api/v1/cast/volume/{direction}",
		Summary:     "Step the volume up or down",
		Tags:        []string{"Cast"},
	}, h.ChangeVolume)

	huma.Register(api, huma.Operation{
		OperationID: "toggleMute",
		Method:      "POST",
		Path:        "/api/v1/cast/mute",
		Summary:     "Toggle mute",
		Tags:        []string{"Cast"},
	}, h.ToggleMute)
}

// StartCast begins casting the current queue item to the given device.
func (h *CastHandler) StartCast(ctx context.Context, input *StartCastInput) (*StartCastOutput, error) {
	device := upnp.Device{
		Name:       input.Body.Name,
		Location:   input.Body.Location,
		UDN:        input.Body.UDN,
		DeviceType: "MediaRenderer",
	}

	if err := h.manager.CastTo(ctx, device); err != nil {
		if errors.Is(err, cast.ErrNothingPlaying) {
			return nil, huma.Error409Conflict("Nothing is playing; queue an item before casting")
		}
		h.logger.Error("cast failed",
			slog.String("device", device.Name),
			slog.String("error", err.Error()),
		)
		return nil, huma.Error502BadGateway("Casting to " + deviceLabel(device) + " failed")
	}

	return &StartCastOutput{Body: SessionFromModel(h.manager.CurrentSession())}, nil
}

// GetSession returns the active session.
func (h *CastHandler) GetSession(_ context.Context, _ *struct{}) (*GetSessionOutput, error) {
	session := h.manager.CurrentSession()
	if session == nil {
		return nil, huma.Error404NotFound("No active casting session")
	}
	return &GetSessionOutput{Body: SessionFromModel(session)}, nil
}

// StopCast tears down the active session.
func (h *CastHandler) StopCast(ctx context.Context, _ *struct{}) (*struct{}, error) {
	err := h.manager.StopCasting(ctx)
	if errors.Is(err, cast.ErrNotCasting) {
		return nil, huma.Error404NotFound("No active casting session")
	}
	if err != nil {
		// Session state is already cleared; report but do not fail the
		// teardown.
		h.logger.Warn("stop casting reported errors", slog.String("error", err.Error()))
	}
	return &struct{}{}, nil
}

// TogglePlayPause flips the pause state of the active session.
func (h *CastHandler) TogglePlayPause(ctx context.Context, _ *struct{}) (*PlayPauseOutput, error) {
	paused, err := h.manager.TogglePlayPause(ctx)
	if err != nil {
		return nil, sessionControlError(err)
	}
	out := &PlayPauseOutput{}
	out.Body.Paused = paused
	return out, nil
}

// ChangeVolume steps the volume and reports the device-confirmed level.
func (h *CastHandler) ChangeVolume(ctx context.Context, input *VolumeInput) (*VolumeOutput, error) {
	var (
		volume int
		err    error
	)
	switch input.Direction {
	case "up":
		volume, err = h.manager.VolumeUp(ctx)
	case "down":
		volume, err = h.manager.VolumeDown(ctx)
	default:
		return nil, huma.Error422UnprocessableEntity("Direction must be up or down")
	}
	if err != nil {
		return nil, sessionControlError(err)
	}

	out := &VolumeOutput{}
	out.Body.Volume = volume
	return out, nil
}

// ToggleMute flips the mute state of the active session.
func (h *CastHandler) ToggleMute(ctx context.Context, _ *struct{}) (*MuteOutput, error) {
	muted, err := h.manager.ToggleMute(ctx)
	if err != nil {
		return nil, sessionControlError(err)
	}
	out := &MuteOutput{}
	out.Body.Muted = muted
	return out, nil
}

func sessionControlError(err error) error {
	if errors.Is(err, cast.ErrNotCasting) {
		return huma.Error409Conflict("No active casting session")
	}
	return huma.Error502BadGateway("Renderer did not accept the action")
}

func deviceLabel(d upnp.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.UDN
}
