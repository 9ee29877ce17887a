// Package handlers provides HTTP API handlers for castarr.
package handlers

import (
	"time"

	"github.com/jmylchreest/castarr/internal/cast"
	"github.com/jmylchreest/castarr/internal/upnp"
)

// DeviceResponse represents a discovered renderer in API responses.
type DeviceResponse struct {
	Name       string `json:"name" doc:"Device friendly name"`
	Location   string `json:"location" doc:"Description document URL"`
	UDN        string `json:"udn" doc:"Unique device name; device identity"`
	DeviceType string `json:"device_type"`
}

// DeviceFromModel converts a device to a response.
func DeviceFromModel(d upnp.Device) DeviceResponse {
	return DeviceResponse{
		Name:       d.Name,
		Location:   d.Location,
		UDN:        d.UDN,
		DeviceType: d.DeviceType,
	}
}

// SessionResponse represents an active casting session.
type SessionResponse struct {
	ID        string         `json:"id"`
	Device    DeviceResponse `json:"device"`
	Title     string         `json:"title"`
	StartedAt time.Time      `json:"started_at"`
	Paused    bool           `json:"paused"`
	Muted     bool           `json:"muted"`
}

// SessionFromModel converts a session to a response.
func SessionFromModel(s *cast.Session) SessionResponse {
	return SessionResponse{
		ID:        s.ID,
		Device:    DeviceFromModel(s.Device),
		Title:     s.Title,
		StartedAt: s.StartedAt,
		Paused:    s.Paused,
		Muted:     s.Muted,
	}
}

// RelayStatsResponse reports relay state.
type RelayStatsResponse struct {
	Running            bool    `json:"running"`
	Streams            int     `json:"streams"`
	BaseURL            string  `json:"base_url"`
	BandwidthLimitKBps float64 `json:"bandwidth_limit_kbps" doc:"0 means unlimited"`
	TotalBytes         uint64  `json:"total_bytes"`
	CurrentBps         uint64  `json:"current_bps"`
}
