package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sipcore/sipcore/internal/media"
)

type devicesResponse struct {
	Kind     media.Kind     `json:"kind"`
	Selected string         `json:"selected"`
	Devices  []media.Device `json:"devices"`
}

type selectDeviceRequest struct {
	DeviceID string `json:"device_id"`
}

type selectDeviceResponse struct {
	Kind     media.Kind `json:"kind"`
	Selected string     `json:"selected"`
}

func kindParam(w http.ResponseWriter, r *http.Request) (media.Kind, bool) {
	kind, err := media.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return kind, true
}

// handleListDevices lists devices of one kind with the stored selection.
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	devices, err := s.phone.ListDevices(r.Context(), kind)
	if err != nil {
		s.writePhoneError(w, r, "listing devices", err)
		return
	}
	selected, err := s.phone.SelectedDevice(r.Context(), kind)
	if err != nil {
		s.writePhoneError(w, r, "reading device selection", err)
		return
	}
	if devices == nil {
		devices = []media.Device{}
	}
	writeJSON(w, http.StatusOK, devicesResponse{Kind: kind, Selected: selected, Devices: devices})
}

// handleSelectDevice stores the device selection for one kind. An empty
// device_id selects the system default.
func (s *Server) handleSelectDevice(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindParam(w, r)
	if !ok {
		return
	}

	var req selectDeviceRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if errMsg := deviceIDField.check(req.DeviceID); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	effective, err := s.phone.SelectDevice(r.Context(), kind, req.DeviceID)
	if err != nil {
		s.writePhoneError(w, r, "selecting device", err)
		return
	}
	writeJSON(w, http.StatusOK, selectDeviceResponse{Kind: kind, Selected: effective})
}
