package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/voltflux/powermon/internal/ingest"
	"github.com/voltflux/powermon/internal/models"
	"github.com/voltflux/powermon/internal/persistence"
)

type createDeviceRequest struct {
	Name           string  `json:"name"`
	Location       string  `json:"location"`
	MAC            string  `json:"mac"`
	Broker         string  `json:"broker"`
	Port           int     `json:"port"`
	PubTopic       string  `json:"pub_topic"`
	SubTopic       string  `json:"sub_topic"`
	ClientID       string  `json:"client_id"`
	Username       string  `json:"username"`
	Password       string  `json:"password"`
	Status         *int    `json:"status"`
	CollectEnabled bool    `json:"collect_enabled"`
	Description    *string `json:"description"`
	IngressType    int     `json:"ingress_type"`
}

type updateDeviceRequest struct {
	Status         *int           `json:"status"`
	CollectEnabled *bool          `json:"collect_enabled"`
	IngressType    *int           `json:"ingress_type"`
	IngressConfig  map[string]any `json:"ingress_config"`
	Description    *string        `json:"description"`
}

type deviceResponse struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Location       string         `json:"location"`
	MAC            string         `json:"mac"`
	Status         int            `json:"status"`
	CollectEnabled bool           `json:"collect_enabled"`
	IngressType    string         `json:"ingress_type"`
	IngressConfig  map[string]any `json:"ingress_config"`
	Description    *string        `json:"description"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

func newDeviceResponse(d models.Device) deviceResponse {
	resp := deviceResponse{
		ID:             d.ID.String(),
		Name:           d.Name,
		Location:       d.Location,
		MAC:            d.MAC,
		Status:         int(d.Status),
		CollectEnabled: d.CollectEnabled,
		IngressType:    d.IngressType.String(),
		IngressConfig:  d.IngressConfig(),
		CreatedAt:      d.CreatedAt.UTC().Format("2006-01-02T15:04:05Z"),
		UpdatedAt:      d.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z"),
	}
	if d.Description.Valid {
		desc := d.Description.String
		resp.Description = &desc
	}
	return resp
}

func (s *Server) handleAdminCreateDevice(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	userID, _ := UserID(r.Context())

	var req createDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	mac, err := models.NormalizeMAC(req.MAC)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "mac must be 12 hex chars")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, codeValidation, "name required")
		return
	}

	device := models.Device{
		Name:           req.Name,
		Location:       req.Location,
		MAC:            mac,
		Broker:         req.Broker,
		Port:           req.Port,
		PubTopic:       req.PubTopic,
		SubTopic:       req.SubTopic,
		ClientID:       req.ClientID,
		Username:       req.Username,
		Password:       req.Password,
		Status:         models.StatusEnabled,
		CollectEnabled: req.CollectEnabled,
		IngressType:    models.IngressType(req.IngressType),
		UserID:         uuid.NullUUID{UUID: userID, Valid: true},
	}
	if req.Status != nil {
		device.Status = models.DeviceStatus(*req.Status)
	}
	if req.Description != nil {
		device.Description.String, device.Description.Valid = *req.Description, true
	}

	created, err := s.repo.Devices.Create(r.Context(), device)
	if err != nil {
		wrapper := &responseWrapper{ResponseWriter: w}
		writeServiceError(wrapper, err)
		s.observe("admin_create_device", start, wrapper.statusCode, -1)
		return
	}

	s.manager.ApplyDevice(created)
	writeJSON(w, http.StatusCreated, newDeviceResponse(created))
	s.observe("admin_create_device", start, http.StatusCreated, -1)
}

func (s *Server) handleAdminListDevices(w http.ResponseWriter, r *http.Request) {
	var status *models.DeviceStatus
	switch r.URL.Query().Get("status") {
	case "":
	case "enabled":
		v := models.StatusEnabled
		status = &v
	case "disabled":
		v := models.StatusDisabled
		status = &v
	default:
		writeError(w, http.StatusUnprocessableEntity, codeValidation, "status must be enabled or disabled")
		return
	}

	devices, err := s.repo.Devices.List(r.Context(), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	items := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		items = append(items, newDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "total": len(items)})
}

func (s *Server) handleAdminUpdateDevice(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	mac, err := models.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		writeError(w, http.StatusNotFound, codeDeviceNotFound, "device not found")
		return
	}

	var req updateDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	update := persistence.DeviceUpdate{
		CollectEnabled: req.CollectEnabled,
		IngressConfig:  req.IngressConfig,
		Description:    req.Description,
	}
	if req.Status != nil {
		v := models.DeviceStatus(*req.Status)
		update.Status = &v
	}
	if req.IngressType != nil {
		v := models.IngressType(*req.IngressType)
		update.IngressType = &v
	}

	updated, err := s.repo.Devices.Update(r.Context(), mac, update)
	if err != nil {
		wrapper := &responseWrapper{ResponseWriter: w}
		writeServiceError(wrapper, err)
		s.observe("admin_update_device", start, wrapper.statusCode, -1)
		return
	}

	s.manager.ApplyDevice(updated)
	writeJSON(w, http.StatusOK, newDeviceResponse(updated))
	s.observe("admin_update_device", start, http.StatusOK, -1)
}

func (s *Server) handleAdminPublish(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	mac, err := models.NormalizeMAC(mux.Vars(r)["mac"])
	if err != nil {
		writeError(w, http.StatusNotFound, codeDeviceNotFound, "device not found")
		return
	}

	var settings ingest.TimerSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, "invalid request body")
		return
	}

	if err := s.publisher.PublishTimer(r.Context(), mac, settings); err != nil {
		wrapper := &responseWrapper{ResponseWriter: w}
		writeServiceError(wrapper, err)
		s.observe("admin_publish", start, wrapper.statusCode, -1)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"published": true})
	s.observe("admin_publish", start, http.StatusOK, -1)
}
