package server

import (
	"encoding/json"
	"net/http"

	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

func (s *Server) listGPUs(_ http.ResponseWriter, req *http.Request) ([]types.GPUDevice, error) {
	devices, err := s.inventory.Devices(req.Context())
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []types.GPUDevice{}
	}
	return devices, nil
}

type gpuAvailableResponse struct {
	Available bool `json:"available"`
	Count     int  `json:"count"`
}

func (s *Server) gpuAvailable(_ http.ResponseWriter, req *http.Request) (*gpuAvailableResponse, error) {
	devices, err := s.inventory.Devices(req.Context())
	if err != nil {
		return nil, err
	}
	return &gpuAvailableResponse{
		Available: len(devices) > 0,
		Count:     len(devices),
	}, nil
}

func (s *Server) gpuStats(_ http.ResponseWriter, req *http.Request) ([]types.GPUStats, error) {
	stats, err := s.inventory.Stats(req.Context())
	if err != nil {
		return nil, err
	}
	if stats == nil {
		stats = []types.GPUStats{}
	}
	return stats, nil
}

func (s *Server) refreshGPUs(_ http.ResponseWriter, req *http.Request) ([]types.GPUDevice, error) {
	devices, err := s.inventory.Refresh(req.Context())
	if err != nil {
		return nil, err
	}
	if devices == nil {
		devices = []types.GPUDevice{}
	}
	return devices, nil
}

func (s *Server) getSettings(_ http.ResponseWriter, req *http.Request) (*types.SettingsPayload, error) {
	payload := &types.SettingsPayload{}
	keys := map[string]*string{
		store.SettingDefaultHostname:  &payload.DefaultHostname,
		store.SettingDefaultAPIKey:    &payload.DefaultAPIKey,
		store.SettingHuggingfaceToken: &payload.HuggingfaceToken,
	}
	for key, target := range keys {
		value, err := s.store.GetSetting(req.Context(), key)
		if err != nil && err != store.ErrNotFound {
			return nil, err
		}
		*target = value
	}
	return payload, nil
}

// putSettings persists the non-empty fields of the payload; absent
// fields keep their stored value.
func (s *Server) putSettings(_ http.ResponseWriter, req *http.Request) (*types.SettingsPayload, error) {
	var body types.SettingsPayload
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, types.NewValidationError("invalid request body: %s", err.Error())
	}

	updates := map[string]string{
		store.SettingDefaultHostname:  body.DefaultHostname,
		store.SettingDefaultAPIKey:    body.DefaultAPIKey,
		store.SettingHuggingfaceToken: body.HuggingfaceToken,
	}
	for key, value := range updates {
		if value == "" {
			continue
		}
		if err := s.store.SetSetting(req.Context(), key, value); err != nil {
			return nil, err
		}
	}
	return s.getSettings(nil, req)
}
