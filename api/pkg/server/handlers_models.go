package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/store"
	"github.com/modelharbor/modelharbor/api/pkg/system"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// listModels returns the stored model records of one Ollama instance,
// refreshed from the live engine first so out-of-band pulls appear.
// A refresh failure degrades to the stored view.
func (s *Server) listModels(_ http.ResponseWriter, req *http.Request) ([]*types.OllamaModel, error) {
	state, err := s.instanceOfKind(req, types.EngineKindOllama)
	if err != nil {
		return nil, err
	}

	if state.Running && s.puller != nil {
		if err := s.puller.RefreshModels(req.Context(), &state.Instance); err != nil {
			log.Warn().Err(err).Str("instance_id", state.ID).Msg("model refresh from engine failed, serving stored records")
		}
	}

	models, err := s.store.ListModels(req.Context(), state.ID)
	if err != nil {
		return nil, err
	}
	if models == nil {
		models = []*types.OllamaModel{}
	}
	return models, nil
}

// pullModel starts a model download and streams progress frames as
// server-sent events. The download keeps running if the client
// disconnects; the record reflects the final outcome either way.
func (s *Server) pullModel(res http.ResponseWriter, req *http.Request) {
	state, err := s.instanceOfKind(req, types.EngineKindOllama)
	if err != nil {
		system.WriteError(res, req, err, false)
		return
	}

	var body types.PullModelRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		system.WriteError(res, req, types.NewValidationError("invalid request body: %s", err.Error()), false)
		return
	}

	events, err := s.puller.Pull(req.Context(), &state.Instance, body.ModelName)
	if err != nil {
		system.WriteError(res, req, err, false)
		return
	}

	flusher, ok := res.(http.Flusher)
	if !ok {
		system.WriteError(res, req, types.NewInternalError("streaming unsupported by connection", nil), false)
		return
	}

	res.Header().Set("Content-Type", "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-req.Context().Done():
			// Client gone; the pull finishes on its own.
			return
		case event, open := <-events:
			if !open {
				return
			}
			payload, marshalErr := json.Marshal(event)
			if marshalErr != nil {
				log.Error().Err(marshalErr).Msg("failed to encode pull progress event")
				continue
			}
			fmt.Fprintf(res, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) deleteModel(_ http.ResponseWriter, req *http.Request) (*types.OllamaModel, error) {
	state, err := s.instanceOfKind(req, types.EngineKindOllama)
	if err != nil {
		return nil, err
	}
	modelName := mux.Vars(req)["model"]
	if modelName == "" {
		return nil, types.NewValidationError("model name is required")
	}

	model, err := s.store.GetModel(req.Context(), state.ID, modelName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, types.NewNotFoundError("model %s not found on instance %s", modelName, state.ID)
		}
		return nil, err
	}
	if err := s.puller.DeleteModel(req.Context(), &state.Instance, modelName); err != nil {
		return nil, err
	}
	return model, nil
}
