package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/modelharbor/modelharbor/api/pkg/system"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

const defaultLogTail = 100

type handlerFor[T any] = func(res http.ResponseWriter, req *http.Request) (T, error)

func (s *Server) listInstances(kind types.EngineKind) handlerFor[*types.ListInstancesResponse] {
	return func(_ http.ResponseWriter, req *http.Request) (*types.ListInstancesResponse, error) {
		return s.manager.List(req.Context(), kind)
	}
}

func (s *Server) listWithOrphanCheck(kind types.EngineKind) handlerFor[*types.ListInstancesResponse] {
	return func(_ http.ResponseWriter, req *http.Request) (*types.ListInstancesResponse, error) {
		return s.manager.ListWithReconcile(req.Context(), kind)
	}
}

func (s *Server) createInstance(kind types.EngineKind) handlerFor[*types.InstanceState] {
	return func(_ http.ResponseWriter, req *http.Request) (*types.InstanceState, error) {
		var body types.CreateInstanceRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return nil, types.NewValidationError("invalid request body: %s", err.Error())
		}
		return s.manager.Create(req.Context(), kind, &body)
	}
}

// instanceOfKind loads the record and rejects cross-family access: an
// Ollama id fetched through /containers is not found, and vice versa.
func (s *Server) instanceOfKind(req *http.Request, kind types.EngineKind) (*types.InstanceState, error) {
	id := mux.Vars(req)["id"]
	state, err := s.manager.Get(req.Context(), id)
	if err != nil {
		return nil, err
	}
	if state.Kind != kind {
		return nil, types.NewNotFoundError("instance %s not found", id)
	}
	return state, nil
}

func (s *Server) getInstance(kind types.EngineKind) handlerFor[*types.InstanceState] {
	return func(_ http.ResponseWriter, req *http.Request) (*types.InstanceState, error) {
		return s.instanceOfKind(req, kind)
	}
}

func (s *Server) updateInstance(kind types.EngineKind) handlerFor[*types.InstanceState] {
	return func(_ http.ResponseWriter, req *http.Request) (*types.InstanceState, error) {
		state, err := s.instanceOfKind(req, kind)
		if err != nil {
			return nil, err
		}
		var body types.CreateInstanceRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			return nil, types.NewValidationError("invalid request body: %s", err.Error())
		}
		return s.manager.Update(req.Context(), state.ID, &body)
	}
}

func (s *Server) removeInstance(kind types.EngineKind) handlerFor[*types.InstanceState] {
	return func(_ http.ResponseWriter, req *http.Request) (*types.InstanceState, error) {
		state, err := s.instanceOfKind(req, kind)
		if err != nil {
			return nil, err
		}
		if err := s.manager.Remove(req.Context(), state.ID); err != nil {
			return nil, err
		}
		state.Status = types.InstanceStatusRemoved
		state.Running = false
		return state, nil
	}
}

func (s *Server) startInstance(kind types.EngineKind) handlerFor[*types.InstanceState] {
	return func(_ http.ResponseWriter, req *http.Request) (*types.InstanceState, error) {
		state, err := s.instanceOfKind(req, kind)
		if err != nil {
			return nil, err
		}
		return s.manager.Start(req.Context(), state.ID)
	}
}

func (s *Server) stopInstance(kind types.EngineKind) handlerFor[*types.InstanceState] {
	return func(_ http.ResponseWriter, req *http.Request) (*types.InstanceState, error) {
		state, err := s.instanceOfKind(req, kind)
		if err != nil {
			return nil, err
		}
		return s.manager.Stop(req.Context(), state.ID)
	}
}

func (s *Server) restartInstance(kind types.EngineKind) handlerFor[*types.InstanceState] {
	return func(_ http.ResponseWriter, req *http.Request) (*types.InstanceState, error) {
		state, err := s.instanceOfKind(req, kind)
		if err != nil {
			return nil, err
		}
		return s.manager.Restart(req.Context(), state.ID)
	}
}

// instanceLogs streams container output as plain text.
func (s *Server) instanceLogs(kind types.EngineKind) http.HandlerFunc {
	return func(res http.ResponseWriter, req *http.Request) {
		state, err := s.instanceOfKind(req, kind)
		if err != nil {
			system.WriteError(res, req, err, false)
			return
		}

		tail := defaultLogTail
		if raw := req.URL.Query().Get("tail"); raw != "" {
			parsed, parseErr := strconv.Atoi(raw)
			if parseErr != nil || parsed <= 0 {
				system.WriteError(res, req, types.NewValidationError("tail must be a positive integer"), false)
				return
			}
			tail = parsed
		}

		logs, err := s.manager.Logs(req.Context(), state.ID, tail)
		if err != nil {
			system.WriteError(res, req, err, false)
			return
		}
		res.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = res.Write(logs)
	}
}

func (s *Server) listOrphans(_ http.ResponseWriter, req *http.Request) (*types.ReconcileReport, error) {
	autoImport := false
	if raw := req.URL.Query().Get("autoImport"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, types.NewValidationError("autoImport must be a boolean")
		}
		autoImport = parsed
	}
	return s.reconciler.Reconcile(req.Context(), autoImport)
}

type importOrphansRequest struct {
	ContainerIDs []string `json:"containerIds"`
}

func (s *Server) importOrphans(_ http.ResponseWriter, req *http.Request) (*types.ReconcileReport, error) {
	var body importOrphansRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		return nil, types.NewValidationError("invalid request body: %s", err.Error())
	}
	if len(body.ContainerIDs) == 0 {
		return nil, types.NewValidationError("containerIds is required")
	}
	return s.reconciler.ImportByContainerIDs(req.Context(), body.ContainerIDs)
}
