package system

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

// the sub path the control API is served over
const APISubPath = "/api"

// ErrorResponse is the JSON body written for every failed request.
type ErrorResponse struct {
	Error string          `json:"error"`
	Kind  types.ErrorKind `json:"kind"`
}

// StatusForKind maps control plane error classifications onto HTTP
// status codes. Anything unclassified is a 500.
func StatusForKind(kind types.ErrorKind) int {
	switch kind {
	case types.ErrorKindValidation:
		return http.StatusBadRequest
	case types.ErrorKindNotFound:
		return http.StatusNotFound
	case types.ErrorKindConflict:
		return http.StatusConflict
	case types.ErrorKindExhausted:
		return http.StatusServiceUnavailable
	case types.ErrorKindGone:
		return http.StatusGone
	case types.ErrorKindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// handlers that return data and an error which is mapped to a status
// code by its error kind
type errorWrapper[T any] func(res http.ResponseWriter, req *http.Request) (T, error)

type WrapperConfig struct {
	SilenceErrors bool
	SuccessStatus int
}

// Wrapper wraps a handler with the shared error handling: classify the
// error, log it, and write a JSON error body.
func Wrapper[T any](handler errorWrapper[T]) func(res http.ResponseWriter, req *http.Request) {
	return WrapperWithConfig(handler, WrapperConfig{})
}

func WrapperWithConfig[T any](handler errorWrapper[T], config WrapperConfig) func(res http.ResponseWriter, req *http.Request) {
	return func(res http.ResponseWriter, req *http.Request) {
		data, err := handler(res, req)
		if err != nil {
			WriteError(res, req, err, config.SilenceErrors)
			return
		}
		res.Header().Set("Content-Type", "application/json")
		if config.SuccessStatus != 0 {
			res.WriteHeader(config.SuccessStatus)
		}
		if jsonErr := json.NewEncoder(res).Encode(data); jsonErr != nil {
			log.Ctx(req.Context()).Error().Msgf("error for json encoding: %s", jsonErr.Error())
		}
	}
}

// WriteError writes the JSON error body for err with the status code
// derived from its kind.
func WriteError(res http.ResponseWriter, req *http.Request, err error, silent bool) {
	kind := types.KindOf(err)
	status := StatusForKind(kind)
	if !silent {
		log.Error().
			Str("method", req.Method).
			Str("path", req.URL.Path).
			Str("kind", string(kind)).
			Msgf("error for route: %s", err.Error())
	}
	res.Header().Set("Content-Type", "application/json")
	res.WriteHeader(status)
	_ = json.NewEncoder(res).Encode(ErrorResponse{Error: err.Error(), Kind: kind})
}
