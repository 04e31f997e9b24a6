package types

import "time"

// CreateInstanceRequest is the body of POST /api/containers and
// POST /api/ollama. ModelName is required for vLLM and ignored for
// Ollama (models are pulled separately there).
type CreateInstanceRequest struct {
	Name                 string  `json:"name"`
	ModelName            string  `json:"modelName"`
	APIKey               string  `json:"apiKey,omitempty"`
	RequireAuth          bool    `json:"requireAuth"`
	Hostname             string  `json:"hostname,omitempty"`
	GPUSelection         string  `json:"gpuSelection,omitempty"`
	MaxContextLength     int     `json:"maxContextLength,omitempty"`
	GPUMemoryUtilization float64 `json:"gpuMemoryUtilization,omitempty"`
	MaxNumSeqs           int     `json:"maxNumSeqs,omitempty"`
	TrustRemoteCode      bool    `json:"trustRemoteCode,omitempty"`
	Quantization         string  `json:"quantization,omitempty"`
	TensorParallelSize   int     `json:"tensorParallelSize,omitempty"`
}

// InstanceState is an Instance augmented with the daemon's live view,
// returned by every read path.
type InstanceState struct {
	Instance
	Running       bool          `json:"running"`
	LiveStatus    string        `json:"live_status,omitempty"`
	Models        []OllamaModel `json:"models,omitempty"`
	StatusWarning string        `json:"status_warning,omitempty"`
}

// ListInstancesResponse carries the listing plus an optional warning
// when a reconcile pass could not complete in time. Reconciliation
// failures never fail a read.
type ListInstancesResponse struct {
	Instances []*InstanceState `json:"instances"`
	Warning   string           `json:"warning,omitempty"`
}

// OrphanContainer describes a daemon container that carries our name
// format but has no backing instance record.
type OrphanContainer struct {
	ContainerID string     `json:"container_id"`
	Name        string     `json:"name"`
	InstanceID  string     `json:"instance_id"`
	Kind        EngineKind `json:"kind"`
	ModelRef    string     `json:"model_ref,omitempty"`
	Port        int        `json:"port"`
	GPUID       string     `json:"gpu_id,omitempty"`
	Running     bool       `json:"running"`
	SkipReason  string     `json:"skip_reason,omitempty"`
}

// ReconcileReport summarises one reconciliation pass.
type ReconcileReport struct {
	Orphans           []*OrphanContainer `json:"orphans"`
	Imported          []string           `json:"imported"`
	Skipped           []string           `json:"skipped"`
	StaleReservations []int              `json:"stale_reservations"`
	StartedAt         time.Time          `json:"started_at"`
	FinishedAt        time.Time          `json:"finished_at"`
}

// PullModelRequest is the body of POST /api/ollama/{id}/models. The
// response is always a progress event stream.
type PullModelRequest struct {
	ModelName string `json:"modelName"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// SettingsPayload is the read/write shape of /api/settings. All fields
// are stored as individual rows so partial updates are cheap.
type SettingsPayload struct {
	DefaultHostname  string `json:"default_hostname,omitempty"`
	DefaultAPIKey    string `json:"default_api_key,omitempty"`
	HuggingfaceToken string `json:"huggingface_token,omitempty"`
}
