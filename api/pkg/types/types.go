package types

import (
	"time"
)

type EngineKind string

const (
	EngineKindVLLM   EngineKind = "vllm"
	EngineKindOllama EngineKind = "ollama"
)

func (k EngineKind) Valid() bool {
	return k == EngineKindVLLM || k == EngineKindOllama
}

type InstanceStatus string

const (
	InstanceStatusCreating InstanceStatus = "creating"
	InstanceStatusRunning  InstanceStatus = "running"
	InstanceStatusStopped  InstanceStatus = "stopped"
	InstanceStatusError    InstanceStatus = "error"
	InstanceStatusRemoved  InstanceStatus = "removed"
)

// GPU selection preferences accepted on create. A bare device id
// (e.g. "0") is also accepted and means "that specific GPU".
const (
	GPUSelectionAuto      = "auto"
	GPUSelectionCPU       = "cpu"
	GPUSelectionFirst     = "first"
	GPUSelectionLeastUsed = "least_used"
)

// Instance is the declarative record of "run model M under engine E on
// port P" plus its bound container identity. ContainerID is immutable
// once assigned; it may point at a dead container between runs.
type Instance struct {
	ID          string         `json:"id" gorm:"primaryKey"`
	Kind        EngineKind     `json:"kind" gorm:"index"`
	Name        string         `json:"name"`
	ModelRef    string         `json:"model_ref"`
	Port        int            `json:"port" gorm:"index"`
	ContainerID string         `json:"container_id"`
	Status      InstanceStatus `json:"status" gorm:"index"`
	APIKeyHash  string         `json:"api_key_hash,omitempty"`
	GPUID       string         `json:"gpu_id"`
	Config      InstanceConfig `json:"config" gorm:"serializer:json"`
	Created     time.Time      `json:"created_at"`
	Updated     time.Time      `json:"updated_at"`
}

// InstanceConfig carries the engine specific knobs. vLLM uses all of
// them, Ollama only the hostname and GPU selection.
type InstanceConfig struct {
	Hostname             string  `json:"hostname,omitempty"`
	GPUSelection         string  `json:"gpu_selection,omitempty"`
	MaxContextLength     int     `json:"max_context_length,omitempty"`
	GPUMemoryUtilization float64 `json:"gpu_memory_utilization,omitempty"`
	MaxNumSeqs           int     `json:"max_num_seqs,omitempty"`
	TrustRemoteCode      bool    `json:"trust_remote_code,omitempty"`
	Quantization         string  `json:"quantization,omitempty"`
	TensorParallelSize   int     `json:"tensor_parallel_size,omitempty"`

	// Set by the reconciler when the record was recovered from a
	// container this process did not create.
	Imported     bool       `json:"imported,omitempty"`
	ImportedFrom string     `json:"imported_from,omitempty"`
	ImportedAt   *time.Time `json:"imported_at,omitempty"`
}

// PortReservation denotes "this system believes port P is in use by
// instance I". Port is the primary key; InstanceID may be dangling
// until the reconciler sweeps it.
type PortReservation struct {
	Port        int       `json:"port" gorm:"primaryKey;autoIncrement:false"`
	InstanceID  string    `json:"instance_id" gorm:"index"`
	AllocatedAt time.Time `json:"allocated_at"`
}

type ModelStatus string

const (
	ModelStatusDownloading ModelStatus = "downloading"
	ModelStatusReady       ModelStatus = "ready"
	ModelStatusFailed      ModelStatus = "failed"
)

// OllamaModel is a model pulled (or being pulled) into an Ollama
// instance. Rows are owned by the parent instance and cascade with it.
type OllamaModel struct {
	ID         string      `json:"id" gorm:"primaryKey"`
	InstanceID string      `json:"instance_id" gorm:"index"`
	Name       string      `json:"name"`
	Status     ModelStatus `json:"status"`
	Size       int64       `json:"size"`
	Digest     string      `json:"digest"`
	ModifiedAt time.Time   `json:"modified_at"`
	Created    time.Time   `json:"created_at"`
	Updated    time.Time   `json:"updated_at"`
}

// Setting is a single persisted key/value user setting.
type Setting struct {
	Key     string    `json:"key" gorm:"primaryKey"`
	Value   string    `json:"value"`
	Updated time.Time `json:"updated_at"`
}

// GPUDevice is one entry of the discovered GPU topology.
type GPUDevice struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	TotalMemory uint64 `json:"total_memory"`
	FreeMemory  uint64 `json:"free_memory"`
	Utilization int    `json:"utilization"`
}

// GPUStats is the derived per-device usage view: how many running
// instances are pinned to each device.
type GPUStats struct {
	Device           GPUDevice `json:"device"`
	RunningInstances int       `json:"running_instances"`
}

// PullProgress is one frame of an Ollama model download stream.
type PullProgress struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
	Error     string `json:"error,omitempty"`
}
