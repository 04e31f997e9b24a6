package store

import (
	"context"
	"errors"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrPortAlreadyReserved is returned by ReservePort when the port
	// row already exists, whoever owns it.
	ErrPortAlreadyReserved = errors.New("port already reserved")

	// ErrDuplicateID is returned by CreateInstance when the id is
	// already taken. Ids are never reused, so this only happens on a
	// caller bug or a replayed import.
	ErrDuplicateID = errors.New("instance id already exists")
)

type ListInstancesQuery struct {
	Kind   types.EngineKind     `json:"kind"`
	Status types.InstanceStatus `json:"status"`
}

type Store interface {
	// instances
	CreateInstance(ctx context.Context, instance *types.Instance) (*types.Instance, error)
	UpdateInstance(ctx context.Context, instance *types.Instance) (*types.Instance, error)
	UpdateInstanceStatus(ctx context.Context, id string, status types.InstanceStatus) error
	GetInstance(ctx context.Context, id string) (*types.Instance, error)
	ListInstances(ctx context.Context, q ListInstancesQuery) ([]*types.Instance, error)
	DeleteInstance(ctx context.Context, id string) error

	// CreateInstanceWithReservation inserts the instance record and its
	// port reservation in one transaction. Used by orphan import where
	// the two must land together or not at all.
	CreateInstanceWithReservation(ctx context.Context, instance *types.Instance) (*types.Instance, error)

	// port reservations
	ReservePort(ctx context.Context, port int, instanceID string) error
	ReleasePort(ctx context.Context, port int) error
	ListReservations(ctx context.Context) ([]*types.PortReservation, error)
	GetReservationByInstance(ctx context.Context, instanceID string) (*types.PortReservation, error)

	// ollama model records
	ListModels(ctx context.Context, instanceID string) ([]*types.OllamaModel, error)
	GetModel(ctx context.Context, instanceID, name string) (*types.OllamaModel, error)
	UpsertModel(ctx context.Context, model *types.OllamaModel) (*types.OllamaModel, error)
	DeleteModel(ctx context.Context, instanceID, name string) error

	// settings
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}
