package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

func validateInstance(instance *types.Instance) error {
	if instance.ID == "" {
		return fmt.Errorf("id not specified")
	}
	if !instance.Kind.Valid() {
		return fmt.Errorf("unknown engine kind %q", instance.Kind)
	}
	if instance.Name == "" {
		return fmt.Errorf("name not specified")
	}
	return nil
}

func (s *SQLiteStore) CreateInstance(ctx context.Context, instance *types.Instance) (*types.Instance, error) {
	if err := validateInstance(instance); err != nil {
		return nil, err
	}

	instance.Created = time.Now()
	instance.Updated = time.Now()

	err := s.gdb.WithContext(ctx).Create(instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrDuplicateID
		}
		return nil, err
	}
	return s.GetInstance(ctx, instance.ID)
}

func (s *SQLiteStore) CreateInstanceWithReservation(ctx context.Context, instance *types.Instance) (*types.Instance, error) {
	if err := validateInstance(instance); err != nil {
		return nil, err
	}
	if instance.Port == 0 {
		return nil, fmt.Errorf("port not specified")
	}

	instance.Created = time.Now()
	instance.Updated = time.Now()

	err := s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(instance).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateID
			}
			return err
		}
		reservation := &types.PortReservation{
			Port:        instance.Port,
			InstanceID:  instance.ID,
			AllocatedAt: time.Now(),
		}
		if err := tx.Create(reservation).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrPortAlreadyReserved
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, instance.ID)
}

func (s *SQLiteStore) UpdateInstance(ctx context.Context, instance *types.Instance) (*types.Instance, error) {
	if instance.ID == "" {
		return nil, fmt.Errorf("id not specified")
	}

	existing, err := s.GetInstance(ctx, instance.ID)
	if err != nil {
		return nil, err
	}
	// ContainerID is immutable once assigned for the life of the record.
	if existing.ContainerID != "" && instance.ContainerID == "" {
		instance.ContainerID = existing.ContainerID
	}

	instance.Created = existing.Created
	instance.Updated = time.Now()

	err = s.gdb.WithContext(ctx).Save(instance).Error
	if err != nil {
		return nil, err
	}
	return s.GetInstance(ctx, instance.ID)
}

func (s *SQLiteStore) UpdateInstanceStatus(ctx context.Context, id string, status types.InstanceStatus) error {
	if id == "" {
		return fmt.Errorf("id not specified")
	}
	result := s.gdb.WithContext(ctx).Model(&types.Instance{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":  status,
			"updated": time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetInstance(ctx context.Context, id string) (*types.Instance, error) {
	if id == "" {
		return nil, fmt.Errorf("id not specified")
	}

	var instance types.Instance
	err := s.gdb.WithContext(ctx).Where("id = ?", id).First(&instance).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &instance, nil
}

func (s *SQLiteStore) ListInstances(ctx context.Context, q ListInstancesQuery) ([]*types.Instance, error) {
	query := s.gdb.WithContext(ctx)
	if q.Kind != "" {
		query = query.Where("kind = ?", q.Kind)
	}
	if q.Status != "" {
		query = query.Where("status = ?", q.Status)
	}

	var instances []*types.Instance
	err := query.Order("created ASC").Find(&instances).Error
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// DeleteInstance removes the record and cascades to its ollama model
// records in the same transaction. The port reservation is released
// separately by the allocator.
func (s *SQLiteStore) DeleteInstance(ctx context.Context, id string) error {
	if id == "" {
		return fmt.Errorf("id not specified")
	}

	return s.gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ?", id).Delete(&types.Instance{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where("instance_id = ?", id).Delete(&types.OllamaModel{}).Error
	})
}
