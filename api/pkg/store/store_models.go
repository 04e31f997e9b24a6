package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/modelharbor/modelharbor/api/pkg/system"
	"github.com/modelharbor/modelharbor/api/pkg/types"
)

func (s *SQLiteStore) ListModels(ctx context.Context, instanceID string) ([]*types.OllamaModel, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id not specified")
	}

	var models []*types.OllamaModel
	err := s.gdb.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("name ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	return models, nil
}

func (s *SQLiteStore) GetModel(ctx context.Context, instanceID, name string) (*types.OllamaModel, error) {
	if instanceID == "" || name == "" {
		return nil, fmt.Errorf("instance id and model name must be specified")
	}

	var model types.OllamaModel
	err := s.gdb.WithContext(ctx).
		Where("instance_id = ? AND name = ?", instanceID, name).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &model, nil
}

// UpsertModel inserts or replaces the record keyed by (instance, name).
func (s *SQLiteStore) UpsertModel(ctx context.Context, model *types.OllamaModel) (*types.OllamaModel, error) {
	if model.InstanceID == "" || model.Name == "" {
		return nil, fmt.Errorf("instance id and model name must be specified")
	}

	existing, err := s.GetModel(ctx, model.InstanceID, model.Name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if existing != nil {
		model.ID = existing.ID
		model.Created = existing.Created
	}
	if model.ID == "" {
		model.ID = system.GenerateOllamaModelID()
		model.Created = time.Now()
	}
	model.Updated = time.Now()

	if err := s.gdb.WithContext(ctx).Save(model).Error; err != nil {
		return nil, err
	}
	return s.GetModel(ctx, model.InstanceID, model.Name)
}

func (s *SQLiteStore) DeleteModel(ctx context.Context, instanceID, name string) error {
	if instanceID == "" || name == "" {
		return fmt.Errorf("instance id and model name must be specified")
	}

	result := s.gdb.WithContext(ctx).
		Where("instance_id = ? AND name = ?", instanceID, name).
		Delete(&types.OllamaModel{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
