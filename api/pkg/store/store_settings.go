package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

const (
	SettingDefaultHostname  = "default_hostname"
	SettingDefaultAPIKey    = "default_api_key"
	SettingHuggingfaceToken = "huggingface_token"
)

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("key not specified")
	}

	var setting types.Setting
	err := s.gdb.WithContext(ctx).Where("key = ?", key).First(&setting).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", ErrNotFound
		}
		return "", err
	}
	return setting.Value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key not specified")
	}
	setting := &types.Setting{
		Key:     key,
		Value:   value,
		Updated: time.Now(),
	}
	return s.gdb.WithContext(ctx).Save(setting).Error
}
