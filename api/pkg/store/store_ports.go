package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/modelharbor/modelharbor/api/pkg/types"
)

func (s *SQLiteStore) ReservePort(ctx context.Context, port int, instanceID string) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}
	if instanceID == "" {
		return fmt.Errorf("instance id not specified")
	}

	reservation := &types.PortReservation{
		Port:        port,
		InstanceID:  instanceID,
		AllocatedAt: time.Now(),
	}
	err := s.gdb.WithContext(ctx).Create(reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrPortAlreadyReserved
		}
		return err
	}
	return nil
}

// ReleasePort drops the reservation row. Releasing an absent port is
// not an error so teardown paths stay idempotent.
func (s *SQLiteStore) ReleasePort(ctx context.Context, port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}
	return s.gdb.WithContext(ctx).Where("port = ?", port).Delete(&types.PortReservation{}).Error
}

func (s *SQLiteStore) ListReservations(ctx context.Context) ([]*types.PortReservation, error) {
	var reservations []*types.PortReservation
	err := s.gdb.WithContext(ctx).Order("port ASC").Find(&reservations).Error
	if err != nil {
		return nil, err
	}
	return reservations, nil
}

func (s *SQLiteStore) GetReservationByInstance(ctx context.Context, instanceID string) (*types.PortReservation, error) {
	if instanceID == "" {
		return nil, fmt.Errorf("instance id not specified")
	}

	var reservation types.PortReservation
	err := s.gdb.WithContext(ctx).Where("instance_id = ?", instanceID).First(&reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &reservation, nil
}
