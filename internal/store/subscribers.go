package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Subscribers is the subscriber credential repository.
type Subscribers struct {
	db *gorm.DB
}

// Subscribers returns the subscriber repository.
func (d *DB) Subscribers() *Subscribers { return &Subscribers{db: d.db} }

// Get returns the subscriber with imsi.
func (r *Subscribers) Get(ctx context.Context, imsi string) (Subscriber, error) {
	var s Subscriber
	err := r.db.WithContext(ctx).First(&s, "imsi = ?", imsi).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Subscriber{}, fmt.Errorf("subscriber %s: %w", imsi, ErrNotFound)
	}
	if err != nil {
		return Subscriber{}, fmt.Errorf("subscriber %s: %w", imsi, err)
	}
	return s, nil
}

// Put inserts s or replaces every column of an existing row.
func (r *Subscribers) Put(ctx context.Context, s *Subscriber) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(s).Error
	if err != nil {
		return fmt.Errorf("put subscriber %s: %w", s.IMSI, err)
	}
	return nil
}

// Provision inserts s or updates the credentials of an existing row,
// keeping its stored sequence number.
func (r *Subscribers) Provision(ctx context.Context, s *Subscriber) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "imsi"}},
		DoUpdates: clause.AssignmentColumns([]string{"msisdn", "ki", "opc", "amf", "barred", "updated_at"}),
	}).Create(s).Error
	if err != nil {
		return fmt.Errorf("provision subscriber %s: %w", s.IMSI, err)
	}
	return nil
}

// List returns every subscriber ordered by IMSI.
func (r *Subscribers) List(ctx context.Context) ([]Subscriber, error) {
	var out []Subscriber
	if err := r.db.WithContext(ctx).Order("imsi").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	return out, nil
}

// Delete removes the subscriber with imsi.
func (r *Subscribers) Delete(ctx context.Context, imsi string) error {
	res := r.db.WithContext(ctx).Delete(&Subscriber{}, "imsi = ?", imsi)
	if res.Error != nil {
		return fmt.Errorf("delete subscriber %s: %w", imsi, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete subscriber %s: %w", imsi, ErrNotFound)
	}
	return nil
}

// AdvanceSQN increments the sequence number of imsi by step and returns
// the subscriber with the new value.
func (r *Subscribers) AdvanceSQN(ctx context.Context, imsi string, step uint64) (Subscriber, error) {
	var s Subscriber
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&s, "imsi = ?", imsi).Error; err != nil {
			return err
		}
		s.SQN += step
		return tx.Model(&s).Update("sqn", s.SQN).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Subscriber{}, fmt.Errorf("advance sqn %s: %w", imsi, ErrNotFound)
	}
	if err != nil {
		return Subscriber{}, fmt.Errorf("advance sqn %s: %w", imsi, err)
	}
	return s, nil
}

// SetSQN stores a resynchronised sequence number.
func (r *Subscribers) SetSQN(ctx context.Context, imsi string, sqn uint64) error {
	res := r.db.WithContext(ctx).Model(&Subscriber{}).Where("imsi = ?", imsi).Update("sqn", sqn)
	if res.Error != nil {
		return fmt.Errorf("set sqn %s: %w", imsi, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("set sqn %s: %w", imsi, ErrNotFound)
	}
	return nil
}
