package main

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// StoredValue is one row of the sqlite-backed token store.
type StoredValue struct {
	Key   string `gorm:"primaryKey;column:key"`
	Value string `gorm:"column:value"`
}

// LoginAudit records one acquisition attempt and its classified outcome.
type LoginAudit struct {
	ID        uint `gorm:"primaryKey"`
	Strategy  string
	Email     string
	Outcome   string
	CreatedAt time.Time
}

// GormTokenStore keeps session material in sqlite. The demo runs on a
// developer machine, so this stands in for a device keychain.
type GormTokenStore struct {
	db *gorm.DB
}

func NewGormTokenStore(db *gorm.DB) *GormTokenStore {
	return &GormTokenStore{db: db}
}

func (s *GormTokenStore) Get(key string) (string, bool, error) {
	var sv StoredValue
	err := s.db.Where("key = ?", key).First(&sv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	return sv.Value, true, nil
}

func (s *GormTokenStore) Set(key, value string) error {
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		UpdateAll: true,
	}).Create(&StoredValue{Key: key, Value: value}).Error
}

func (s *GormTokenStore) Delete(key string) error {
	return s.db.Delete(&StoredValue{}, "key = ?", key).Error
}
