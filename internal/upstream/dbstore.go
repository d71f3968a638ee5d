package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"collaborative-map-editor/internal/config"
	apperrors "collaborative-map-editor/internal/errors"
	"collaborative-map-editor/internal/geo"
)

// FeatureRecord is one authoritative feature row.
type FeatureRecord struct {
	Layer     string `gorm:"primaryKey;column:layer"`
	FID       int64  `gorm:"primaryKey;column:fid"`
	GeoJSON   []byte `gorm:"column:geojson"`
	UpdatedAt time.Time
}

func (FeatureRecord) TableName() string {
	return "features"
}

// DBStore answers existence checks straight from the feature database, for
// deployments where the library runs next to it.
type DBStore struct {
	db *gorm.DB
}

func NewDBStore(db *gorm.DB) *DBStore {
	return &DBStore{db: db}
}

// ConnectDB opens the feature database configured in the environment and
// runs migrations.
func ConnectDB() (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v sslmode=disable",
		config.AppConfig.DBHost,
		config.AppConfig.DBUser,
		config.AppConfig.DBPassword,
		config.AppConfig.DBName,
		config.AppConfig.DBPort,
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("error connecting to db: %w", err)
	}

	if err := db.AutoMigrate(&FeatureRecord{}); err != nil {
		return nil, fmt.Errorf("error migrating features table: %w", err)
	}
	return db, nil
}

func (s *DBStore) GetFeature(ctx context.Context, layerID string, featureID int64) (*geo.Feature, error) {
	var rec FeatureRecord
	err := s.db.WithContext(ctx).
		Where("layer = ? AND fid = ?", layerID, featureID).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Upstream("feature existence check failed", err)
	}

	var feature geo.Feature
	if err := json.Unmarshal(rec.GeoJSON, &feature); err != nil {
		return nil, apperrors.Upstream("stored feature is not valid GeoJSON", err)
	}
	return &feature, nil
}
