package repository

import (
	"context"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type personaRepository struct {
	db *gorm.DB
}

func (r *personaRepository) List(ctx context.Context) ([]models.PersonaCost, error) {
	var personas []models.PersonaCost
	err := r.db.WithContext(ctx).Order("name ASC").Find(&personas).Error
	return personas, err
}

func (r *personaRepository) Upsert(ctx context.Context, persona *models.PersonaCost) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"cost", "min_plan", "updated_at"}),
	}).Create(persona).Error
}

func (r *personaRepository) CreateIfMissing(ctx context.Context, persona *models.PersonaCost) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoNothing: true,
	}).Create(persona).Error
}
