package postgres

import (
	"context"
	"errors"

	locationDatamodel "github.com/mooses23/gemachhub/internal/core/datamodel/location"
	"github.com/mooses23/gemachhub/internal/location"
	"gorm.io/gorm"
)

type LocationRepository struct {
	db *gorm.DB
}

func NewLocationRepository(db *gorm.DB) location.RepositoryAPI {
	return &LocationRepository{db: db}
}

func (r *LocationRepository) GetAll(ctx context.Context, includeInactive bool) ([]*locationDatamodel.Location, error) {
	var rows []*locationDatamodel.Location
	q := r.db.WithContext(ctx).Order("name ASC")
	if !includeInactive {
		q = q.Where("is_active = ?", true)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *LocationRepository) GetByID(ctx context.Context, id int64) (*locationDatamodel.Location, error) {
	var row locationDatamodel.Location
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *LocationRepository) GetByCode(ctx context.Context, code string) (*locationDatamodel.Location, error) {
	var row locationDatamodel.Location
	err := r.db.WithContext(ctx).Where("code = ?", code).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *LocationRepository) Create(ctx context.Context, loc *locationDatamodel.Location) error {
	return r.db.WithContext(ctx).Create(loc).Error
}

func (r *LocationRepository) Update(ctx context.Context, id int64, fields map[string]interface{}) error {
	return r.db.WithContext(ctx).
		Model(&locationDatamodel.Location{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (r *LocationRepository) ListPaymentMethods(ctx context.Context) ([]*locationDatamodel.PaymentMethod, error) {
	var rows []*locationDatamodel.PaymentMethod
	err := r.db.WithContext(ctx).Order("id ASC").Find(&rows).Error
	return rows, err
}

func (r *LocationRepository) ListAccepted(ctx context.Context, locationID int64) ([]location.AcceptedRow, error) {
	var links []locationDatamodel.LocationPaymentMethod
	err := r.db.WithContext(ctx).
		Where("location_id = ?", locationID).
		Order("sort_order ASC").
		Find(&links).Error
	if err != nil || len(links) == 0 {
		return nil, err
	}

	ids := make([]int64, 0, len(links))
	for _, l := range links {
		ids = append(ids, l.PaymentMethodID)
	}
	var methods []locationDatamodel.PaymentMethod
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&methods).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]locationDatamodel.PaymentMethod, len(methods))
	for _, m := range methods {
		byID[m.ID] = m
	}

	out := make([]location.AcceptedRow, 0, len(links))
	for _, l := range links {
		m, ok := byID[l.PaymentMethodID]
		if !ok {
			continue
		}
		out = append(out, location.AcceptedRow{Link: l, Method: m})
	}
	return out, nil
}

func (r *LocationRepository) ReplaceAccepted(ctx context.Context, locationID int64, links []*locationDatamodel.LocationPaymentMethod) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("location_id = ?", locationID).Delete(&locationDatamodel.LocationPaymentMethod{}).Error; err != nil {
			return err
		}
		if len(links) == 0 {
			return nil
		}
		return tx.Create(&links).Error
	})
}
