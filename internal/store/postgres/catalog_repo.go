package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"reserva/internal/domain"
	"reserva/internal/service/bookings"
	"reserva/internal/store"
)

// CatalogRepo backs the booking engine's catalog and directory reads.
type CatalogRepo struct {
	db *bun.DB
}

func NewCatalogRepo(db *bun.DB) *CatalogRepo {
	return &CatalogRepo{db: db}
}

var _ bookings.ServiceCatalog = (*CatalogRepo)(nil)
var _ bookings.Directory = (*CatalogRepo)(nil)

func (r *CatalogRepo) Resolve(ctx context.Context, serviceID uuid.UUID, variantID *uuid.UUID) (bookings.ServiceInfo, error) {
	var svc domain.ServiceOffering
	err := r.db.NewSelect().
		Model(&svc).
		Where("id = ?", serviceID).
		Where("active").
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bookings.ServiceInfo{}, store.ErrNotFound
		}
		return bookings.ServiceInfo{}, err
	}

	info := bookings.ServiceInfo{
		Name:              svc.Name,
		DurationMinutes:   svc.DurationMinutes,
		ProcessingMinutes: svc.ProcessingMinutes,
		BlockedMinutes:    svc.BlockedMinutes,
		PriceCents:        svc.PriceCents,
	}
	if variantID == nil {
		return info, nil
	}

	var variant domain.ServiceVariant
	err = r.db.NewSelect().
		Model(&variant).
		Where("id = ?", *variantID).
		Where("service_id = ?", serviceID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return bookings.ServiceInfo{}, store.ErrNotFound
		}
		return bookings.ServiceInfo{}, err
	}
	if variant.DurationMinutes > 0 {
		info.DurationMinutes = variant.DurationMinutes
	}
	if variant.PriceCents > 0 {
		info.PriceCents = variant.PriceCents
	}
	if variant.Name != "" {
		info.Name = svc.Name + " - " + variant.Name
	}
	return info, nil
}

func (r *CatalogRepo) CancellationHours(ctx context.Context, businessID, locationID uuid.UUID) (int, error) {
	var biz domain.Business
	err := r.db.NewSelect().
		Model(&biz).
		Column("cancellation_hours").
		Where("id = ?", businessID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return biz.CancellationHours, nil
}

// SenderEmail prefers the location email and falls back to the business one.
func (r *CatalogRepo) SenderEmail(ctx context.Context, businessID, locationID uuid.UUID) (string, error) {
	var loc domain.Location
	err := r.db.NewSelect().
		Model(&loc).
		Column("email").
		Where("id = ?", locationID).
		Scan(ctx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", err
	}
	if err == nil && loc.Email != "" {
		return loc.Email, nil
	}

	var biz domain.Business
	err = r.db.NewSelect().
		Model(&biz).
		Column("email").
		Where("id = ?", businessID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", store.ErrNotFound
		}
		return "", err
	}
	return biz.Email, nil
}
