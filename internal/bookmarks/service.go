package bookmarks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidInput indicates a missing owner, supplier or product field.
	ErrInvalidInput = errors.New("bookmarks: invalid input")
	// ErrNotFound indicates the bookmark or wishlist entry does not exist for
	// this owner.
	ErrNotFound = errors.New("bookmarks: not found")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
)

// IDProvider mints identifiers for bookmark rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the bookmark store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service persists supplier bookmarks and the product wishlist, always scoped
// to one owner.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// SaveBookmark upserts a supplier bookmark for the owner.
func (s *Service) SaveBookmark(ctx context.Context, bookmark SupplierBookmark) (SupplierBookmark, error) {
	if strings.TrimSpace(bookmark.OwnerID) == "" || strings.TrimSpace(bookmark.SupplierID) == "" {
		return SupplierBookmark{}, fmt.Errorf("%w: owner and supplier ids are required", ErrInvalidInput)
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return SupplierBookmark{}, err
	}
	bookmark.ID = id
	bookmark.CreatedAtSeconds = s.clock().UTC().Unix()

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "supplier_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"supplier_name", "note"}),
	}).Create(&bookmark).Error
	if err != nil {
		s.logger.Error("bookmark save failed", zap.Error(err), zap.String("owner_id", bookmark.OwnerID))
		return SupplierBookmark{}, err
	}
	return bookmark, nil
}

// ListBookmarks returns the owner's supplier bookmarks, newest first.
func (s *Service) ListBookmarks(ctx context.Context, ownerID string) ([]SupplierBookmark, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	var records []SupplierBookmark
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at_s DESC, id DESC").
		Find(&records).Error; err != nil {
		s.logger.Error("bookmark list failed", zap.Error(err), zap.String("owner_id", ownerID))
		return nil, err
	}
	return records, nil
}

// RemoveBookmark deletes one bookmark by supplier id.
func (s *Service) RemoveBookmark(ctx context.Context, ownerID, supplierID string) error {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(supplierID) == "" {
		return fmt.Errorf("%w: owner and supplier ids are required", ErrInvalidInput)
	}
	result := s.db.WithContext(ctx).
		Where("owner_id = ? AND supplier_id = ?", ownerID, supplierID).
		Delete(&SupplierBookmark{})
	if result.Error != nil {
		s.logger.Error("bookmark delete failed", zap.Error(result.Error), zap.String("owner_id", ownerID))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveWishlistItem upserts a wishlist entry for the owner.
func (s *Service) SaveWishlistItem(ctx context.Context, item WishlistItem) (WishlistItem, error) {
	if strings.TrimSpace(item.OwnerID) == "" || strings.TrimSpace(item.ProductID) == "" {
		return WishlistItem{}, fmt.Errorf("%w: owner and product ids are required", ErrInvalidInput)
	}
	if item.Quantity < 1 {
		item.Quantity = 1
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		return WishlistItem{}, err
	}
	item.ID = id
	item.CreatedAtSeconds = s.clock().UTC().Unix()

	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "product_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"product_name", "quantity"}),
	}).Create(&item).Error
	if err != nil {
		s.logger.Error("wishlist save failed", zap.Error(err), zap.String("owner_id", item.OwnerID))
		return WishlistItem{}, err
	}
	return item, nil
}

// ListWishlist returns the owner's wishlist, newest first.
func (s *Service) ListWishlist(ctx context.Context, ownerID string) ([]WishlistItem, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrInvalidInput)
	}
	var records []WishlistItem
	if err := s.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at_s DESC, id DESC").
		Find(&records).Error; err != nil {
		s.logger.Error("wishlist list failed", zap.Error(err), zap.String("owner_id", ownerID))
		return nil, err
	}
	return records, nil
}

// RemoveWishlistItem deletes one wishlist entry by product id.
func (s *Service) RemoveWishlistItem(ctx context.Context, ownerID, productID string) error {
	if strings.TrimSpace(ownerID) == "" || strings.TrimSpace(productID) == "" {
		return fmt.Errorf("%w: owner and product ids are required", ErrInvalidInput)
	}
	result := s.db.WithContext(ctx).
		Where("owner_id = ? AND product_id = ?", ownerID, productID).
		Delete(&WishlistItem{})
	if result.Error != nil {
		s.logger.Error("wishlist delete failed", zap.Error(result.Error), zap.String("owner_id", ownerID))
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
