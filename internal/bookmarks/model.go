package bookmarks

// SupplierBookmark pins a supplier the buyer wants to keep at hand. One row
// per (owner, supplier); re-saving refreshes the note.
type SupplierBookmark struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_bookmarks_owner_supplier,priority:1"`
	SupplierID       string `gorm:"column:supplier_id;size:190;not null;uniqueIndex:idx_bookmarks_owner_supplier,priority:2"`
	SupplierName     string `gorm:"column:supplier_name;size:256;not null"`
	Note             string `gorm:"column:note;type:text;not null;default:''"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (SupplierBookmark) TableName() string {
	return "supplier_bookmarks"
}

// WishlistItem records a product the buyer intends to source later.
type WishlistItem struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;uniqueIndex:idx_wishlist_owner_product,priority:1"`
	ProductID        string `gorm:"column:product_id;size:190;not null;uniqueIndex:idx_wishlist_owner_product,priority:2"`
	ProductName      string `gorm:"column:product_name;size:256;not null"`
	Quantity         int64  `gorm:"column:quantity;not null;default:1"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (WishlistItem) TableName() string {
	return "wishlist_items"
}
