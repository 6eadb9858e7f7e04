package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/procurolabs/procuro/backend/internal/bookmarks"
)

type bookmarkPayload struct {
	SupplierID       string `json:"supplier_id"`
	SupplierName     string `json:"supplier_name"`
	Note             string `json:"note,omitempty"`
	CreatedAtSeconds int64  `json:"created_at_s,omitempty"`
}

type wishlistItemPayload struct {
	ProductID        string `json:"product_id"`
	ProductName      string `json:"product_name"`
	Quantity         int64  `json:"quantity"`
	CreatedAtSeconds int64  `json:"created_at_s,omitempty"`
}

func (h *httpHandler) handleListBookmarks(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	records, err := h.bookmarks.ListBookmarks(c.Request.Context(), ownerID)
	if err != nil {
		h.respondBookmarkError(c, err)
		return
	}

	response := make([]bookmarkPayload, 0, len(records))
	for _, record := range records {
		response = append(response, bookmarkPayload{
			SupplierID:       record.SupplierID,
			SupplierName:     record.SupplierName,
			Note:             record.Note,
			CreatedAtSeconds: record.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"bookmarks": response})
}

func (h *httpHandler) handleSaveBookmark(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	var request bookmarkPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	saved, err := h.bookmarks.SaveBookmark(c.Request.Context(), bookmarks.SupplierBookmark{
		OwnerID:      ownerID,
		SupplierID:   request.SupplierID,
		SupplierName: request.SupplierName,
		Note:         request.Note,
	})
	if err != nil {
		h.respondBookmarkError(c, err)
		return
	}
	c.JSON(http.StatusOK, bookmarkPayload{
		SupplierID:       saved.SupplierID,
		SupplierName:     saved.SupplierName,
		Note:             saved.Note,
		CreatedAtSeconds: saved.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleRemoveBookmark(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	if err := h.bookmarks.RemoveBookmark(c.Request.Context(), ownerID, c.Param("supplierID")); err != nil {
		h.respondBookmarkError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleListWishlist(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	records, err := h.bookmarks.ListWishlist(c.Request.Context(), ownerID)
	if err != nil {
		h.respondBookmarkError(c, err)
		return
	}

	response := make([]wishlistItemPayload, 0, len(records))
	for _, record := range records {
		response = append(response, wishlistItemPayload{
			ProductID:        record.ProductID,
			ProductName:      record.ProductName,
			Quantity:         record.Quantity,
			CreatedAtSeconds: record.CreatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"wishlist": response})
}

func (h *httpHandler) handleSaveWishlistItem(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	var request wishlistItemPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	saved, err := h.bookmarks.SaveWishlistItem(c.Request.Context(), bookmarks.WishlistItem{
		OwnerID:     ownerID,
		ProductID:   request.ProductID,
		ProductName: request.ProductName,
		Quantity:    request.Quantity,
	})
	if err != nil {
		h.respondBookmarkError(c, err)
		return
	}
	c.JSON(http.StatusOK, wishlistItemPayload{
		ProductID:        saved.ProductID,
		ProductName:      saved.ProductName,
		Quantity:         saved.Quantity,
		CreatedAtSeconds: saved.CreatedAtSeconds,
	})
}

func (h *httpHandler) handleRemoveWishlistItem(c *gin.Context) {
	ownerID, ok := h.ownerID(c)
	if !ok {
		return
	}

	if err := h.bookmarks.RemoveWishlistItem(c.Request.Context(), ownerID, c.Param("productID")); err != nil {
		h.respondBookmarkError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) respondBookmarkError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, bookmarks.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	case errors.Is(err, bookmarks.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	default:
		h.logger.Error("bookmark request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
