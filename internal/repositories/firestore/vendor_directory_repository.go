package firestore

import (
	"context"
	"errors"
	"strings"

	pfirestore "github.com/feiralivre/api/internal/platform/firestore"
	"github.com/feiralivre/api/internal/repositories"
)

const storesCollection = "stores"

// VendorDirectoryRepository resolves store ids to vendor ids using the stores collection.
type VendorDirectoryRepository struct {
	docs *pfirestore.Collection[storeDocument]
}

var _ repositories.VendorDirectory = (*VendorDirectoryRepository)(nil)

// NewVendorDirectoryRepository constructs a Firestore-backed vendor directory.
func NewVendorDirectoryRepository(provider *pfirestore.Provider) (*VendorDirectoryRepository, error) {
	if provider == nil {
		return nil, errors.New("vendor directory repository: firestore provider is required")
	}
	return &VendorDirectoryRepository{
		docs: pfirestore.NewCollection[storeDocument](provider, storesCollection),
	}, nil
}

// VendorIDForStore returns the vendor operating storeID. Stores without a vendor are reported as not found.
func (r *VendorDirectoryRepository) VendorIDForStore(ctx context.Context, storeID string) (string, error) {
	doc, err := r.docs.Get(ctx, strings.TrimSpace(storeID))
	if err != nil {
		return "", err
	}
	vendorID := strings.TrimSpace(doc.Data.VendorID)
	if vendorID == "" {
		return "", pfirestore.NotFoundError("stores.vendor", "store has no vendor")
	}
	return vendorID, nil
}

type storeDocument struct {
	VendorID string `firestore:"vendorId"`
	Name     string `firestore:"name"`
}
