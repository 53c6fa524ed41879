package domain

import "time"

// DeliveryAddress is the destination selected during checkout.
type DeliveryAddress struct {
	PostalCode string
}

// CartItem is the subset of a cart line needed to quote delivery.
type CartItem struct {
	ProductID string
	VendorID  string
	Quantity  int
}

// StoreGroup partitions cart items by the store that ships them.
type StoreGroup struct {
	StoreID   string
	StoreName string
	Items     []CartItem
}

// VendorID returns the vendor attached to the first item in the group, if any.
func (g StoreGroup) VendorID() string {
	if len(g.Items) == 0 {
		return ""
	}
	return g.Items[0].VendorID
}

// RepresentativeProductID returns the product used when quoting the group.
func (g StoreGroup) RepresentativeProductID() string {
	if len(g.Items) == 0 {
		return ""
	}
	return g.Items[0].ProductID
}

// VendorDeliveryQuote is the answer returned by a vendor's delivery quote endpoint.
type VendorDeliveryQuote struct {
	IsLocal         bool
	Message         string
	EstimatedTime   string
	FeeCents        int64
	HasRestrictions bool
	IsAvailable     bool
}

// StoreDeliveryQuote is the per-store shipping estimate tracked during checkout.
type StoreDeliveryQuote struct {
	StoreID         string
	StoreName       string
	IsLocalDelivery bool
	StatusMessage   string
	EstimatedTime   string
	FeeCents        int64
	HasRestrictions bool
	IsAvailable     bool
	IsLoading       bool
	ErrorDetail     string
}

// CheckoutDeliveryState aggregates the store quotes for a checkout session.
type CheckoutDeliveryState struct {
	QuotesByStore        map[string]StoreDeliveryQuote
	TotalShippingFee     int64
	IsCalculating        bool
	AllDeliveryAvailable bool
	HasRestrictedItems   bool
	CalculationKey       string
	CalculatedAt         time.Time
}

// Clone returns a deep copy so callers never share the quotes map.
func (s CheckoutDeliveryState) Clone() CheckoutDeliveryState {
	out := s
	if s.QuotesByStore != nil {
		out.QuotesByStore = make(map[string]StoreDeliveryQuote, len(s.QuotesByStore))
		for id, quote := range s.QuotesByStore {
			out.QuotesByStore[id] = quote
		}
	}
	return out
}

// VendorQuoteRequest identifies the vendor, product and destination for a delivery quote.
type VendorQuoteRequest struct {
	VendorID   string
	ProductID  string
	PostalCode string
}
