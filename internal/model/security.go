package model

import "time"

// Security is one row of the listing: a tradable instrument and its lifetime.
// ListedAt and DelistedAt are zero when unknown or not applicable.
type Security struct {
	Symbol     Symbol
	Name       string
	AssetType  string
	ListedAt   time.Time
	DelistedAt time.Time
}

// AssetStock is the asset type of ordinary A shares.
const AssetStock = "stock"

