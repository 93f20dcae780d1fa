package models

import "time"

type Role string

const (
	RoleShopper  Role = "shopper"
	RoleTraveler Role = "traveler"
	RoleVendor   Role = "vendor"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleShopper, RoleTraveler, RoleVendor, RoleAdmin:
		return true
	}
	return false
}

type RequestStatus string

const (
	RequestDraft     RequestStatus = "draft"
	RequestPublished RequestStatus = "published"
	RequestMatched   RequestStatus = "matched"
	RequestCancelled RequestStatus = "cancelled"
)

type Coord struct {
	City    string `json:"city"`
	Country string `json:"country"`
}

// BagItem is one product a shopper wants carried.
type BagItem struct {
	ID               string   `json:"id"`
	ShopperRequestID string   `json:"shopperRequestId"`
	Name             string   `json:"name"`
	Link             string   `json:"link,omitempty"`
	Price            float64  `json:"price"`
	Currency         string   `json:"currency"`
	WeightKg         float64  `json:"weightKg"`
	Quantity         int      `json:"quantity"`
	Fragile          bool     `json:"fragile"`
	Photos           []string `json:"photos,omitempty"`
}

type ShopperRequest struct {
	ID          string        `json:"id"`
	ShopperID   string        `json:"shopperId"`
	Destination Coord         `json:"destination"`
	Status      RequestStatus `json:"status"`
	BagItems    []BagItem     `json:"bagItems"`
	CreatedAt   time.Time     `json:"createdAt"`
}

// HasItem reports whether itemID is one of the request's bag items.
func (r *ShopperRequest) HasItem(itemID string) bool {
	for _, it := range r.BagItems {
		if it.ID == itemID {
			return true
		}
	}
	return false
}

func (r *ShopperRequest) ItemIDs() []string {
	out := make([]string, 0, len(r.BagItems))
	for _, it := range r.BagItems {
		out = append(out, it.ID)
	}
	return out
}

type Trip struct {
	ID            string    `json:"id"`
	TravelerID    string    `json:"travelerId"`
	Origin        Coord     `json:"origin"`
	Destination   Coord     `json:"destination"`
	DepartureDate time.Time `json:"departureDate"`
	ArrivalDate   time.Time `json:"arrivalDate"`
	CarryOnKg     float64   `json:"carryOnKg"`
	CheckedKg     float64   `json:"checkedKg"`
	CreatedAt     time.Time `json:"createdAt"`
}
