package booking

import (
	"context"
	"strings"
	"time"

	"github.com/example/bagmatch/internal/apperr"
	"github.com/example/bagmatch/internal/auth"
	"github.com/example/bagmatch/internal/events"
	"github.com/example/bagmatch/internal/models"
	"github.com/example/bagmatch/internal/observability"
	"github.com/example/bagmatch/internal/storage"
)

type BagItemInput struct {
	Name     string   `json:"name"`
	Link     string   `json:"link"`
	Price    float64  `json:"price"`
	Currency string   `json:"currency"`
	WeightKg float64  `json:"weightKg"`
	Quantity int      `json:"quantity"`
	Fragile  bool     `json:"fragile"`
	Photos   []string `json:"photos"`
}

type CreateRequestInput struct {
	Destination models.Coord   `json:"destination"`
	Items       []BagItemInput `json:"bagItems"`
	Draft       bool           `json:"draft"`
}

func (s *Service) CreateRequest(ctx context.Context, caller auth.Identity, in CreateRequestInput) (*models.ShopperRequest, error) {
	if caller.Role != models.RoleShopper {
		return nil, apperr.New(apperr.NotAuthorized, "only shoppers create requests")
	}
	if strings.TrimSpace(in.Destination.Country) == "" {
		return nil, apperr.New(apperr.ValidationError, "destination.country is required")
	}
	if len(in.Items) == 0 {
		return nil, apperr.New(apperr.ValidationError, "a request needs at least one bag item")
	}
	req := &models.ShopperRequest{
		ID:          s.newID(),
		ShopperID:   caller.UserID,
		Destination: in.Destination,
		Status:      models.RequestPublished,
		CreatedAt:   s.now(),
	}
	if in.Draft {
		req.Status = models.RequestDraft
	}
	for i, it := range in.Items {
		name := strings.TrimSpace(it.Name)
		if name == "" {
			return nil, apperr.Newf(apperr.ValidationError, "bagItems[%d].name is required", i)
		}
		if it.Price < 0 || it.WeightKg < 0 || it.Quantity < 0 {
			return nil, apperr.Newf(apperr.ValidationError, "bagItems[%d] has a negative amount", i)
		}
		qty := it.Quantity
		if qty == 0 {
			qty = 1
		}
		req.BagItems = append(req.BagItems, models.BagItem{
			ID:               s.newID(),
			ShopperRequestID: req.ID,
			Name:             name,
			Link:             strings.TrimSpace(it.Link),
			Price:            it.Price,
			Currency:         strings.ToUpper(strings.TrimSpace(it.Currency)),
			WeightKg:         it.WeightKg,
			Quantity:         qty,
			Fragile:          it.Fragile,
			Photos:           it.Photos,
		})
	}
	if err := s.Store.SaveShopperRequest(ctx, req); err != nil {
		return nil, storeErr(err, "shopper request")
	}
	return req, nil
}

// GetRequest is visible to its shopper, to the traveler of any match on it,
// and to admins.
func (s *Service) GetRequest(ctx context.Context, caller auth.Identity, id string) (*models.ShopperRequest, error) {
	req, err := s.Store.GetShopperRequest(ctx, id)
	if err != nil {
		return nil, storeErr(err, "shopper request")
	}
	if caller.IsAdmin() || req.ShopperID == caller.UserID {
		return req, nil
	}
	ok, err := s.linked(ctx, caller, storage.MatchFilter{ShopperRequestID: id})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.NotAuthorized, "caller has no match on this shopper request")
	}
	return req, nil
}

// linked reports whether caller is a party to at least one match selected by f.
func (s *Service) linked(ctx context.Context, caller auth.Identity, f storage.MatchFilter) (bool, error) {
	f.PartyID = caller.UserID
	f.Limit = 1
	found, err := s.Store.FindMatches(ctx, f)
	if err != nil {
		return false, storeErr(err, "matches")
	}
	return len(found) > 0, nil
}

type CreateTripInput struct {
	Origin        models.Coord `json:"origin"`
	Destination   models.Coord `json:"destination"`
	DepartureDate time.Time    `json:"departureDate"`
	ArrivalDate   time.Time    `json:"arrivalDate"`
	CarryOnKg     float64      `json:"carryOnKg"`
	CheckedKg     float64      `json:"checkedKg"`
}

func (s *Service) CreateTrip(ctx context.Context, caller auth.Identity, in CreateTripInput) (*models.Trip, error) {
	if caller.Role != models.RoleTraveler {
		return nil, apperr.New(apperr.NotAuthorized, "only travelers create trips")
	}
	if in.DepartureDate.IsZero() || in.ArrivalDate.IsZero() {
		return nil, apperr.New(apperr.ValidationError, "departureDate and arrivalDate are required")
	}
	if in.ArrivalDate.Before(in.DepartureDate) {
		return nil, apperr.New(apperr.ValidationError, "arrivalDate is before departureDate")
	}
	if in.CarryOnKg < 0 || in.CheckedKg < 0 {
		return nil, apperr.New(apperr.ValidationError, "capacity must not be negative")
	}
	trip := &models.Trip{
		ID:            s.newID(),
		TravelerID:    caller.UserID,
		Origin:        in.Origin,
		Destination:   in.Destination,
		DepartureDate: in.DepartureDate.UTC(),
		ArrivalDate:   in.ArrivalDate.UTC(),
		CarryOnKg:     in.CarryOnKg,
		CheckedKg:     in.CheckedKg,
		CreatedAt:     s.now(),
	}
	if err := s.Store.SaveTrip(ctx, trip); err != nil {
		return nil, storeErr(err, "trip")
	}
	return trip, nil
}

func (s *Service) GetTrip(ctx context.Context, caller auth.Identity, id string) (*models.Trip, error) {
	trip, err := s.Store.GetTrip(ctx, id)
	if err != nil {
		return nil, storeErr(err, "trip")
	}
	if caller.IsAdmin() || trip.TravelerID == caller.UserID {
		return trip, nil
	}
	ok, err := s.linked(ctx, caller, storage.MatchFilter{TripID: id})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.New(apperr.NotAuthorized, "caller has no match on this trip")
	}
	return trip, nil
}

type CreateMatchInput struct {
	ShopperRequestID string   `json:"shopperRequestId"`
	TripID           string   `json:"tripId"`
	MatchScore       float64  `json:"matchScore"`
	CandidateItems   []string `json:"candidateItems"`
}

// CreateMatch pairs a published request with a trip as a pending match. The
// parties are copied from the request and the trip, never from input.
func (s *Service) CreateMatch(ctx context.Context, caller auth.Identity, in CreateMatchInput) (m *models.Match, err error) {
	defer func() { observe("create", err) }()
	if caller.Role != models.RoleTraveler && !caller.IsAdmin() {
		return nil, apperr.New(apperr.NotAuthorized, "only travelers or admins create matches")
	}
	if in.ShopperRequestID == "" || in.TripID == "" {
		return nil, apperr.New(apperr.ValidationError, "shopperRequestId and tripId are required")
	}
	req, err := s.Store.GetShopperRequest(ctx, in.ShopperRequestID)
	if err != nil {
		return nil, storeErr(err, "shopper request")
	}
	trip, err := s.Store.GetTrip(ctx, in.TripID)
	if err != nil {
		return nil, storeErr(err, "trip")
	}
	if !caller.IsAdmin() && trip.TravelerID != caller.UserID {
		return nil, apperr.New(apperr.NotAuthorized, "caller does not own this trip")
	}
	if req.Status != models.RequestPublished && req.Status != models.RequestMatched {
		return nil, apperr.Newf(apperr.InvalidState, "cannot match a %s request", req.Status)
	}
	if req.ShopperID == trip.TravelerID {
		return nil, apperr.New(apperr.ValidationError, "a shopper cannot carry their own request")
	}

	candidates := in.CandidateItems
	if len(candidates) == 0 {
		candidates = req.ItemIDs()
	}
	seen := make(map[string]bool, len(candidates))
	items := make([]string, 0, len(candidates))
	for _, id := range candidates {
		if !req.HasItem(id) {
			return nil, apperr.Newf(apperr.ValidationError, "item %s does not belong to request %s", id, req.ID)
		}
		if !seen[id] {
			seen[id] = true
			items = append(items, id)
		}
	}

	now := s.now()
	m = &models.Match{
		ID:               s.newID(),
		ShopperRequestID: req.ID,
		TripID:           trip.ID,
		TravelerID:       trip.TravelerID,
		ShopperID:        req.ShopperID,
		AssignedItems:    []string{},
		CandidateItems:   items,
		Status:           models.StatusPending,
		PaymentStatus:    models.PaymentUnpaid,
		MatchScore:       in.MatchScore,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.Store.CreateMatch(ctx, m); err != nil {
		return nil, storeErr(err, "match")
	}
	observability.MatchesCreated.Inc()
	s.log().Info("match_created", "match_id", m.ID, "request_id", req.ID, "trip_id", trip.ID, "actor", caller.UserID)
	s.publish(ctx, events.FromMatch(m, "create", "", caller.UserID, caller.Role, ""))
	return m, nil
}
