package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bagmatch/internal/apperr"
	"github.com/example/bagmatch/internal/auth"
	"github.com/example/bagmatch/internal/delivery"
	"github.com/example/bagmatch/internal/events"
	"github.com/example/bagmatch/internal/lifecycle"
	"github.com/example/bagmatch/internal/logging"
	"github.com/example/bagmatch/internal/models"
	"github.com/example/bagmatch/internal/storage"
)

var (
	shopper   = auth.Identity{UserID: "shopper-1", Role: models.RoleShopper}
	traveler  = auth.Identity{UserID: "traveler-1", Role: models.RoleTraveler}
	traveler2 = auth.Identity{UserID: "traveler-2", Role: models.RoleTraveler}
	admin     = auth.Identity{UserID: "ops", Role: models.RoleAdmin}
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fakeCapturer struct {
	calls int
	err   error
}

func (f *fakeCapturer) Capture(context.Context, string, string) error {
	f.calls++
	return f.err
}

type fixture struct {
	svc   *Service
	store *storage.MemoryStore
	ring  *events.MemoryRing
	clk   *clock
	req   *models.ShopperRequest
	trip  *models.Trip
	start time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	clk := &clock{t: start}
	store := storage.NewMemoryStore()
	ring := events.NewMemoryRing(100)
	svc := &Service{
		Store:     store,
		Lifecycle: &lifecycle.Engine{Cooldown: 24 * time.Hour, Now: clk.Now},
		Delivery:  &delivery.Engine{TTL: 15 * time.Minute, MaxAttempts: 5, Now: clk.Now},
		Events:    ring,
		History:   ring,
		Logger:    logging.Discard(),
		Now:       clk.Now,
	}
	ctx := context.Background()
	req, err := svc.CreateRequest(ctx, shopper, CreateRequestInput{
		Destination: models.Coord{City: "Lagos", Country: "NG"},
		Items: []BagItemInput{
			{Name: "Headphones", Price: 120, Currency: "usd", WeightKg: 0.4},
			{Name: "Vitamins", Price: 30, Currency: "usd", WeightKg: 0.2, Quantity: 3},
		},
	})
	require.NoError(t, err)
	trip, err := svc.CreateTrip(ctx, traveler, CreateTripInput{
		Origin:        models.Coord{City: "New York", Country: "US"},
		Destination:   models.Coord{City: "Lagos", Country: "NG"},
		DepartureDate: start.Add(72 * time.Hour),
		ArrivalDate:   start.Add(84 * time.Hour),
		CarryOnKg:     7,
		CheckedKg:     23,
	})
	require.NoError(t, err)
	return &fixture{svc: svc, store: store, ring: ring, clk: clk, req: req, trip: trip, start: start}
}

func (f *fixture) match(t *testing.T, who auth.Identity, tripID string) *models.Match {
	t.Helper()
	m, err := f.svc.CreateMatch(context.Background(), who, CreateMatchInput{
		ShopperRequestID: f.req.ID,
		TripID:           tripID,
		MatchScore:       0.87,
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) items() []string { return f.req.ItemIDs() }

// boarded drives a fresh match through accept, approve, purchase and board.
func (f *fixture) boarded(t *testing.T) *models.Match {
	t.Helper()
	ctx := context.Background()
	m := f.match(t, traveler, f.trip.ID)
	m, err := f.svc.Accept(ctx, traveler, m.ID)
	require.NoError(t, err)
	m, err = f.svc.Approve(ctx, shopper, m.ID)
	require.NoError(t, err)
	f.clk.Set(f.start.Add(48 * time.Hour))
	m, err = f.svc.Purchase(ctx, traveler, m.ID, "https://shop.example/r/1")
	require.NoError(t, err)
	m, err = f.svc.Board(ctx, traveler, m.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusBoarded, m.Status)
	return m
}

func TestCreateRequestAndTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.Equal(t, models.RequestPublished, f.req.Status)
	require.Len(t, f.req.BagItems, 2)
	assert.Equal(t, "USD", f.req.BagItems[0].Currency)
	assert.Equal(t, 1, f.req.BagItems[0].Quantity)
	assert.Equal(t, 3, f.req.BagItems[1].Quantity)

	_, err := f.svc.CreateRequest(ctx, traveler, CreateRequestInput{})
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))
	_, err = f.svc.CreateRequest(ctx, shopper, CreateRequestInput{Destination: models.Coord{Country: "NG"}})
	assert.Equal(t, apperr.ValidationError, apperr.KindOf(err))

	_, err = f.svc.CreateTrip(ctx, traveler, CreateTripInput{DepartureDate: f.start, ArrivalDate: f.start.Add(-time.Hour)})
	assert.Equal(t, apperr.ValidationError, apperr.KindOf(err))

	got, err := f.svc.GetTrip(ctx, traveler, f.trip.ID)
	require.NoError(t, err)
	assert.Equal(t, traveler.UserID, got.TravelerID)

	_, err = f.svc.GetRequest(ctx, traveler, "missing")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestCreateMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	m := f.match(t, traveler, f.trip.ID)
	assert.Equal(t, models.StatusPending, m.Status)
	assert.Equal(t, shopper.UserID, m.ShopperID)
	assert.Equal(t, traveler.UserID, m.TravelerID)
	assert.Equal(t, f.items(), m.CandidateItems)
	assert.Empty(t, m.AssignedItems)

	_, err := f.svc.CreateMatch(ctx, traveler2, CreateMatchInput{ShopperRequestID: f.req.ID, TripID: f.trip.ID})
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))

	_, err = f.svc.CreateMatch(ctx, traveler, CreateMatchInput{ShopperRequestID: f.req.ID, TripID: f.trip.ID, CandidateItems: []string{"foreign"}})
	assert.Equal(t, apperr.ValidationError, apperr.KindOf(err))

	_, err = f.svc.CreateMatch(ctx, admin, CreateMatchInput{ShopperRequestID: "missing", TripID: f.trip.ID})
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	byAdmin, err := f.svc.CreateMatch(ctx, admin, CreateMatchInput{ShopperRequestID: f.req.ID, TripID: f.trip.ID, CandidateItems: f.items()[:1]})
	require.NoError(t, err)
	assert.Equal(t, traveler.UserID, byAdmin.TravelerID)
	assert.Len(t, byAdmin.CandidateItems, 1)
}

// Claim, approve, cancel an hour into the cooldown, then purchase is refused.
func TestScenarioCancelInsideCooldown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.match(t, traveler, f.trip.ID)

	m, err := f.svc.Claim(ctx, traveler, m.ID, f.items())
	require.NoError(t, err)
	require.Equal(t, models.StatusClaimed, m.Status)

	m, err = f.svc.Approve(ctx, shopper, m.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusApproved, m.Status)
	require.Equal(t, f.start.Add(24*time.Hour), *m.CooldownExpiresAt)

	f.clk.Set(f.start.Add(time.Hour))
	m, err = f.svc.Cancel(ctx, shopper, m.ID, "changed my mind")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, m.Status)
	assert.Equal(t, shopper.UserID, m.CancelledBy)

	_, err = f.svc.Purchase(ctx, traveler, m.ID, "https://x/y.jpg")
	assert.Equal(t, apperr.InvalidState, apperr.KindOf(err))
}

// Approve, purchase after the cooldown, board, issue a PIN and verify it.
func TestScenarioFullDelivery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.match(t, traveler, f.trip.ID)

	m, err := f.svc.Accept(ctx, traveler, m.ID)
	require.NoError(t, err)
	m, err = f.svc.Approve(ctx, shopper, m.ID)
	require.NoError(t, err)
	require.Equal(t, f.start.Add(24*time.Hour), *m.CooldownExpiresAt)

	f.clk.Set(f.start.Add(25 * time.Hour))
	m, err = f.svc.Purchase(ctx, traveler, m.ID, "https://x/y.jpg")
	require.NoError(t, err)
	require.Equal(t, models.StatusPurchased, m.Status)
	assert.Equal(t, "https://x/y.jpg", m.ReceiptURL)

	m, err = f.svc.Board(ctx, traveler, m.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusBoarded, m.Status)

	issued, err := f.svc.GeneratePin(ctx, traveler, m.ID, "NYC")
	require.NoError(t, err)
	assert.Len(t, issued.Pin, 5)
	assert.Equal(t, f.start.Add(25*time.Hour+15*time.Minute), issued.ExpiresAt)

	f.clk.Set(f.start.Add(25*time.Hour + 5*time.Minute))
	m, err = f.svc.VerifyPin(ctx, shopper, m.ID, issued.Pin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, m.Status)
	assert.Nil(t, m.Pin)

	evs, err := f.svc.MatchEvents(ctx, shopper, m.ID, 0)
	require.NoError(t, err)
	actions := make([]string, 0, len(evs))
	for _, e := range evs {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"verify-pin", "generate-pin", "board", "purchase", "approve", "accept", "create"}, actions)
}

func TestDeliverToVendorThenVerify(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.boarded(t)

	m, err := f.svc.MarkDelivered(ctx, traveler, m.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusDeliveredToVendor, m.Status)

	issued, err := f.svc.GeneratePin(ctx, traveler, m.ID, "Ikeja depot")
	require.NoError(t, err)
	st, err := f.svc.DeliveryStatus(ctx, shopper, m.ID)
	require.NoError(t, err)
	require.NotNil(t, st.Pin)
	assert.Equal(t, "Ikeja depot", st.Pin.StoreLocation)

	m, err = f.svc.VerifyPin(ctx, shopper, m.ID, issued.Pin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, m.Status)
}

func TestVerifyPinLockoutIsPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.boarded(t)
	issued, err := f.svc.GeneratePin(ctx, traveler, m.ID, "NYC")
	require.NoError(t, err)

	wrong := "00000"
	if issued.Pin == wrong {
		wrong = "00001"
	}
	for i := 0; i < 5; i++ {
		_, err := f.svc.VerifyPin(ctx, shopper, m.ID, wrong)
		require.Equal(t, apperr.PinMismatch, apperr.KindOf(err))
	}
	_, err = f.svc.VerifyPin(ctx, shopper, m.ID, issued.Pin)
	assert.Equal(t, apperr.PinAttemptsExceeded, apperr.KindOf(err))

	stored, err := f.store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, stored.Pin.AttemptCount)
	assert.Equal(t, models.StatusBoarded, stored.Status)

	again, err := f.svc.ResendPin(ctx, traveler, m.ID)
	require.NoError(t, err)
	m, err = f.svc.VerifyPin(ctx, shopper, m.ID, again.Pin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, m.Status)
}

func TestClaimRejectsForeignItems(t *testing.T) {
	f := newFixture(t)
	m := f.match(t, traveler, f.trip.ID)
	_, err := f.svc.Claim(context.Background(), traveler, m.ID, []string{f.items()[0], "not-in-request"})
	assert.Equal(t, apperr.ItemConflict, apperr.KindOf(err))
}

func TestConcurrentClaimsSameMatch(t *testing.T) {
	f := newFixture(t)
	m := f.match(t, traveler, f.trip.ID)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.Claim(context.Background(), traveler, m.ID, f.items())
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		kind := apperr.KindOf(err)
		assert.Contains(t, []apperr.Kind{apperr.StaleState, apperr.ItemConflict, apperr.InvalidState}, kind)
	}
	assert.Equal(t, 1, wins)
}

func TestConcurrentClaimsSiblingMatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trip2, err := f.svc.CreateTrip(ctx, traveler2, CreateTripInput{DepartureDate: f.start, ArrivalDate: f.start.Add(time.Hour)})
	require.NoError(t, err)
	m1 := f.match(t, traveler, f.trip.ID)
	m2 := f.match(t, traveler2, trip2.ID)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	claim := func(i int, who auth.Identity, id string, items []string) {
		defer wg.Done()
		_, errs[i] = f.svc.Claim(ctx, who, id, items)
	}
	wg.Add(2)
	go claim(0, traveler, m1.ID, f.items())
	go claim(1, traveler2, m2.ID, f.items()[:1])
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.Equal(t, apperr.ItemConflict, apperr.KindOf(err))
		}
	}
	assert.Equal(t, 1, failed)

	active, err := f.store.FindMatches(ctx, storage.MatchFilter{ShopperRequestID: f.req.ID, ActiveOnly: true})
	require.NoError(t, err)
	held := map[string]int{}
	for _, m := range active {
		for _, it := range m.AssignedItems {
			held[it]++
		}
	}
	for it, n := range held {
		assert.Equal(t, 1, n, "item %s held twice", it)
	}
}

func TestCancelReleasesItemsForSibling(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	trip2, err := f.svc.CreateTrip(ctx, traveler2, CreateTripInput{DepartureDate: f.start, ArrivalDate: f.start.Add(time.Hour)})
	require.NoError(t, err)
	m1 := f.match(t, traveler, f.trip.ID)
	m2 := f.match(t, traveler2, trip2.ID)

	_, err = f.svc.Accept(ctx, traveler, m1.ID)
	require.NoError(t, err)
	_, err = f.svc.Accept(ctx, traveler2, m2.ID)
	require.Equal(t, apperr.ItemConflict, apperr.KindOf(err))

	_, err = f.svc.Cancel(ctx, traveler, m1.ID, "")
	require.NoError(t, err)
	m2, err = f.svc.Accept(ctx, traveler2, m2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClaimed, m2.Status)
}

func TestPayIdempotentAndCaptures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	gw := &fakeCapturer{}
	f.svc.Payments = gw
	m := f.match(t, traveler, f.trip.ID)

	m, err := f.svc.Pay(ctx, shopper, m.ID, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, m.PaymentStatus)
	version := m.Version

	m, err = f.svc.Pay(ctx, shopper, m.ID, "pi_1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentPaid, m.PaymentStatus)
	assert.Equal(t, version, m.Version)
	assert.Equal(t, 1, gw.calls)
}

func TestPayCaptureFailureLeavesUnpaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Payments = &fakeCapturer{err: errors.New("card_declined")}
	m := f.match(t, traveler, f.trip.ID)

	_, err := f.svc.Pay(ctx, shopper, m.ID, "pi_1")
	assert.Equal(t, apperr.Internal, apperr.KindOf(err))
	stored, err := f.store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentUnpaid, stored.PaymentStatus)
}

// interleavingStore runs hook once, between the service's read and its write.
type interleavingStore struct {
	storage.Store
	once sync.Once
	hook func()
}

func (s *interleavingStore) CompareAndSwap(ctx context.Context, next *models.Match, exp storage.Expect) (*models.Match, error) {
	s.once.Do(s.hook)
	return s.Store.CompareAndSwap(ctx, next, exp)
}

func TestLostRaceSurfacesStaleState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.match(t, traveler, f.trip.ID)
	_, err := f.svc.Accept(ctx, traveler, m.ID)
	require.NoError(t, err)

	other := *f.svc
	racing := &interleavingStore{Store: f.store}
	racing.hook = func() {
		_, err := other.Cancel(ctx, traveler, m.ID, "")
		require.NoError(t, err)
	}
	f.svc.Store = racing

	_, err = f.svc.Approve(ctx, shopper, m.ID)
	assert.Equal(t, apperr.StaleState, apperr.KindOf(err))
	assert.Contains(t, apperr.Message(err), "retry")

	stored, err := f.store.GetMatch(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, stored.Status)
}

func TestReadsRespectParties(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.match(t, traveler, f.trip.ID)

	_, err := f.svc.GetMatch(ctx, traveler2, m.ID)
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))
	_, err = f.svc.GetMatch(ctx, admin, m.ID)
	assert.NoError(t, err)
	_, err = f.svc.GetMatch(ctx, shopper, "missing")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	mine, err := f.svc.ListMatches(ctx, shopper, ListFilter{})
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	none, err := f.svc.ListMatches(ctx, traveler2, ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, none)
	_, err = f.svc.ListMatches(ctx, admin, ListFilter{Status: "bogus"})
	assert.Equal(t, apperr.ValidationError, apperr.KindOf(err))

	_, err = f.svc.DeliveryStatus(ctx, traveler2, m.ID)
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))
}

func TestRequestAndTripReadsNeedALink(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.GetRequest(ctx, shopper, f.req.ID)
	assert.NoError(t, err)
	_, err = f.svc.GetRequest(ctx, traveler, f.req.ID)
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))
	_, err = f.svc.GetTrip(ctx, shopper, f.trip.ID)
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))

	f.match(t, traveler, f.trip.ID)

	got, err := f.svc.GetRequest(ctx, traveler, f.req.ID)
	require.NoError(t, err)
	assert.Len(t, got.BagItems, 2)
	trip, err := f.svc.GetTrip(ctx, shopper, f.trip.ID)
	require.NoError(t, err)
	assert.Equal(t, traveler.UserID, trip.TravelerID)

	_, err = f.svc.GetRequest(ctx, traveler2, f.req.ID)
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))
	_, err = f.svc.GetTrip(ctx, traveler2, f.trip.ID)
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))

	_, err = f.svc.GetRequest(ctx, admin, f.req.ID)
	assert.NoError(t, err)
	_, err = f.svc.GetTrip(ctx, admin, f.trip.ID)
	assert.NoError(t, err)
}

// recordingSink remembers the context state each event arrived with.
type recordingSink struct {
	mu      sync.Mutex
	actions []string
	ctxErrs []error
}

func (r *recordingSink) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, ev.Action)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return nil
}

func TestEventOutlivesCancelledRequest(t *testing.T) {
	f := newFixture(t)
	m := f.match(t, traveler, f.trip.ID)
	sink := &recordingSink{}
	f.svc.Events = sink

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := f.svc.Accept(ctx, traveler, m.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClaimed, m.Status)

	require.Equal(t, []string{"accept"}, sink.actions)
	assert.NoError(t, sink.ctxErrs[0])
}
