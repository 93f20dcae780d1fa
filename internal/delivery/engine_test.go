package delivery

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/bagmatch/internal/apperr"
	"github.com/example/bagmatch/internal/auth"
	"github.com/example/bagmatch/internal/models"
)

var (
	shopper  = auth.Identity{UserID: "shopper-1", Role: models.RoleShopper}
	traveler = auth.Identity{UserID: "traveler-1", Role: models.RoleTraveler}
)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

func newEngine() (*Engine, *clock) {
	c := &clock{t: time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)}
	return &Engine{TTL: 15 * time.Minute, MaxAttempts: 5, Now: c.Now}, c
}

func boardedMatch() *models.Match {
	return &models.Match{
		ID:            "m1",
		ShopperID:     shopper.UserID,
		TravelerID:    traveler.UserID,
		Status:        models.StatusBoarded,
		PaymentStatus: models.PaymentPaid,
	}
}

func issue(t *testing.T, e *Engine, m *models.Match) (*models.Match, string) {
	t.Helper()
	out, err := e.Issue(m, traveler, "NYC")
	require.NoError(t, err)
	return out.Next, out.Pin
}

func wrongPin(pin string) string {
	if pin == "00000" {
		return "00001"
	}
	return "00000"
}

func TestIssueStoresOnlyHash(t *testing.T) {
	e, c := newEngine()
	out, err := e.Issue(boardedMatch(), traveler, " NYC ")
	require.NoError(t, err)

	assert.Len(t, out.Pin, PinDigits)
	assert.True(t, wellFormed(out.Pin))
	assert.Equal(t, c.t.Add(15*time.Minute), out.ExpiresAt)

	pin := out.Next.Pin
	require.NotNil(t, pin)
	assert.Equal(t, "NYC", pin.StoreLocation)
	assert.Equal(t, 0, pin.AttemptCount)
	assert.Len(t, pin.Salt, saltBytes)
	assert.False(t, bytes.Contains(pin.Hash, []byte(out.Pin)))
	assert.Equal(t, hashPin(out.Pin, pin.Salt), pin.Hash)
}

func TestIssueKeepsLeadingZeros(t *testing.T) {
	e, _ := newEngine()
	e.Rand = bytes.NewReader(make([]byte, 64))
	out, err := e.Issue(boardedMatch(), traveler, "NYC")
	require.NoError(t, err)
	assert.Equal(t, "00000", out.Pin)
}

func TestIssueRules(t *testing.T) {
	e, _ := newEngine()

	_, err := e.Issue(boardedMatch(), shopper, "NYC")
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))

	_, err = e.Issue(boardedMatch(), traveler, "  ")
	assert.Equal(t, apperr.ValidationError, apperr.KindOf(err))

	for _, s := range []models.MatchStatus{models.StatusPending, models.StatusApproved, models.StatusPurchased, models.StatusCompleted, models.StatusCancelled} {
		m := boardedMatch()
		m.Status = s
		_, err := e.Issue(m, traveler, "NYC")
		assert.Equal(t, apperr.InvalidState, apperr.KindOf(err), s)
	}

	m := boardedMatch()
	m.Status = models.StatusDeliveredToVendor
	_, err = e.Issue(m, traveler, "NYC")
	assert.NoError(t, err)
}

func TestVerifyCompletes(t *testing.T) {
	e, c := newEngine()
	m, pin := issue(t, e, boardedMatch())

	c.t = c.t.Add(10 * time.Minute)
	next, err := e.Verify(m, shopper, pin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, next.Status)
	assert.Equal(t, c.t, *next.CompletedAt)
	assert.Nil(t, next.Pin)
}

func TestVerifyMismatchConsumesAttempt(t *testing.T) {
	e, _ := newEngine()
	m, pin := issue(t, e, boardedMatch())

	next, err := e.Verify(m, shopper, wrongPin(pin))
	assert.Equal(t, apperr.PinMismatch, apperr.KindOf(err))
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Pin.AttemptCount)
	assert.Equal(t, models.StatusBoarded, next.Status)
	assert.Equal(t, 0, m.Pin.AttemptCount)
}

func TestVerifyLockout(t *testing.T) {
	e, _ := newEngine()
	m, pin := issue(t, e, boardedMatch())

	for i := 0; i < e.MaxAttempts; i++ {
		next, err := e.Verify(m, shopper, wrongPin(pin))
		require.Equal(t, apperr.PinMismatch, apperr.KindOf(err))
		m = next
	}
	next, err := e.Verify(m, shopper, pin)
	assert.Equal(t, apperr.PinAttemptsExceeded, apperr.KindOf(err))
	assert.Nil(t, next)

	// a resend unlocks with a new pin
	out, err := e.Resend(m, traveler)
	require.NoError(t, err)
	assert.Equal(t, 0, out.Next.Pin.AttemptCount)
	assert.Equal(t, "NYC", out.Next.Pin.StoreLocation)
	done, err := e.Verify(out.Next, shopper, out.Pin)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, done.Status)
}

func TestVerifyExpiry(t *testing.T) {
	e, c := newEngine()
	m, pin := issue(t, e, boardedMatch())

	c.t = m.Pin.ExpiresAt
	_, err := e.Verify(m, shopper, wrongPin(pin))
	assert.Equal(t, apperr.PinMismatch, apperr.KindOf(err))

	c.t = m.Pin.ExpiresAt.Add(time.Second)
	next, err := e.Verify(m, shopper, pin)
	assert.Equal(t, apperr.PinExpired, apperr.KindOf(err))
	assert.Nil(t, next)
}

func TestVerifyRefusals(t *testing.T) {
	e, _ := newEngine()

	_, err := e.Verify(boardedMatch(), shopper, "12345")
	assert.Equal(t, apperr.NoPinIssued, apperr.KindOf(err))

	m, _ := issue(t, e, boardedMatch())
	_, err = e.Verify(m, traveler, "12345")
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))

	next, err := e.Verify(m, shopper, "12a45")
	assert.Equal(t, apperr.ValidationError, apperr.KindOf(err))
	assert.Nil(t, next)

	completed := m.Clone()
	completed.Status = models.StatusCompleted
	_, err = e.Verify(completed, shopper, "12345")
	assert.Equal(t, apperr.InvalidState, apperr.KindOf(err))
}

func TestResendInvalidatesOldPin(t *testing.T) {
	e, _ := newEngine()
	_, err := e.Resend(boardedMatch(), traveler)
	assert.Equal(t, apperr.NoPinIssued, apperr.KindOf(err))

	m, first := issue(t, e, boardedMatch())
	out, err := e.Resend(m, traveler)
	require.NoError(t, err)
	assert.NotEqual(t, m.Pin.Salt, out.Next.Pin.Salt)
	if out.Pin != first {
		_, err = e.Verify(out.Next, shopper, first)
		assert.Equal(t, apperr.PinMismatch, apperr.KindOf(err))
	}
}

func TestMarkDelivered(t *testing.T) {
	e, c := newEngine()
	next, err := e.MarkDelivered(boardedMatch(), traveler)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeliveredToVendor, next.Status)
	assert.Equal(t, c.t, *next.DeliveredToVendorAt)

	_, err = e.MarkDelivered(next, traveler)
	assert.Equal(t, apperr.InvalidState, apperr.KindOf(err))

	_, err = e.MarkDelivered(boardedMatch(), shopper)
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))
}

func TestStatusProjection(t *testing.T) {
	e, c := newEngine()
	m, pin := issue(t, e, boardedMatch())
	m, err := e.Verify(m, shopper, wrongPin(pin))
	require.Equal(t, apperr.PinMismatch, apperr.KindOf(err))
	require.NotNil(t, m)

	st, err := e.Status(m, traveler)
	require.NoError(t, err)
	require.NotNil(t, st.Pin)
	assert.Equal(t, 4, st.Pin.AttemptsRemaining)
	assert.False(t, st.Pin.Expired)

	c.t = c.t.Add(time.Hour)
	st, err = e.Status(m, auth.Identity{UserID: "ops", Role: models.RoleAdmin})
	require.NoError(t, err)
	assert.True(t, st.Pin.Expired)

	_, err = e.Status(m, auth.Identity{UserID: "someone", Role: models.RoleShopper})
	assert.Equal(t, apperr.NotAuthorized, apperr.KindOf(err))
}
