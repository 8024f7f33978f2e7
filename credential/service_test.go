package credential

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"offmarket/config"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// scriptedReader hands out one chunk per Read call, then repeats the last.
type scriptedReader struct {
	chunks [][]byte
}

func (r *scriptedReader) Read(p []byte) (int, error) {
	chunk := r.chunks[0]
	if len(r.chunks) > 1 {
		r.chunks = r.chunks[1:]
	}
	return copy(p, chunk), nil
}

func newTestService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	svc := NewService(nil, NewMemoryRepository(), config.DefaultCore(), nil).WithClock(clock.Now)
	return svc, clock
}

func property(id string) *EntityRef {
	return &EntityRef{Type: "property", ID: id}
}

func TestIssueAndRedeemEntityAccessTransfersOwnership(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueParams{Kind: KindEntityAccess, SubjectUserID: "client-1", Entity: property("p-1")})
	require.NoError(t, err)
	require.Len(t, issued.Code, humanCodeLength)
	require.NotNil(t, issued.ExpiresAt)
	assert.Equal(t, clock.Now().Add(7*24*time.Hour), *issued.ExpiresAt)

	redeemed, err := svc.Redeem(ctx, RedeemParams{
		Code:          issued.Code,
		Kinds:         []Kind{KindEntityAccess, KindLOI},
		SubjectUserID: "client-2",
	})
	require.NoError(t, err)
	assert.Equal(t, issued.ID, redeemed.ID)
	assert.Equal(t, "client-2", redeemed.SubjectUserID)
	require.NotNil(t, redeemed.ConsumedAt)
	assert.False(t, redeemed.ConsumedAt.Before(redeemed.IssuedAt))
}

func TestRedeemConcurrentExactlyOneWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueParams{Kind: KindLOI, Entity: property("p-9")})
	require.NoError(t, err)

	const redeemers = 64
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs = make([]error, 0, redeemers)
	)
	start := make(chan struct{})
	for i := 0; i < redeemers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := svc.Redeem(ctx, RedeemParams{
				Code:          issued.Code,
				Kinds:         []Kind{KindEntityAccess, KindLOI},
				SubjectUserID: "client-" + string(rune('a'+i%26)),
			})
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(i)
	}
	close(start)
	wg.Wait()

	var wins, replays int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyConsumed):
			replays++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, redeemers-1, replays)
}

func TestRedeemOnDayEightIsExpired(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	ttl := 7 * 24 * time.Hour
	issued, err := svc.Issue(ctx, IssueParams{Kind: KindEntityAccess, Entity: property("p-2"), TTL: &ttl})
	require.NoError(t, err)

	clock.Advance(8 * 24 * time.Hour)
	_, err = svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindEntityAccess}, SubjectUserID: "client-1"})
	require.ErrorIs(t, err, ErrExpired)
	assert.Equal(t, OutcomeExpired, OutcomeOf(err))
}

func TestRedeemExpiredTakesPrecedenceOverConsumed(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueParams{Kind: KindLOI, Entity: property("p-3")})
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindLOI}, SubjectUserID: "c"})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindLOI}, SubjectUserID: "c"})
	require.ErrorIs(t, err, ErrAlreadyConsumed)

	clock.Advance(30 * 24 * time.Hour)
	_, err = svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindLOI}, SubjectUserID: "c"})
	require.ErrorIs(t, err, ErrExpired)
}

func TestRedeemSubjectScoped(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueParams{Kind: KindRegistration, SubjectUserID: "user-1"})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindRegistration}, SubjectUserID: "user-2"})
	require.ErrorIs(t, err, ErrSubjectMismatch)

	c, err := svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindRegistration}, SubjectUserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, "user-1", c.SubjectUserID)

	_, err = svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindRegistration}, SubjectUserID: "user-1"})
	require.ErrorIs(t, err, ErrAlreadyConsumed)
}

func TestRedeemForeignSubjectCodeDoesNotRevealState(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	reset, err := svc.Issue(ctx, IssueParams{Kind: KindPasswordReset, SubjectUserID: "user-a"})
	require.NoError(t, err)
	reg, err := svc.Issue(ctx, IssueParams{Kind: KindRegistration, SubjectUserID: "user-a"})
	require.NoError(t, err)
	_, err = svc.Redeem(ctx, RedeemParams{Code: reg.Code, Kinds: []Kind{KindRegistration}, SubjectUserID: "user-a"})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemParams{Code: reg.Code, Kinds: []Kind{KindRegistration}, SubjectUserID: "user-b"})
	require.ErrorIs(t, err, ErrSubjectMismatch, "consumed code of another user")

	clock.Advance(2 * time.Hour)
	_, err = svc.Redeem(ctx, RedeemParams{Code: reset.Code, Kinds: []Kind{KindPasswordReset}, SubjectUserID: "user-b"})
	require.ErrorIs(t, err, ErrSubjectMismatch, "expired code of another user")

	_, err = svc.Redeem(ctx, RedeemParams{Code: reset.Code, Kinds: []Kind{KindPasswordReset}, SubjectUserID: "user-a"})
	require.ErrorIs(t, err, ErrExpired)
}

func TestRedeemWrongKindOrUnknownCode(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueParams{Kind: KindPasswordReset, SubjectUserID: "user-1"})
	require.NoError(t, err)

	_, err = svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindEntityAccess}, SubjectUserID: "user-1"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Redeem(ctx, RedeemParams{Code: "ZZZZZZ", Kinds: []Kind{KindPasswordReset}, SubjectUserID: "user-1"})
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindAPIKey}, SubjectUserID: "user-1"})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestRedeemNormalizesTypedCode(t *testing.T) {
	svc, _ := newTestService(t)
	svc.WithRandom(bytes.NewReader([]byte{0, 1, 2, 3, 10, 11}))
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueParams{Kind: KindEntityAccess, Entity: property("p-4")})
	require.NoError(t, err)
	require.Equal(t, "0123AB", issued.Code)

	_, err = svc.Redeem(ctx, RedeemParams{Code: " o l23-ab", Kinds: []Kind{KindEntityAccess}, SubjectUserID: "client-1"})
	require.NoError(t, err)
}

func TestIssueRetriesOnCollision(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	first := []byte{0, 1, 2, 3, 4, 5}
	second := []byte{6, 7, 8, 9, 10, 11}
	svc.WithRandom(&scriptedReader{chunks: [][]byte{first, first, second}})

	a, err := svc.Issue(ctx, IssueParams{Kind: KindEntityAccess, Entity: property("p-5")})
	require.NoError(t, err)
	b, err := svc.Issue(ctx, IssueParams{Kind: KindLOI, Entity: property("p-6")})
	require.NoError(t, err)

	assert.Equal(t, "012345", a.Code)
	assert.Equal(t, "6789AB", b.Code)
}

func TestIssueCollisionOutsideFamilyIsAllowed(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	svc.WithRandom(&scriptedReader{chunks: [][]byte{{0, 1, 2, 3, 4, 5}}})

	a, err := svc.Issue(ctx, IssueParams{Kind: KindEntityAccess, Entity: property("p-5")})
	require.NoError(t, err)
	b, err := svc.Issue(ctx, IssueParams{Kind: KindPasswordReset, SubjectUserID: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, a.Code, b.Code)

	_, err = svc.Issue(ctx, IssueParams{Kind: KindLOI, Entity: property("p-6")})
	require.ErrorIs(t, err, errCodeCollision)
}

func TestIssueValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	zero := time.Duration(0)

	cases := []IssueParams{
		{Kind: "bogus"},
		{Kind: KindRegistration},
		{Kind: KindPasswordReset},
		{Kind: KindAPIKey},
		{Kind: KindEntityAccess},
		{Kind: KindLOI, Entity: &EntityRef{Type: "property"}},
		{Kind: KindLOI, Entity: property("p-1"), TTL: &zero},
	}
	for _, p := range cases {
		_, err := svc.Issue(ctx, p)
		assert.ErrorIs(t, err, ErrInvalidRequest, "params %+v", p)
	}
}

func TestInvalidateRevokesOutstandingCodes(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueParams{Kind: KindEntityAccess, Entity: property("p-7")})
	require.NoError(t, err)
	_, err = svc.Issue(ctx, IssueParams{Kind: KindEntityAccess, Entity: property("p-8")})
	require.NoError(t, err)

	n, err := svc.Invalidate(ctx, InvalidateParams{Kinds: []Kind{KindEntityAccess}, Entity: property("p-7")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = svc.Redeem(ctx, RedeemParams{Code: issued.Code, Kinds: []Kind{KindEntityAccess}, SubjectUserID: "c"})
	require.ErrorIs(t, err, ErrExpired)

	_, err = svc.Invalidate(ctx, InvalidateParams{Kinds: []Kind{KindEntityAccess}})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFindLive(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.FindLive(ctx, LiveQuery{Kinds: []Kind{KindLOI}, SubjectUserID: "client-1", Entity: property("p-1")})
	require.ErrorIs(t, err, ErrNotFound)

	issued, err := svc.Issue(ctx, IssueParams{Kind: KindLOI, SubjectUserID: "client-1", Entity: property("p-1")})
	require.NoError(t, err)

	found, err := svc.FindLive(ctx, LiveQuery{Kinds: []Kind{KindLOI}, SubjectUserID: "client-1", Entity: property("p-1")})
	require.NoError(t, err)
	assert.Equal(t, issued.ID, found.ID)
	assert.Equal(t, issued.Code, found.Code)

	clock.Advance(8 * 24 * time.Hour)
	_, err = svc.FindLive(ctx, LiveQuery{Kinds: []Kind{KindLOI}, SubjectUserID: "client-1", Entity: property("p-1")})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAPIKeyAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	issued, err := svc.Issue(ctx, IssueParams{Kind: KindAPIKey, SubjectUserID: "agent-1", Label: "crm sync"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(issued.Code, apiKeyPrefix))
	assert.Nil(t, issued.ExpiresAt)
	assert.Equal(t, 100, issued.RateLimit)

	stored, err := svc.Get(ctx, issued.ID)
	require.NoError(t, err)
	assert.Equal(t, digest(issued.Code), stored.Code)

	authed, err := svc.Authenticate(ctx, issued.Code)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, authed.ID)
	assert.Equal(t, "agent-1", authed.SubjectUserID)

	_, err = svc.Authenticate(ctx, "omk_not-a-key")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = svc.Invalidate(ctx, InvalidateParams{ID: issued.ID})
	require.NoError(t, err)
	_, err = svc.Authenticate(ctx, issued.Code)
	require.ErrorIs(t, err, ErrExpired)
}

func TestNormalizeCode(t *testing.T) {
	assert.Equal(t, "0123AB", NormalizeCode("o123-ab"))
	assert.Equal(t, "1100ZZ", NormalizeCode("Il oO zz"))
	assert.Equal(t, "", NormalizeCode("  - "))
}
