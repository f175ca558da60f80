package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/models"
	"bitbucket.org/skillbridge/backend/supabase"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slowProfiles delays every read until ctx is done or delay elapsed.
type slowProfiles struct {
	*db.Memory
	delay time.Duration
	reads int32
}

func (s *slowProfiles) GetProfileByID(ctx context.Context, id string) (*models.Profile, error) {
	atomic.AddInt32(&s.reads, 1)
	select {
	case <-time.After(s.delay):
		return s.Memory.GetProfileByID(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// gatedProfiles holds every read until open is closed, then fails the
// first failures reads.
type gatedProfiles struct {
	*db.Memory
	open     chan struct{}
	failures int32
	reads    int32
}

func (g *gatedProfiles) GetProfileByID(ctx context.Context, id string) (*models.Profile, error) {
	n := atomic.AddInt32(&g.reads, 1)
	select {
	case <-g.open:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if n <= g.failures {
		return nil, errors.New("connection refused")
	}
	return g.Memory.GetProfileByID(ctx, id)
}

type fakeUsers struct {
	user *supabase.User
	err  error
}

func (f *fakeUsers) GetUser(context.Context, string) (*supabase.User, error) {
	return f.user, f.err
}

func waitFor(t *testing.T, s *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Wait(ctx))
}

func TestAuthenticateLoadsExistingProfile(t *testing.T) {
	store := db.NewMemory()
	require.NoError(t, store.InsertProfile(context.Background(), &models.Profile{
		ID:       "user-1",
		FullName: "Ana",
		Role:     models.ProfileRoleProvider,
	}))
	m := NewManager(store, nil)

	s, err := m.Authenticate(Claims{UserID: "user-1", Email: "ana@example.com"})
	require.NoError(t, err)
	waitFor(t, s)

	assert.Equal(t, StateAuthenticatedWithProfile, s.State())
	assert.Equal(t, "Ana", s.Profile().FullName)
}

func TestAuthenticateCreatesFallbackProfile(t *testing.T) {
	store := db.NewMemory()
	users := &fakeUsers{user: &supabase.User{
		ID:           "user-2",
		Email:        "bruno@example.com",
		UserMetadata: map[string]interface{}{"full_name": "Bruno Díaz", "role": "provider"},
	}}
	m := NewManager(store, users)

	s, err := m.Authenticate(Claims{UserID: "user-2", Email: "bruno@example.com", AccessToken: "token"})
	require.NoError(t, err)
	waitFor(t, s)

	require.Equal(t, StateAuthenticatedWithProfile, s.State())
	assert.Equal(t, "Bruno Díaz", s.Profile().FullName)
	assert.Equal(t, models.ProfileRoleProvider, s.Profile().Role)

	stored, err := store.GetProfileByID(context.Background(), "user-2")
	require.NoError(t, err)
	require.NotNil(t, stored)
}

func TestFallbackProfileWithoutAuthUser(t *testing.T) {
	m := NewManager(db.NewMemory(), &fakeUsers{err: errors.New("unauthorized")})

	s, err := m.Authenticate(Claims{UserID: "user-3", Email: "carla@example.com", AccessToken: "token"})
	require.NoError(t, err)
	waitFor(t, s)

	require.Equal(t, StateAuthenticatedWithProfile, s.State())
	assert.Equal(t, "carla", s.Profile().FullName)
	assert.Equal(t, models.ProfileRoleCustomer, s.Profile().Role)
}

func TestProfileLoadTimeoutLeavesNoProfile(t *testing.T) {
	store := &slowProfiles{Memory: db.NewMemory(), delay: time.Second}
	m := NewManager(store, nil)
	m.LoadTimeout = 20 * time.Millisecond

	start := time.Now()
	s, err := m.Authenticate(Claims{UserID: "user-4"})
	require.NoError(t, err)
	assert.Less(t, int64(time.Since(start)), int64(20*time.Millisecond), "authentication does not wait for the profile")
	assert.Equal(t, StateAuthenticating, s.State())

	waitFor(t, s)
	assert.Equal(t, StateAuthenticatedNoProfile, s.State())
	assert.Nil(t, s.Profile())
}

func TestSignOutCancelsProfileLoad(t *testing.T) {
	store := &slowProfiles{Memory: db.NewMemory(), delay: time.Second}
	m := NewManager(store, nil)

	s, err := m.Authenticate(Claims{UserID: "user-5"})
	require.NoError(t, err)

	m.SignOut("user-5")
	waitFor(t, s)

	assert.Equal(t, StateAnonymous, s.State())
	assert.Nil(t, s.Profile())
	_, ok := m.Get("user-5")
	assert.False(t, ok)
}

func TestAuthenticateRejectsEmptySubject(t *testing.T) {
	m := NewManager(db.NewMemory(), nil)

	s, err := m.Authenticate(Claims{})
	assert.Equal(t, ErrInvalidClaims, err)
	assert.Equal(t, StateAnonymous, s.State())
}

func TestAuthenticateReusesSession(t *testing.T) {
	store := &slowProfiles{Memory: db.NewMemory()}
	m := NewManager(store, nil)

	first, err := m.Authenticate(Claims{UserID: "user-6"})
	require.NoError(t, err)
	waitFor(t, first)

	second, err := m.Authenticate(Claims{UserID: "user-6"})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, atomic.LoadInt32(&store.reads))
}

func TestSessionIsAuthenticatingUntilLookupAnswers(t *testing.T) {
	store := &gatedProfiles{Memory: db.NewMemory(), open: make(chan struct{})}
	require.NoError(t, store.InsertProfile(context.Background(), &models.Profile{ID: "user-7", FullName: "Dora"}))
	m := NewManager(store, nil)

	s, err := m.Authenticate(Claims{UserID: "user-7"})
	require.NoError(t, err)

	seen, ok := m.Get("user-7")
	require.True(t, ok)
	assert.Same(t, s, seen)
	assert.Equal(t, StateAuthenticating, seen.View().State)

	close(store.open)
	waitFor(t, s)
	assert.Equal(t, StateAuthenticatedWithProfile, s.State())
}

func TestFailedProfileLoadIsRetried(t *testing.T) {
	open := make(chan struct{})
	close(open)
	store := &gatedProfiles{Memory: db.NewMemory(), open: open, failures: 1}
	require.NoError(t, store.InsertProfile(context.Background(), &models.Profile{ID: "user-8", FullName: "Eli"}))
	m := NewManager(store, nil)
	m.RetryDelay = 0

	s, err := m.Authenticate(Claims{UserID: "user-8"})
	require.NoError(t, err)
	waitFor(t, s)
	require.Equal(t, StateAuthenticatedNoProfile, s.State())

	again, err := m.Authenticate(Claims{UserID: "user-8"})
	require.NoError(t, err)
	assert.Same(t, s, again)
	waitFor(t, again)

	assert.Equal(t, StateAuthenticatedWithProfile, s.State())
	assert.Equal(t, "Eli", s.Profile().FullName)
	assert.EqualValues(t, 2, atomic.LoadInt32(&store.reads))

	// loaded sessions are not reloaded
	_, err = m.Authenticate(Claims{UserID: "user-8"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&store.reads))
}

func TestProfileRetryWaitsForDelay(t *testing.T) {
	open := make(chan struct{})
	close(open)
	store := &gatedProfiles{Memory: db.NewMemory(), open: open, failures: 1}
	m := NewManager(store, nil)
	m.RetryDelay = time.Hour

	s, err := m.Authenticate(Claims{UserID: "user-9"})
	require.NoError(t, err)
	waitFor(t, s)

	_, err = m.Authenticate(Claims{UserID: "user-9"})
	require.NoError(t, err)
	waitFor(t, s)

	assert.Equal(t, StateAuthenticatedNoProfile, s.State())
	assert.EqualValues(t, 1, atomic.LoadInt32(&store.reads))
}

func TestIdleSessionsAreEvicted(t *testing.T) {
	store := db.NewMemory()
	m := NewManager(store, nil)
	m.IdleTTL = time.Minute

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	idle, err := m.Authenticate(Claims{UserID: "idle"})
	require.NoError(t, err)
	waitFor(t, idle)

	now = now.Add(40 * time.Second)
	active, err := m.Authenticate(Claims{UserID: "active"})
	require.NoError(t, err)
	waitFor(t, active)
	assert.Equal(t, 2, m.Len())

	now = now.Add(40 * time.Second)
	_, ok := m.Get("active")
	require.True(t, ok)

	assert.Equal(t, 1, m.Len())
	assert.Equal(t, StateAnonymous, idle.State())
	assert.Equal(t, StateAuthenticatedWithProfile, active.State())

	// a returning user starts over
	back, err := m.Authenticate(Claims{UserID: "idle"})
	require.NoError(t, err)
	assert.NotSame(t, idle, back)
}
