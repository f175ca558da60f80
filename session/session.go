package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"bitbucket.org/skillbridge/backend/db"
	"bitbucket.org/skillbridge/backend/models"
	"bitbucket.org/skillbridge/backend/supabase"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type State string

const (
	StateAnonymous                State = "anonymous"
	StateAuthenticating           State = "authenticating"
	StateAuthenticatedNoProfile   State = "authenticated_no_profile"
	StateAuthenticatedWithProfile State = "authenticated_with_profile"
)

const (
	DefaultLoadTimeout   = 2 * time.Second
	DefaultCreateTimeout = 3 * time.Second
	DefaultRetryDelay    = 5 * time.Second
	DefaultIdleTTL       = 30 * time.Minute
)

var ErrInvalidClaims = errors.New("token has no subject")

// Claims identify a user authenticated by the hosted auth service.
type Claims struct {
	UserID      string
	Email       string
	Role        string
	AccessToken string
}

// UserFetcher reads the hosted auth user, used to fill a fallback profile.
type UserFetcher interface {
	GetUser(ctx context.Context, accessToken string) (*supabase.User, error)
}

// Session follows one user through authentication and profile loading.
type Session struct {
	mu      sync.RWMutex
	state   State
	claims  Claims
	profile *models.Profile
	cancel  context.CancelFunc
	done    chan struct{}

	lastSeen   time.Time
	finishedAt time.Time
}

type View struct {
	State   State           `json:"state"`
	UserID  string          `json:"user_id,omitempty"`
	Email   string          `json:"email,omitempty"`
	Profile *models.Profile `json:"profile,omitempty"`
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Profile() *models.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.profile
}

func (s *Session) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return View{
		State:   s.state,
		UserID:  s.claims.UserID,
		Email:   s.claims.Email,
		Profile: s.profile,
	}
}

// Wait blocks until the profile task finished or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.RLock()
	done := s.done
	s.mu.RUnlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// lookedUp leaves Authenticating once the store answered without a profile.
func (s *Session) lookedUp(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ctx.Err() == nil && s.state == StateAuthenticating {
		s.state = StateAuthenticatedNoProfile
	}
}

func (s *Session) setProfile(ctx context.Context, profile *models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// signed out while loading
	if ctx.Err() != nil || s.state == StateAnonymous {
		return
	}
	s.profile = profile
	s.state = StateAuthenticatedWithProfile
}

func (s *Session) finish(done chan struct{}, at time.Time) {
	s.mu.Lock()
	if s.done == done {
		s.finishedAt = at
	}
	s.mu.Unlock()
	close(done)
}

// loading reports whether a profile task is running. Callers hold s.mu.
func (s *Session) loading() bool {
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *Session) signOut() {
	s.mu.Lock()
	cancel := s.cancel
	s.state = StateAnonymous
	s.profile = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Manager keeps the sessions of the users talking to this process. Sessions
// not used for IdleTTL are signed out.
type Manager struct {
	profiles db.ProfileStorage
	users    UserFetcher

	LoadTimeout   time.Duration
	CreateTimeout time.Duration
	RetryDelay    time.Duration
	IdleTTL       time.Duration

	now func() time.Time

	mu        sync.Mutex
	sessions  map[string]*Session
	lastSweep time.Time
}

// NewManager returns a Manager. users may be nil, fallback profiles are
// then built from the token claims only.
func NewManager(profiles db.ProfileStorage, users UserFetcher) *Manager {
	return &Manager{
		profiles:      profiles,
		users:         users,
		LoadTimeout:   DefaultLoadTimeout,
		CreateTimeout: DefaultCreateTimeout,
		RetryDelay:    DefaultRetryDelay,
		IdleTTL:       DefaultIdleTTL,
		now:           time.Now,
		sessions:      map[string]*Session{},
	}
}

// Authenticate registers the user's session in Authenticating and starts
// loading the profile in the background. It never waits for the profile.
// A session left without a profile by a failed load gets a new task once
// RetryDelay passed.
func (m *Manager) Authenticate(claims Claims) (*Session, error) {
	if strings.TrimSpace(claims.UserID) == "" {
		return &Session{state: StateAnonymous, claims: claims}, ErrInvalidClaims
	}

	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIdle(now)

	if existing, ok := m.sessions[claims.UserID]; ok && existing.State() != StateAnonymous {
		existing.mu.Lock()
		defer existing.mu.Unlock()

		existing.lastSeen = now
		if claims.AccessToken != "" {
			existing.claims.AccessToken = claims.AccessToken
		}
		if existing.state == StateAuthenticatedNoProfile && !existing.loading() &&
			now.Sub(existing.finishedAt) >= m.RetryDelay {
			log.WithField("user_id", claims.UserID).Info("retrying profile load")
			m.startLoad(existing)
		}
		return existing, nil
	}

	s := &Session{state: StateAuthenticating, claims: claims, lastSeen: now}
	s.mu.Lock()
	m.startLoad(s)
	s.mu.Unlock()
	m.sessions[claims.UserID] = s
	return s, nil
}

// startLoad runs a new profile task for s. Callers hold s.mu.
func (m *Manager) startLoad(s *Session) {
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go m.loadProfile(ctx, s, s.claims, s.done)
}

func (m *Manager) Get(userID string) (*Session, bool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evictIdle(now)

	s, ok := m.sessions[userID]
	if ok {
		s.mu.Lock()
		s.lastSeen = now
		s.mu.Unlock()
	}
	return s, ok
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// evictIdle signs out sessions unused for IdleTTL. The map is scanned at most
// once per half TTL. Callers hold m.mu.
func (m *Manager) evictIdle(now time.Time) {
	if m.IdleTTL <= 0 || now.Sub(m.lastSweep) < m.IdleTTL/2 {
		return
	}
	m.lastSweep = now

	for id, s := range m.sessions {
		s.mu.RLock()
		idle := now.Sub(s.lastSeen) >= m.IdleTTL
		s.mu.RUnlock()
		if !idle {
			continue
		}
		delete(m.sessions, id)
		s.signOut()
		log.WithField("user_id", id).Debug("evicted idle session")
	}
}

// SignOut cancels any pending profile work and forgets the session.
func (m *Manager) SignOut(userID string) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	delete(m.sessions, userID)
	m.mu.Unlock()

	if ok {
		s.signOut()
	}
}

// Close signs every session out.
func (m *Manager) Close() {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = map[string]*Session{}
	m.mu.Unlock()

	for _, s := range sessions {
		s.signOut()
	}
}

func (m *Manager) loadProfile(ctx context.Context, s *Session, claims Claims, done chan struct{}) {
	defer func() { s.finish(done, m.now()) }()

	logger := log.WithField("user_id", claims.UserID)

	loadCtx, cancel := context.WithTimeout(ctx, m.LoadTimeout)
	profile, err := m.profiles.GetProfileByID(loadCtx, claims.UserID)
	cancel()
	s.lookedUp(ctx)
	if err != nil {
		logger.WithError(err).Warn("failed to load profile")
		return
	}

	if profile == nil {
		createCtx, cancel := context.WithTimeout(ctx, m.CreateTimeout)
		profile, err = m.createFallbackProfile(createCtx, claims)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("failed to create fallback profile")
			return
		}
		logger.Info("created fallback profile")
	}

	s.setProfile(ctx, profile)
}

func (m *Manager) createFallbackProfile(ctx context.Context, claims Claims) (*models.Profile, error) {
	now := time.Now().UTC()
	profile := &models.Profile{
		ID:        claims.UserID,
		Email:     claims.Email,
		Role:      models.ProfileRoleCustomer,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if m.users != nil && claims.AccessToken != "" {
		user, err := m.users.GetUser(ctx, claims.AccessToken)
		if err != nil {
			log.WithField("user_id", claims.UserID).WithError(err).Warn("failed to fetch auth user")
		} else {
			if user.Email != "" {
				profile.Email = user.Email
			}
			profile.FullName = user.FullName()
			if role := user.MetadataString("role"); role == models.ProfileRoleProvider {
				profile.Role = role
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if profile.FullName == "" {
		profile.FullName = nameFromEmail(profile.Email)
	}

	if err := m.profiles.InsertProfile(ctx, profile); err != nil {
		// another request may have created it meanwhile
		existing, getErr := m.profiles.GetProfileByID(ctx, claims.UserID)
		if getErr == nil && existing != nil {
			return existing, nil
		}
		return nil, err
	}
	return profile, nil
}

func nameFromEmail(email string) string {
	if i := strings.IndexByte(email, '@'); i > 0 {
		return email[:i]
	}
	return email
}
