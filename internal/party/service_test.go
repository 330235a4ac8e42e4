package party

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ridelink/backend/internal/models"
)

// memStore is an in-memory Store with the same uniqueness and capacity
// semantics as the SQL implementation.
type memStore struct {
	mu          sync.Mutex
	parties     map[uuid.UUID]*models.Party
	memberships []*models.Membership

	insertCalls int
	failInserts int // first N inserts answer ErrCodeTaken
	updateCalls int
	failUpdates int
}

func newMemStore() *memStore {
	return &memStore{parties: make(map[uuid.UUID]*models.Party)}
}

func (m *memStore) InsertParty(ctx context.Context, p *models.Party) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertCalls++
	if m.insertCalls <= m.failInserts {
		return ErrCodeTaken
	}
	for _, other := range m.parties {
		if other.State == models.PartyStateActive && other.JoinCode == p.JoinCode {
			return ErrCodeTaken
		}
	}
	cp := *p
	m.parties[p.ID] = &cp
	return nil
}

func (m *memStore) FindByID(ctx context.Context, id uuid.UUID) (*models.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parties[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) FindActiveByCode(ctx context.Context, code string) (*models.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.parties {
		if p.State == models.PartyStateActive && p.JoinCode == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) FindActiveByToken(ctx context.Context, token string) (*models.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.parties {
		if p.State == models.PartyStateActive && p.JoinToken == token {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memStore) AddMember(ctx context.Context, partyID, userID uuid.UUID, max int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	active := 0
	for _, ms := range m.memberships {
		if ms.LeftAt != nil {
			continue
		}
		if ms.PartyID == partyID && ms.UserID == userID {
			return nil // already in
		}
		if ms.PartyID == partyID {
			active++
		}
	}
	// Check capacity before mutating anything: the SQL implementation runs
	// inside one transaction, so a capacity failure rolls everything back.
	if active >= max {
		return ErrCapacityExceeded
	}
	// One active party per user: end any prior membership elsewhere.
	now := time.Now()
	for _, ms := range m.memberships {
		if ms.LeftAt == nil && ms.UserID == userID {
			t := now
			ms.LeftAt = &t
		}
	}
	m.memberships = append(m.memberships, &models.Membership{
		PartyID: partyID, UserID: userID, JoinedAt: now,
	})
	return nil
}

func (m *memStore) EndMembership(ctx context.Context, partyID, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for _, ms := range m.memberships {
		if ms.LeftAt == nil && ms.PartyID == partyID && ms.UserID == userID {
			t := now
			ms.LeftAt = &t
		}
	}
	return nil
}

func (m *memStore) EndParty(ctx context.Context, partyID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.parties[partyID]
	if !ok {
		return ErrNotFound
	}
	p.State = models.PartyStateEnded
	now := time.Now()
	for _, ms := range m.memberships {
		if ms.LeftAt == nil && ms.PartyID == partyID {
			t := now
			ms.LeftAt = &t
		}
	}
	return nil
}

func (m *memStore) UpdateCode(ctx context.Context, partyID uuid.UUID, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	if m.updateCalls <= m.failUpdates {
		return ErrCodeTaken
	}
	for id, p := range m.parties {
		if id != partyID && p.State == models.PartyStateActive && p.JoinCode == code {
			return ErrCodeTaken
		}
	}
	p, ok := m.parties[partyID]
	if !ok || p.State != models.PartyStateActive {
		return ErrNotFound
	}
	p.JoinCode = code
	return nil
}

func (m *memStore) ActiveMembers(ctx context.Context, partyID uuid.UUID) ([]models.Membership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Membership
	for _, ms := range m.memberships {
		if ms.LeftAt == nil && ms.PartyID == partyID {
			out = append(out, *ms)
		}
	}
	return out, nil
}

func (m *memStore) ExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.Party, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Party
	for _, p := range m.parties {
		if p.State == models.PartyStateActive && now.After(p.ExpiresAt) {
			out = append(out, *p)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func newTestService(store Store) *Service {
	return NewService(store, Config{MaxMembers: 5, TTL: 6 * time.Hour, CodeAttempts: 10}, nil)
}

func TestCreateParty(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	host := uuid.New()

	p, err := svc.Create(context.Background(), host)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !regexp.MustCompile(`^\d{4}$`).MatchString(p.JoinCode) {
		t.Errorf("join code %q is not 4 ASCII digits", p.JoinCode)
	}
	if len(p.JoinToken) != 32 {
		t.Errorf("join token %q is not 32 hex chars", p.JoinToken)
	}
	if p.HostID != host {
		t.Errorf("host = %s, want %s", p.HostID, host)
	}
	if got := p.ExpiresAt.Sub(p.CreatedAt); got != 6*time.Hour {
		t.Errorf("TTL = %v, want 6h", got)
	}

	members, err := svc.Members(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("Members: %v", err)
	}
	if len(members) != 1 || members[0].UserID != host {
		t.Errorf("expected host as sole member, got %+v", members)
	}
}

func TestCreateRetriesOnCodeCollision(t *testing.T) {
	store := newMemStore()
	store.failInserts = 3
	svc := newTestService(store)

	p, err := svc.Create(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p == nil {
		t.Fatal("nil party after successful retry")
	}
	if store.insertCalls != 4 {
		t.Errorf("insert attempts = %d, want 4", store.insertCalls)
	}
}

func TestCreateExhaustsCodeAttempts(t *testing.T) {
	store := newMemStore()
	store.failInserts = 1000
	svc := newTestService(store)

	_, err := svc.Create(context.Background(), uuid.New())
	if !errors.Is(err, ErrCodeGenerationExhausted) {
		t.Fatalf("err = %v, want ErrCodeGenerationExhausted", err)
	}
	if store.insertCalls != 10 {
		t.Errorf("insert attempts = %d, want 10", store.insertCalls)
	}
}

func TestJoinByCode(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	p, err := svc.Create(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	joiner := uuid.New()
	joined, err := svc.JoinByCode(ctx, p.JoinCode, joiner)
	if err != nil {
		t.Fatalf("JoinByCode: %v", err)
	}
	if joined.ID != p.ID {
		t.Errorf("joined party %s, want %s", joined.ID, p.ID)
	}

	if _, err := svc.JoinByCode(ctx, "9999", uuid.New()); !errors.Is(err, ErrNotFound) {
		// The random code could genuinely be 9999; regenerate-proof checks
		// live in the capacity tests, so just skip that coincidence.
		if p.JoinCode != "9999" {
			t.Errorf("unknown code err = %v, want ErrNotFound", err)
		}
	}
}

func TestJoinCapacity(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	p, err := svc.Create(ctx, uuid.New())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	// Host plus four more fills the party.
	for i := 0; i < 4; i++ {
		if _, err := svc.JoinByCode(ctx, p.JoinCode, uuid.New()); err != nil {
			t.Fatalf("join %d: %v", i, err)
		}
	}
	if _, err := svc.JoinByCode(ctx, p.JoinCode, uuid.New()); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("6th join err = %v, want ErrCapacityExceeded", err)
	}

	members, _ := svc.Members(ctx, p.ID)
	if len(members) != 5 {
		t.Errorf("active members = %d, want 5", len(members))
	}
}

func TestJoinIsIdempotentForExistingMember(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	host := uuid.New()
	p, _ := svc.Create(ctx, host)
	joiner := uuid.New()
	if _, err := svc.JoinByCode(ctx, p.JoinCode, joiner); err != nil {
		t.Fatalf("first join: %v", err)
	}
	if _, err := svc.JoinByCode(ctx, p.JoinCode, joiner); err != nil {
		t.Fatalf("second join: %v", err)
	}
	members, _ := svc.Members(ctx, p.ID)
	if len(members) != 2 {
		t.Errorf("active members = %d, want 2", len(members))
	}
}

func TestJoinMovesUserBetweenParties(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	p1, _ := svc.Create(ctx, uuid.New())
	p2, _ := svc.Create(ctx, uuid.New())

	mover := uuid.New()
	if _, err := svc.JoinByToken(ctx, p1.JoinToken, mover); err != nil {
		t.Fatalf("join first: %v", err)
	}
	if _, err := svc.JoinByToken(ctx, p2.JoinToken, mover); err != nil {
		t.Fatalf("join second: %v", err)
	}

	m1, _ := svc.Members(ctx, p1.ID)
	for _, ms := range m1 {
		if ms.UserID == mover {
			t.Error("user still active in first party after joining second")
		}
	}
	m2, _ := svc.Members(ctx, p2.ID)
	found := false
	for _, ms := range m2 {
		if ms.UserID == mover {
			found = true
		}
	}
	if !found {
		t.Error("user not active in second party")
	}
}

func TestFailedJoinKeepsPriorMembership(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	home, _ := svc.Create(ctx, uuid.New())
	full, _ := svc.Create(ctx, uuid.New())
	for i := 0; i < 4; i++ {
		if _, err := svc.JoinByCode(ctx, full.JoinCode, uuid.New()); err != nil {
			t.Fatalf("fill join %d: %v", i, err)
		}
	}

	mover := uuid.New()
	if _, err := svc.JoinByToken(ctx, home.JoinToken, mover); err != nil {
		t.Fatalf("join home party: %v", err)
	}
	if _, err := svc.JoinByCode(ctx, full.JoinCode, mover); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("join full party err = %v, want ErrCapacityExceeded", err)
	}

	// The rejected join must not have ended the mover's existing membership.
	members, _ := svc.Members(ctx, home.ID)
	found := false
	for _, ms := range members {
		if ms.UserID == mover {
			found = true
		}
	}
	if !found {
		t.Error("capacity-rejected join ended the prior membership")
	}
}

func TestJoinExpiredParty(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	p, _ := svc.Create(ctx, uuid.New())

	svc.now = func() time.Time { return p.ExpiresAt.Add(time.Minute) }
	_, err := svc.JoinByCode(ctx, p.JoinCode, uuid.New())
	if !errors.Is(err, ErrExpired) {
		t.Fatalf("join err = %v, want ErrExpired", err)
	}

	// Lazy expiry ends the party; the code no longer resolves at all.
	_, err = svc.JoinByCode(ctx, p.JoinCode, uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("second join err = %v, want ErrNotFound", err)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	host := uuid.New()
	p, _ := svc.Create(ctx, host)
	joiner := uuid.New()
	svc.JoinByCode(ctx, p.JoinCode, joiner)

	if err := svc.Leave(ctx, p.ID, joiner); err != nil {
		t.Fatalf("first leave: %v", err)
	}
	if err := svc.Leave(ctx, p.ID, joiner); err != nil {
		t.Fatalf("repeated leave: %v", err)
	}
	members, _ := svc.Members(ctx, p.ID)
	if len(members) != 1 {
		t.Errorf("active members = %d, want 1", len(members))
	}
}

func TestEndRequiresHost(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	host := uuid.New()
	p, _ := svc.Create(ctx, host)
	joiner := uuid.New()
	svc.JoinByCode(ctx, p.JoinCode, joiner)

	if _, err := svc.End(ctx, p.ID, joiner); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("member End err = %v, want ErrPermissionDenied", err)
	}

	ended, err := svc.End(ctx, p.ID, host)
	if err != nil {
		t.Fatalf("host End: %v", err)
	}
	if ended.State != models.PartyStateEnded {
		t.Errorf("state = %s, want ended", ended.State)
	}
	members, _ := svc.Members(ctx, p.ID)
	if len(members) != 0 {
		t.Errorf("active members after end = %d, want 0", len(members))
	}
}

func TestRegenCode(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	host := uuid.New()
	p, _ := svc.Create(ctx, host)
	oldCode := p.JoinCode

	if _, err := svc.RegenCode(ctx, p.ID, uuid.New()); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("member RegenCode err = %v, want ErrPermissionDenied", err)
	}

	updated, err := svc.RegenCode(ctx, p.ID, host)
	if err != nil {
		t.Fatalf("RegenCode: %v", err)
	}
	if updated.JoinCode == oldCode {
		t.Skip("regenerated code collided with the old one by chance")
	}

	if _, err := svc.JoinByCode(ctx, oldCode, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("old code join err = %v, want ErrNotFound", err)
	}
	if _, err := svc.JoinByCode(ctx, updated.JoinCode, uuid.New()); err != nil {
		t.Errorf("new code join: %v", err)
	}
	// The token survives regeneration; existing deep links stay valid.
	if _, err := svc.JoinByToken(ctx, p.JoinToken, uuid.New()); err != nil {
		t.Errorf("token join after regen: %v", err)
	}
}

func TestRegenCodeRetriesThenExhausts(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	host := uuid.New()
	p, _ := svc.Create(ctx, host)

	store.failUpdates = 2
	if _, err := svc.RegenCode(ctx, p.ID, host); err != nil {
		t.Fatalf("RegenCode with transient collisions: %v", err)
	}

	store.updateCalls = 0
	store.failUpdates = 1000
	if _, err := svc.RegenCode(ctx, p.ID, host); !errors.Is(err, ErrCodeGenerationExhausted) {
		t.Fatalf("err = %v, want ErrCodeGenerationExhausted", err)
	}
}

func TestExpireDue(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	stale, _ := svc.Create(ctx, uuid.New())
	fresh, _ := svc.Create(ctx, uuid.New())

	svc.now = func() time.Time { return stale.ExpiresAt.Add(time.Second) }
	// fresh was created at the same instant, so push its deadline out.
	store.mu.Lock()
	store.parties[fresh.ID].ExpiresAt = stale.ExpiresAt.Add(time.Hour)
	store.mu.Unlock()

	ended, err := svc.ExpireDue(ctx, 100)
	if err != nil {
		t.Fatalf("ExpireDue: %v", err)
	}
	if len(ended) != 1 || ended[0].ID != stale.ID {
		t.Fatalf("ended = %+v, want only the stale party", ended)
	}
	if got, _ := svc.Get(ctx, stale.ID); got.State != models.PartyStateEnded {
		t.Errorf("stale party state = %s, want ended", got.State)
	}
	if got, _ := svc.Get(ctx, fresh.ID); got.State != models.PartyStateActive {
		t.Errorf("fresh party state = %s, want active", got.State)
	}
}

func TestFindByTokenRejectsExpired(t *testing.T) {
	store := newMemStore()
	svc := newTestService(store)
	ctx := context.Background()

	p, _ := svc.Create(ctx, uuid.New())
	if _, err := svc.FindByToken(ctx, p.JoinToken); err != nil {
		t.Fatalf("FindByToken: %v", err)
	}

	svc.now = func() time.Time { return p.ExpiresAt.Add(time.Minute) }
	if _, err := svc.FindByToken(ctx, p.JoinToken); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}
