package party

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ridelink/backend/internal/models"
)

// Store is the persistence surface the lifecycle service runs on.
// Capacity and uniqueness checks happen transactionally inside the store.
type Store interface {
	// InsertParty stores a new active party. Returns ErrCodeTaken when the
	// join code collides with another active party.
	InsertParty(ctx context.Context, p *models.Party) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Party, error)
	FindActiveByCode(ctx context.Context, code string) (*models.Party, error)
	FindActiveByToken(ctx context.Context, token string) (*models.Party, error)
	// AddMember inserts an active membership, ending the user's prior active
	// membership elsewhere first. Returns ErrCapacityExceeded when the party
	// already has max active members. Idempotent for an existing active
	// membership in the same party.
	AddMember(ctx context.Context, partyID, userID uuid.UUID, max int) error
	// EndMembership sets left_at on the user's active membership in the
	// party. No-op when there is none.
	EndMembership(ctx context.Context, partyID, userID uuid.UUID) error
	// EndParty marks the party ended and cascades left_at to all active
	// memberships.
	EndParty(ctx context.Context, partyID uuid.UUID) error
	// UpdateCode atomically replaces the join code of an active party.
	// Returns ErrCodeTaken on collision with another active party.
	UpdateCode(ctx context.Context, partyID uuid.UUID, code string) error
	ActiveMembers(ctx context.Context, partyID uuid.UUID) ([]models.Membership, error)
	// ExpiredActive returns active parties whose expires_at is before now.
	ExpiredActive(ctx context.Context, now time.Time, limit int) ([]models.Party, error)
}

// Config holds lifecycle policy knobs.
type Config struct {
	MaxMembers   int
	TTL          time.Duration
	CodeAttempts int
}

// Service implements authoritative party lifecycle: create, join, leave, end,
// code regeneration, capacity and TTL enforcement.
type Service struct {
	store  Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

// NewService creates a lifecycle service.
func NewService(store Store, cfg Config, logger *zap.Logger) *Service {
	if cfg.MaxMembers <= 0 {
		cfg.MaxMembers = 5
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 6 * time.Hour
	}
	if cfg.CodeAttempts <= 0 {
		cfg.CodeAttempts = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cfg: cfg, logger: logger, now: time.Now}
}

// Create starts a new party hosted by hostID. The host's prior active
// membership, if any, is ended by the membership insert.
func (s *Service) Create(ctx context.Context, hostID uuid.UUID) (*models.Party, error) {
	token, err := newJoinToken()
	if err != nil {
		return nil, fmt.Errorf("generate join token: %w", err)
	}

	now := s.now()
	var p *models.Party
	for attempt := 0; attempt < s.cfg.CodeAttempts; attempt++ {
		code, err := newJoinCode()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		candidate := &models.Party{
			ID:        uuid.New(),
			JoinCode:  code,
			JoinToken: token,
			HostID:    hostID,
			State:     models.PartyStateActive,
			CreatedAt: now,
			ExpiresAt: now.Add(s.cfg.TTL),
		}
		if err := s.store.InsertParty(ctx, candidate); err != nil {
			if err == ErrCodeTaken {
				continue
			}
			return nil, fmt.Errorf("insert party: %w", err)
		}
		p = candidate
		break
	}
	if p == nil {
		return nil, ErrCodeGenerationExhausted
	}

	if err := s.store.AddMember(ctx, p.ID, hostID, s.cfg.MaxMembers); err != nil {
		return nil, fmt.Errorf("add host membership: %w", err)
	}
	s.logger.Info("party created",
		zap.String("party_id", p.ID.String()),
		zap.String("host_id", hostID.String()),
		zap.Time("expires_at", p.ExpiresAt),
	)
	return p, nil
}

// JoinByCode joins the caller to the active party with the given 4-digit code.
func (s *Service) JoinByCode(ctx context.Context, code string, userID uuid.UUID) (*models.Party, error) {
	p, err := s.store.FindActiveByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.join(ctx, p, userID)
}

// JoinByToken joins the caller via an opaque deep-link token. Tokens are
// preferred over codes whenever the join origin is not manual human entry.
func (s *Service) JoinByToken(ctx context.Context, token string, userID uuid.UUID) (*models.Party, error) {
	p, err := s.store.FindActiveByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	return s.join(ctx, p, userID)
}

func (s *Service) join(ctx context.Context, p *models.Party, userID uuid.UUID) (*models.Party, error) {
	if p.Expired(s.now()) {
		// Lazy expiry: the sweeper also catches these, but a join should
		// never succeed against a party past its TTL.
		_ = s.store.EndParty(ctx, p.ID)
		return nil, ErrExpired
	}
	if err := s.store.AddMember(ctx, p.ID, userID, s.cfg.MaxMembers); err != nil {
		return nil, err
	}
	return p, nil
}

// Leave ends the caller's active membership in the party. Idempotent.
func (s *Service) Leave(ctx context.Context, partyID, userID uuid.UUID) error {
	return s.store.EndMembership(ctx, partyID, userID)
}

// End terminates the party. Host-only; cascades leaves to all active members.
func (s *Service) End(ctx context.Context, partyID, callerID uuid.UUID) (*models.Party, error) {
	p, err := s.store.FindByID(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if p.HostID != callerID {
		return nil, ErrPermissionDenied
	}
	if err := s.store.EndParty(ctx, partyID); err != nil {
		return nil, err
	}
	p.State = models.PartyStateEnded
	s.logger.Info("party ended", zap.String("party_id", partyID.String()))
	return p, nil
}

// RegenCode replaces the party's join code. Host-only. The old code is
// invalid for new joins the instant the update commits.
func (s *Service) RegenCode(ctx context.Context, partyID, callerID uuid.UUID) (*models.Party, error) {
	p, err := s.store.FindByID(ctx, partyID)
	if err != nil {
		return nil, err
	}
	if p.HostID != callerID {
		return nil, ErrPermissionDenied
	}
	for attempt := 0; attempt < s.cfg.CodeAttempts; attempt++ {
		code, err := newJoinCode()
		if err != nil {
			return nil, fmt.Errorf("generate join code: %w", err)
		}
		if err := s.store.UpdateCode(ctx, partyID, code); err != nil {
			if err == ErrCodeTaken {
				continue
			}
			return nil, err
		}
		p.JoinCode = code
		return p, nil
	}
	return nil, ErrCodeGenerationExhausted
}

// Members returns the party's active memberships.
func (s *Service) Members(ctx context.Context, partyID uuid.UUID) ([]models.Membership, error) {
	return s.store.ActiveMembers(ctx, partyID)
}

// Get returns the party by id.
func (s *Service) Get(ctx context.Context, partyID uuid.UUID) (*models.Party, error) {
	return s.store.FindByID(ctx, partyID)
}

// FindByToken returns the active party for a join token without joining.
// Used by the broadcast gateway to authorize subscriptions.
func (s *Service) FindByToken(ctx context.Context, token string) (*models.Party, error) {
	p, err := s.store.FindActiveByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if p.Expired(s.now()) {
		return nil, ErrExpired
	}
	return p, nil
}

// ExpireDue ends all active parties past their TTL and returns them.
func (s *Service) ExpireDue(ctx context.Context, limit int) ([]models.Party, error) {
	due, err := s.store.ExpiredActive(ctx, s.now(), limit)
	if err != nil {
		return nil, err
	}
	var ended []models.Party
	for _, p := range due {
		if err := s.store.EndParty(ctx, p.ID); err != nil {
			s.logger.Error("end expired party", zap.Error(err), zap.String("party_id", p.ID.String()))
			continue
		}
		p.State = models.PartyStateEnded
		ended = append(ended, p)
	}
	return ended, nil
}

// newJoinCode returns 4 random ASCII digits from crypto/rand.
func newJoinCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// newJoinToken returns an opaque unguessable 128-bit hex token.
func newJoinToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
