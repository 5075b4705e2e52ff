package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/domain"
)

// Presence keeps the status field of a profile in step with sign-in state.
// Bound sessions are counted per uid: a uid goes offline through a session
// only when its last bound session signs out.
type Presence struct {
	friends *FriendService
	access  *AccessControl
	timeout time.Duration

	mu       sync.Mutex
	sessions map[string]int
}

func NewPresence(friends *FriendService, access *AccessControl) *Presence {
	return &Presence{
		friends:  friends,
		access:   access,
		timeout:  10 * time.Second,
		sessions: make(map[string]int),
	}
}

// SignIn admits id, creates its profile on first use and marks it online.
func (p *Presence) SignIn(ctx context.Context, id auth.Identity) (domain.UserProfile, error) {
	if id.UID == "" {
		return domain.UserProfile{}, ErrAuthRequired
	}
	if p.access != nil {
		if err := p.access.Check(ctx, id); err != nil {
			return domain.UserProfile{}, err
		}
	}
	prof, err := p.friends.EnsureProfile(ctx, id)
	if err != nil {
		return domain.UserProfile{}, err
	}
	if prof.Status == domain.StatusOnline {
		return prof, nil
	}
	if err := p.friends.SetStatus(ctx, id.UID, domain.StatusOnline); err != nil {
		return domain.UserProfile{}, err
	}
	prof.Status = domain.StatusOnline
	return prof, nil
}

// SignOut marks uid offline regardless of bound sessions.
func (p *Presence) SignOut(ctx context.Context, uid string) error {
	return p.friends.SetStatus(ctx, uid, domain.StatusOffline)
}

// Bind follows the identity changes of s until the returned function is
// called. Failures are logged; the session itself is not affected.
// Unbinding a signed-in session releases its count without a status change.
func (p *Presence) Bind(ctx context.Context, s *auth.Session) func() {
	ctx = context.WithoutCancel(ctx)
	var (
		mu   sync.Mutex
		held string
	)
	off := s.OnIdentityChange(func(id auth.Identity, signedIn bool) {
		cctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if signedIn {
			mu.Lock()
			held = id.UID
			mu.Unlock()
			p.acquire(id.UID)
			if _, err := p.SignIn(cctx, id); err != nil {
				log.Warn().Err(err).Str("uid", id.UID).Msg("presence sign-in failed")
			}
			return
		}
		mu.Lock()
		had := held == id.UID
		held = ""
		mu.Unlock()
		if had && p.release(id.UID) > 0 || !had && p.active(id.UID) > 0 {
			return
		}
		if err := p.SignOut(cctx, id.UID); err != nil {
			log.Warn().Err(err).Str("uid", id.UID).Msg("presence sign-out failed")
		}
	})
	return func() {
		off()
		mu.Lock()
		uid := held
		held = ""
		mu.Unlock()
		if uid != "" {
			p.release(uid)
		}
	}
}

func (p *Presence) acquire(uid string) {
	p.mu.Lock()
	p.sessions[uid]++
	p.mu.Unlock()
}

func (p *Presence) active(uid string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[uid]
}

// release drops one session of uid and returns how many remain.
func (p *Presence) release(uid string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := p.sessions[uid] - 1
	if n <= 0 {
		delete(p.sessions, uid)
		return 0
	}
	p.sessions[uid] = n
	return n
}
