// Package auth provides the identity side of the sync core: the Identity of
// a signed-in user, a Session that tracks the current identity and notifies
// listeners on change, token verifiers (Firebase ID tokens, HS256 JWTs, and
// development headers) and the Gin middleware that authenticates requests.
package auth

import (
	"strings"
	"sync"
)

// Identity is a signed-in user as reported by the auth provider.
type Identity struct {
	UID         string `json:"uid"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email,omitempty"`
	PhotoURL    string `json:"photoURL,omitempty"`
}

// Name returns the best display name available for the identity.
func (i Identity) Name() string {
	if n := strings.TrimSpace(i.DisplayName); n != "" {
		return n
	}
	if at := strings.IndexByte(i.Email, '@'); at > 0 {
		return i.Email[:at]
	}
	return ""
}

// Session tracks the current identity of one client. Listeners registered
// with OnIdentityChange run on every transition, in registration order,
// outside the session lock.
type Session struct {
	mu        sync.Mutex
	current   *Identity
	listeners []*listener
}

type listener struct {
	fn func(id Identity, signedIn bool)
}

func NewSession() *Session { return &Session{} }

// CurrentIdentity returns the signed-in identity, if any.
func (s *Session) CurrentIdentity() (Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Identity{}, false
	}
	return *s.current, true
}

// OnIdentityChange registers fn and returns a function that removes it.
// On sign-out fn receives the identity that signed out and signedIn=false.
func (s *Session) OnIdentityChange(fn func(id Identity, signedIn bool)) func() {
	l := &listener{fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			for i, x := range s.listeners {
				if x == l {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SignIn makes id the current identity. Signing in the identity that is
// already current is not a transition. Switching users emits a sign-out of
// the previous identity first.
func (s *Session) SignIn(id Identity) {
	s.mu.Lock()
	prev := s.current
	if prev != nil && prev.UID == id.UID {
		s.current = &id
		s.mu.Unlock()
		return
	}
	s.current = &id
	ls := s.snapshot()
	s.mu.Unlock()

	if prev != nil {
		emit(ls, *prev, false)
	}
	emit(ls, id, true)
}

// SignOut clears the current identity.
func (s *Session) SignOut() {
	s.mu.Lock()
	prev := s.current
	s.current = nil
	ls := s.snapshot()
	s.mu.Unlock()

	if prev != nil {
		emit(ls, *prev, false)
	}
}

func (s *Session) snapshot() []*listener {
	out := make([]*listener, len(s.listeners))
	copy(out, s.listeners)
	return out
}

func emit(ls []*listener, id Identity, signedIn bool) {
	for _, l := range ls {
		l.fn(id, signedIn)
	}
}
