// Package services – FriendService
//
// FriendService owns user profiles and the friend-request workflow:
// idempotent profile creation on sign-in, profile edits, presence status,
// user search, and the pending → accepted/rejected request lifecycle that
// keeps the friends sets of both users symmetric.
//
// Friendship edges are written as paired array updates on both profiles.
// Duplicate pending requests are rejected by a check before the create;
// two simultaneous first requests for one pair can both pass the check.

package services

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/observability"
	"github.com/tbourn/go-chat-sync/internal/search"
	"github.com/tbourn/go-chat-sync/internal/store"
)

const (
	searchScanLimit  = 100
	searchMaxResults = 10
	fallbackUsername = "User"
)

// ProfileUpdate carries the editable profile fields. Nil fields are left
// unchanged.
type ProfileUpdate struct {
	Username *string `json:"username,omitempty"`
	Bio      *string `json:"bio,omitempty"`
	PhotoURL *string `json:"photoURL,omitempty"`
}

// FriendService coordinates profile and friend-request persistence.
type FriendService struct {
	store    store.Store
	profiles *ProfileCache
	ranker   *search.Ranker
}

func NewFriendService(st store.Store, profiles *ProfileCache) *FriendService {
	return &FriendService{
		store:    st,
		profiles: profiles,
		ranker:   search.NewRanker(search.WithMaxResults(searchMaxResults)),
	}
}

func (s *FriendService) tracer() trace.Tracer {
	return observability.Tracer("services/FriendService")
}

// EnsureProfile returns the profile of id, creating it on first sign-in.
func (s *FriendService) EnsureProfile(ctx context.Context, id auth.Identity) (domain.UserProfile, error) {
	ctx, span := s.tracer().Start(ctx, "EnsureProfile",
		trace.WithAttributes(attribute.String("user.id", id.UID)),
	)
	defer span.End()

	if id.UID == "" {
		return domain.UserProfile{}, ErrAuthRequired
	}
	p, err := s.load(ctx, id.UID)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return domain.UserProfile{}, err
	}

	username := id.Name()
	if username == "" {
		username = fallbackUsername
	}
	err = s.store.Create(ctx, domain.CollUsers, id.UID, map[string]any{
		"uid":            id.UID,
		"username":       username,
		"email":          id.Email,
		"photoURL":       id.PhotoURL,
		"bio":            "",
		"status":         domain.StatusOnline,
		"friends":        []any{},
		"friendRequests": []any{},
		"sentRequests":   []any{},
		"createdAt":      store.ServerTimestamp,
		"updatedAt":      store.ServerTimestamp,
		"schemaVersion":  domain.SchemaVersion,
	})
	// a concurrent sign-in may have created it first
	if err != nil && !errors.Is(err, store.ErrAlreadyExists) {
		return domain.UserProfile{}, classify("create profile", err)
	}
	return s.load(ctx, id.UID)
}

// Profile reads uid from the store, bypassing the cache.
func (s *FriendService) Profile(ctx context.Context, uid string) (domain.UserProfile, error) {
	return s.load(ctx, uid)
}

func (s *FriendService) load(ctx context.Context, uid string) (domain.UserProfile, error) {
	doc, err := s.store.Get(ctx, domain.CollUsers, uid)
	if err != nil {
		return domain.UserProfile{}, classify("get profile", err)
	}
	p, err := domain.Decode[domain.UserProfile](doc.ID, doc.Data)
	if err != nil {
		return domain.UserProfile{}, classify("decode profile", err)
	}
	s.profiles.Set(ctx, uid, p)
	return p, nil
}

// UpdateProfile applies upd to uid's profile.
func (s *FriendService) UpdateProfile(ctx context.Context, uid string, upd ProfileUpdate) (domain.UserProfile, error) {
	ctx, span := s.tracer().Start(ctx, "UpdateProfile",
		trace.WithAttributes(attribute.String("user.id", uid)),
	)
	defer span.End()

	if uid == "" {
		return domain.UserProfile{}, ErrAuthRequired
	}
	fields := map[string]any{"updatedAt": store.ServerTimestamp}
	if upd.Username != nil {
		name := strings.TrimSpace(*upd.Username)
		if name == "" {
			return domain.UserProfile{}, ErrInvalidInput
		}
		fields["username"] = name
	}
	if upd.Bio != nil {
		fields["bio"] = strings.TrimSpace(*upd.Bio)
	}
	if upd.PhotoURL != nil {
		fields["photoURL"] = strings.TrimSpace(*upd.PhotoURL)
	}
	doc, err := s.store.Update(ctx, domain.CollUsers, uid, func(store.Document) (map[string]any, error) {
		return fields, nil
	})
	if err != nil {
		return domain.UserProfile{}, classify("update profile", err)
	}
	p, err := domain.Decode[domain.UserProfile](doc.ID, doc.Data)
	if err != nil {
		return domain.UserProfile{}, classify("decode profile", err)
	}
	s.profiles.Set(ctx, uid, p)
	return p, nil
}

// SetStatus records uid as online or offline.
func (s *FriendService) SetStatus(ctx context.Context, uid, status string) error {
	if uid == "" {
		return ErrAuthRequired
	}
	if status != domain.StatusOnline && status != domain.StatusOffline {
		return ErrInvalidInput
	}
	_, err := s.store.Update(ctx, domain.CollUsers, uid, func(store.Document) (map[string]any, error) {
		return map[string]any{"status": status, "updatedAt": store.ServerTimestamp}, nil
	})
	if err != nil {
		return classify("set status", err)
	}
	s.profiles.Invalidate(ctx, uid)
	return nil
}

// SearchUsers matches term against usernames and e-mail addresses of a
// bounded scan of the users collection. Exact matches come first.
func (s *FriendService) SearchUsers(ctx context.Context, term string) ([]domain.UserProfile, error) {
	ctx, span := s.tracer().Start(ctx, "SearchUsers")
	defer span.End()

	if strings.TrimSpace(term) == "" {
		return []domain.UserProfile{}, nil
	}
	docs, err := s.store.Query(ctx, domain.CollUsers, store.Query{Limit: searchScanLimit})
	if err != nil {
		return nil, classify("search users", err)
	}
	byID := make(map[string]domain.UserProfile, len(docs))
	cands := make([]search.Candidate, 0, len(docs))
	for _, d := range docs {
		p, err := domain.Decode[domain.UserProfile](d.ID, d.Data)
		if err != nil {
			log.Warn().Err(err).Str("uid", d.ID).Msg("skipping undecodable profile")
			continue
		}
		byID[p.UID] = p
		cands = append(cands, search.Candidate{ID: p.UID, Fields: []string{p.Username, p.Email}})
	}
	matches := s.ranker.Rank(term, cands)
	out := make([]domain.UserProfile, 0, len(matches))
	for _, m := range matches {
		out = append(out, byID[m.ID])
	}
	span.SetAttributes(attribute.Int("results", len(out)))
	return out, nil
}

// SendRequest creates a pending request from sender to receiverUID.
func (s *FriendService) SendRequest(ctx context.Context, sender auth.Identity, receiverUID string) (domain.FriendRequest, error) {
	ctx, span := s.tracer().Start(ctx, "SendRequest",
		trace.WithAttributes(
			attribute.String("user.id", sender.UID),
			attribute.String("receiver.id", receiverUID),
		),
	)
	defer span.End()

	if sender.UID == "" {
		return domain.FriendRequest{}, ErrAuthRequired
	}
	if receiverUID == "" || receiverUID == sender.UID {
		return domain.FriendRequest{}, ErrInvalidInput
	}

	from, err := s.load(ctx, sender.UID)
	if err != nil {
		return domain.FriendRequest{}, err
	}
	if _, err := s.load(ctx, receiverUID); err != nil {
		return domain.FriendRequest{}, err
	}
	if from.HasFriend(receiverUID) {
		return domain.FriendRequest{}, classify("send request", ErrAlreadyExists)
	}
	if pending, err := s.pendingBetween(ctx, sender.UID, receiverUID); err != nil {
		return domain.FriendRequest{}, err
	} else if pending {
		return domain.FriendRequest{}, classify("send request", ErrAlreadyExists)
	}

	id, err := s.store.Put(ctx, domain.CollFriendRequests, "", map[string]any{
		"senderId":      sender.UID,
		"receiverId":    receiverUID,
		"status":        domain.RequestPending,
		"createdAt":     store.ServerTimestamp,
		"updatedAt":     store.ServerTimestamp,
		"schemaVersion": domain.SchemaVersion,
	}, false)
	if err != nil {
		return domain.FriendRequest{}, classify("create request", err)
	}
	if err := s.pair(ctx,
		sender.UID, map[string]any{"sentRequests": store.ArrayUnion(receiverUID)},
		receiverUID, map[string]any{"friendRequests": store.ArrayUnion(sender.UID)},
	); err != nil {
		return domain.FriendRequest{}, err
	}

	doc, err := s.store.Get(ctx, domain.CollFriendRequests, id)
	if err != nil {
		return domain.FriendRequest{}, classify("read request", err)
	}
	return domain.Decode[domain.FriendRequest](doc.ID, doc.Data)
}

func (s *FriendService) pendingBetween(ctx context.Context, a, b string) (bool, error) {
	for _, dir := range [][2]string{{a, b}, {b, a}} {
		docs, err := s.store.Query(ctx, domain.CollFriendRequests, store.Query{
			Filters: []store.Filter{
				store.Where("senderId", store.OpEqual, dir[0]),
				store.Where("receiverId", store.OpEqual, dir[1]),
				store.Where("status", store.OpEqual, domain.RequestPending),
			},
			Limit: 1,
		})
		if err != nil {
			return false, classify("check pending", err)
		}
		if len(docs) > 0 {
			return true, nil
		}
	}
	return false, nil
}

// Accept moves a pending request to accepted and makes both users friends.
// Only the receiver may accept.
func (s *FriendService) Accept(ctx context.Context, caller, requestID string) (domain.FriendRequest, error) {
	return s.transition(ctx, caller, requestID, domain.RequestAccepted)
}

// Reject moves a pending request to rejected. Only the receiver may reject.
func (s *FriendService) Reject(ctx context.Context, caller, requestID string) (domain.FriendRequest, error) {
	return s.transition(ctx, caller, requestID, domain.RequestRejected)
}

func (s *FriendService) transition(ctx context.Context, caller, requestID, to string) (domain.FriendRequest, error) {
	ctx, span := s.tracer().Start(ctx, "Transition",
		trace.WithAttributes(
			attribute.String("user.id", caller),
			attribute.String("request.id", requestID),
			attribute.String("request.to", to),
		),
	)
	defer span.End()

	if caller == "" {
		return domain.FriendRequest{}, ErrAuthRequired
	}
	var req domain.FriendRequest
	doc, err := s.store.Update(ctx, domain.CollFriendRequests, requestID, func(cur store.Document) (map[string]any, error) {
		r, err := domain.Decode[domain.FriendRequest](cur.ID, cur.Data)
		if err != nil {
			return nil, err
		}
		if r.ReceiverID != caller {
			return nil, ErrPermission
		}
		if r.Status != domain.RequestPending {
			return nil, ErrNotPending
		}
		req = r
		return map[string]any{"status": to, "updatedAt": store.ServerTimestamp}, nil
	})
	if err != nil {
		return domain.FriendRequest{}, classify("transition request", err)
	}

	senderFields := map[string]any{"sentRequests": store.ArrayRemove(req.ReceiverID)}
	receiverFields := map[string]any{"friendRequests": store.ArrayRemove(req.SenderID)}
	if to == domain.RequestAccepted {
		senderFields["friends"] = store.ArrayUnion(req.ReceiverID)
		receiverFields["friends"] = store.ArrayUnion(req.SenderID)
	}
	if err := s.pair(ctx, req.SenderID, senderFields, req.ReceiverID, receiverFields); err != nil {
		return domain.FriendRequest{}, err
	}
	return domain.Decode[domain.FriendRequest](doc.ID, doc.Data)
}

// pair merges fields into two profiles and drops both from the cache.
func (s *FriendService) pair(ctx context.Context, a string, af map[string]any, b string, bf map[string]any) error {
	af["updatedAt"] = store.ServerTimestamp
	bf["updatedAt"] = store.ServerTimestamp
	if _, err := s.store.Put(ctx, domain.CollUsers, a, af, true); err != nil {
		return classify("update profile", err)
	}
	if _, err := s.store.Put(ctx, domain.CollUsers, b, bf, true); err != nil {
		return classify("update profile", err)
	}
	s.profiles.Invalidate(ctx, a)
	s.profiles.Invalidate(ctx, b)
	return nil
}

// Pending lists the pending requests addressed to uid, newest first.
func (s *FriendService) Pending(ctx context.Context, uid string) ([]domain.FriendRequest, error) {
	docs, err := s.store.Query(ctx, domain.CollFriendRequests, store.Query{
		Filters: []store.Filter{
			store.Where("receiverId", store.OpEqual, uid),
			store.Where("status", store.OpEqual, domain.RequestPending),
		},
		OrderBy: []store.Order{{Field: "createdAt", Desc: true}},
	})
	if err != nil {
		return nil, classify("list pending", err)
	}
	out := make([]domain.FriendRequest, 0, len(docs))
	for _, d := range docs {
		r, err := domain.Decode[domain.FriendRequest](d.ID, d.Data)
		if err != nil {
			log.Warn().Err(err).Str("request_id", d.ID).Msg("skipping undecodable request")
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// Friends returns the profiles of uid's friends, resolved through the
// profile cache.
func (s *FriendService) Friends(ctx context.Context, uid string) ([]domain.UserProfile, error) {
	me, err := s.load(ctx, uid)
	if err != nil {
		return nil, err
	}
	out := make([]domain.UserProfile, len(me.Friends))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, fid := range me.Friends {
		g.Go(func() error {
			out[i] = s.profiles.Get(gctx, fid)
			return nil
		})
	}
	_ = g.Wait()
	return out, nil
}

// RemoveFriend deletes the friendship edge in both directions.
func (s *FriendService) RemoveFriend(ctx context.Context, uid, friendUID string) error {
	if uid == "" {
		return ErrAuthRequired
	}
	if friendUID == "" || friendUID == uid {
		return ErrInvalidInput
	}
	me, err := s.load(ctx, uid)
	if err != nil {
		return err
	}
	if !me.HasFriend(friendUID) {
		return classify("remove friend", ErrNotFound)
	}
	return s.pair(ctx,
		uid, map[string]any{"friends": store.ArrayRemove(friendUID)},
		friendUID, map[string]any{"friends": store.ArrayRemove(uid)},
	)
}
