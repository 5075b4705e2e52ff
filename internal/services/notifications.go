// Package services – Notifications
//
// Notifications aggregates pending friend requests into a per-user feed.
// Sender profiles are joined concurrently through the ProfileCache. The
// feed is derived data: it is rebuilt by Refresh, either on demand or on a
// cron schedule set up by Poll, and never written back to the store.

package services

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/observability"
)

const welcomeContent = "Welcome to Chamo Chat! Explore the app and connect with friends."

// Notifications is safe for concurrent use.
type Notifications struct {
	friends  *FriendService
	profiles *ProfileCache

	// Schedule is the cron spec used by Poll.
	Schedule string

	now func() time.Time

	mu      sync.RWMutex
	current map[string][]domain.Notification
}

func NewNotifications(friends *FriendService, profiles *ProfileCache, schedule string) *Notifications {
	if schedule == "" {
		schedule = "@every 60s"
	}
	return &Notifications{
		friends:  friends,
		profiles: profiles,
		Schedule: schedule,
		now:      time.Now,
		current:  make(map[string][]domain.Notification),
	}
}

// Refresh rebuilds the feed of uid.
func (n *Notifications) Refresh(ctx context.Context, uid string) ([]domain.Notification, error) {
	ctx, span := observability.Tracer("services/Notifications").Start(ctx, "Refresh",
		trace.WithAttributes(attribute.String("user.id", uid)),
	)
	defer span.End()

	if uid == "" {
		return nil, ErrAuthRequired
	}
	reqs, err := n.friends.Pending(ctx, uid)
	if err != nil {
		return nil, err
	}

	out := make([]domain.Notification, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, r := range reqs {
		g.Go(func() error {
			sender := n.profiles.Get(gctx, r.SenderID)
			out[i] = domain.Notification{
				ID:        r.ID,
				Type:      domain.NotificationFriendRequest,
				Content:   sender.Username + " sent you a friend request",
				Timestamp: r.CreatedAt,
				Data: map[string]string{
					"requestId":      r.ID,
					"senderId":       r.SenderID,
					"senderName":     sender.Username,
					"senderPhotoURL": sender.PhotoURL,
				},
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(out) == 0 {
		out = append(out, domain.Notification{
			ID:        domain.WelcomeNotificationID,
			Type:      domain.NotificationSystem,
			Content:   welcomeContent,
			Timestamp: n.now().UTC(),
			Read:      true,
		})
	}
	span.SetAttributes(attribute.Int("notifications", len(out)))

	n.mu.Lock()
	n.current[uid] = out
	n.mu.Unlock()
	return append([]domain.Notification(nil), out...), nil
}

// Current returns the feed of uid as of the last Refresh, minus any
// requests handled since.
func (n *Notifications) Current(uid string) []domain.Notification {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]domain.Notification(nil), n.current[uid]...)
}

// Accept accepts the request and drops its notification.
func (n *Notifications) Accept(ctx context.Context, caller, requestID string) error {
	if _, err := n.friends.Accept(ctx, caller, requestID); err != nil {
		return err
	}
	n.drop(caller, requestID)
	return nil
}

// Reject rejects the request and drops its notification.
func (n *Notifications) Reject(ctx context.Context, caller, requestID string) error {
	if _, err := n.friends.Reject(ctx, caller, requestID); err != nil {
		return err
	}
	n.drop(caller, requestID)
	return nil
}

func (n *Notifications) drop(uid, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.current[uid]
	kept := make([]domain.Notification, 0, len(list))
	for _, x := range list {
		if x.ID != id {
			kept = append(kept, x)
		}
	}
	n.current[uid] = kept
}

// Forget drops the cached feed of uid.
func (n *Notifications) Forget(uid string) {
	n.mu.Lock()
	delete(n.current, uid)
	n.mu.Unlock()
}

// Poll refreshes the feed of uid now and then on Schedule, passing each
// result to fn, until ctx is done or stop is called. Failed refreshes are
// logged and skipped.
func (n *Notifications) Poll(ctx context.Context, uid string, fn func([]domain.Notification)) (stop func(), err error) {
	if uid == "" {
		return nil, ErrAuthRequired
	}
	ctx, cancel := context.WithCancel(ctx)
	run := func() {
		list, err := n.Refresh(ctx, uid)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("uid", uid).Msg("notification refresh failed")
			}
			return
		}
		fn(list)
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{})), cron.WithLogger(cronLogger{}))
	if _, err := c.AddFunc(n.Schedule, run); err != nil {
		cancel()
		return nil, err
	}
	run()
	c.Start()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			<-c.Stop().Done()
		})
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop, nil
}

// cronLogger routes scheduler messages to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	log.Debug().Fields(kv).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	log.Error().Err(err).Fields(kv).Msg("cron: " + msg)
}
