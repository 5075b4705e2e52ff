package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-chat-sync/internal/auth"
	"github.com/tbourn/go-chat-sync/internal/domain"
	"github.com/tbourn/go-chat-sync/internal/http/middleware"
	"github.com/tbourn/go-chat-sync/internal/services"
	"github.com/tbourn/go-chat-sync/internal/store"
)

// ---------- stubs ----------

type stubRooms struct {
	RoomDirectoryService // unimplemented methods panic
	rooms                []domain.ChatRoom
	pin                  func(id string) (bool, error)
}

func (s stubRooms) Snapshot(context.Context) []domain.ChatRoom { return s.rooms }

func (s stubRooms) TogglePin(_ context.Context, id string) (bool, error) { return s.pin(id) }

func (s stubRooms) Subscribe(_ context.Context, fn func([]domain.ChatRoom)) store.Unsubscribe {
	fn(s.rooms)
	return func() {}
}

type stubDMs struct {
	DirectMessageService
	mu    sync.Mutex
	sends int
	fail  error
}

func (s *stubDMs) Send(_ context.Context, from auth.Identity, to, text string) (string, error) {
	if s.fail != nil {
		return "", s.fail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return fmt.Sprintf("m-%d", s.sends), nil
}

func (s *stubDMs) MarkAsRead(_ context.Context, me, other string) (int, error) {
	return 3, nil
}

type stubPresence struct {
	PresenceService
	signedOut []string
}

func (s *stubPresence) SignOut(_ context.Context, uid string) error {
	s.signedOut = append(s.signedOut, uid)
	return nil
}

type stubNotes struct {
	NotificationService
	forgotten []string
}

func (s *stubNotes) Forget(uid string) { s.forgotten = append(s.forgotten, uid) }

type stubChannel struct {
	RoomChannelService
	online int
}

func (s stubChannel) SubscribeOnlineCount(_ context.Context, roomID string, fn func(int)) (store.Unsubscribe, error) {
	if roomID == "missing" {
		return nil, fmt.Errorf("subscribe: %w", services.ErrNotFound)
	}
	fn(s.online)
	return func() {}, nil
}

// memIdem is an in-memory IdempotencyStore.
type memIdem struct {
	mu   sync.Mutex
	recs map[string]string
}

func (m *memIdem) Lookup(_ context.Context, userID, scope, key string, _ time.Time) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, found := m.recs[userID+"|"+scope+"|"+key]
	return id, found, nil
}

func (m *memIdem) Record(_ context.Context, userID, scope, key, resourceID string, _ int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = map[string]string{}
	}
	m.recs[userID+"|"+scope+"|"+key] = resourceID
	return nil
}

// streamRecorder adds the CloseNotifier that gin's Stream requires.
type streamRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func (r *streamRecorder) CloseNotify() <-chan bool { return r.closed }

func newHandlerRouter(h *Handlers, register func(r *gin.Engine)) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.Middleware(auth.HeaderAuthenticator{}))
	r.Use(middleware.IdempotencyValidator(middleware.IdempotencyOptions{}, nil))
	register(r)
	return r
}

func do(r http.Handler, method, path, uid, body string, hdr ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if uid != "" {
		req.Header.Set(auth.HeaderUserID, uid)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------- tests ----------

func TestLatest_KeepsNewestOnly(t *testing.T) {
	l := newLatest[int]()
	if _, has := l.take(); has {
		t.Fatalf("empty holder reported a value")
	}
	l.put(1)
	l.put(2)
	l.put(3)

	select {
	case <-l.ready:
	default:
		t.Fatalf("ready not signalled")
	}
	v, has := l.take()
	if !has || v != 3 {
		t.Fatalf("take = %d,%v; want 3,true", v, has)
	}
	if _, has := l.take(); has {
		t.Fatalf("value delivered twice")
	}
	select {
	case <-l.ready:
		t.Fatalf("ready signalled more than once for coalesced puts")
	default:
	}
}

func TestCaller_Unauthorized(t *testing.T) {
	h := New(nil, nil, nil, nil, nil, &stubDMs{})
	r := newHandlerRouter(h, func(r *gin.Engine) { r.POST("/dm/:uid/read", h.MarkRead) })

	w := do(r, http.MethodPost, "/dm/u2/read", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	var er ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != ErrCodeUnauthorized {
		t.Fatalf("expected code %q, got %q", ErrCodeUnauthorized, er.Code)
	}

	w = do(r, http.MethodPost, "/dm/u2/read", "u1", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"updated":3`) {
		t.Fatalf("MarkRead got %d %s", w.Code, w.Body.String())
	}
}

func TestSendDirectMessage_Replay(t *testing.T) {
	dms := &stubDMs{}
	h := New(nil, nil, nil, nil, nil, dms)
	h.Idem = &memIdem{}
	r := newHandlerRouter(h, func(r *gin.Engine) { r.POST("/dm/:uid/messages", h.SendDirectMessage) })

	body := `{"text":"hi"}`
	w1 := do(r, http.MethodPost, "/dm/u2/messages", "u1", body, middleware.HeaderIdempotencyKey, "key-1")
	w2 := do(r, http.MethodPost, "/dm/u2/messages", "u1", body, middleware.HeaderIdempotencyKey, "key-1")
	if w1.Code != http.StatusCreated || w2.Code != http.StatusOK {
		t.Fatalf("codes = %d,%d; want 201,200", w1.Code, w2.Code)
	}
	if w1.Body.String() != w2.Body.String() {
		t.Fatalf("replay returned %s, first %s", w2.Body.String(), w1.Body.String())
	}
	if w2.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("missing replay header")
	}
	if dms.sends != 1 {
		t.Fatalf("sends = %d, want 1", dms.sends)
	}

	// without a key every request sends
	do(r, http.MethodPost, "/dm/u2/messages", "u1", body)
	do(r, http.MethodPost, "/dm/u2/messages", "u1", body)
	if dms.sends != 3 {
		t.Fatalf("sends = %d, want 3", dms.sends)
	}

	if w := do(r, http.MethodPost, "/dm/u2/messages", "u1", `{"text":"  "}`); w.Code != http.StatusBadRequest {
		t.Fatalf("blank text expected 400, got %d", w.Code)
	}
}

func TestSendDirectMessage_ServiceErrors(t *testing.T) {
	dms := &stubDMs{fail: fmt.Errorf("send: %w", services.ErrInvalidInput)}
	h := New(nil, nil, nil, nil, nil, dms)
	r := newHandlerRouter(h, func(r *gin.Engine) { r.POST("/dm/:uid/messages", h.SendDirectMessage) })

	if w := do(r, http.MethodPost, "/dm/u1/messages", "u1", `{"text":"me"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	dms.fail = errors.New("boom")
	w := do(r, http.MethodPost, "/dm/u2/messages", "u1", `{"text":"x"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Fatalf("internal error leaked: %s", w.Body.String())
	}
}

func TestListRooms_ETag(t *testing.T) {
	rooms := stubRooms{rooms: []domain.ChatRoom{{ID: "r1", Title: "One"}}}
	h := New(nil, nil, nil, rooms, nil, nil)
	h.RoomsETag = func(_ context.Context, coll string) (string, bool) {
		return `W/"` + coll + `:1"`, true
	}
	r := newHandlerRouter(h, func(r *gin.Engine) { r.GET("/rooms", h.ListRooms) })

	w := do(r, http.MethodGet, "/rooms", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"rooms":[`) {
		t.Fatalf("GET /rooms got %d %s", w.Code, w.Body.String())
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatalf("missing ETag")
	}
	if w := do(r, http.MethodGet, "/rooms", "", "", "If-None-Match", etag); w.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", w.Code)
	}
	if w := do(r, http.MethodGet, "/rooms", "", "", "If-None-Match", `W/"stale"`); w.Code != http.StatusOK {
		t.Fatalf("expected 200 for stale tag, got %d", w.Code)
	}
}

func TestTogglePin_NotFound(t *testing.T) {
	rooms := stubRooms{pin: func(id string) (bool, error) {
		return false, fmt.Errorf("toggle %s: %w", id, services.ErrNotFound)
	}}
	h := New(nil, nil, nil, rooms, nil, nil)
	r := newHandlerRouter(h, func(r *gin.Engine) { r.POST("/rooms/:id/pin", h.TogglePin) })

	w := do(r, http.MethodPost, "/rooms/x/pin", "u1", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestStreamRooms_FirstEvent(t *testing.T) {
	rooms := stubRooms{rooms: []domain.ChatRoom{{ID: "r1", Title: "One"}}}
	h := New(nil, nil, nil, rooms, nil, nil)
	r := newHandlerRouter(h, func(r *gin.Engine) { r.GET("/rooms/stream", h.StreamRooms) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/rooms/stream", nil).WithContext(ctx)
	w := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	r.ServeHTTP(w, req)

	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}
	body := w.Body.String()
	if !strings.Contains(body, "event:rooms") || !strings.Contains(body, `"id":"r1"`) {
		t.Fatalf("unexpected stream body: %s", body)
	}
}

func TestInboundText(t *testing.T) {
	cases := map[string]string{
		`{"text":"hello"}`: "hello",
		"plain words":      "plain words",
		`{"other":1}`:      `{"other":1}`,
	}
	for in, want := range cases {
		if got := inboundText([]byte(in)); got != want {
			t.Fatalf("inboundText(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSignOut_DropsNotificationFeed(t *testing.T) {
	presence, notes := &stubPresence{}, &stubNotes{}
	h := New(presence, nil, notes, nil, nil, nil)
	r := newHandlerRouter(h, func(r *gin.Engine) { r.DELETE("/me/session", h.SignOut) })

	if w := do(r, http.MethodDelete, "/me/session", "", ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous sign-out: %d", w.Code)
	}
	w := do(r, http.MethodDelete, "/me/session", "u1", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("sign-out: %d %s", w.Code, w.Body.String())
	}
	if len(presence.signedOut) != 1 || presence.signedOut[0] != "u1" {
		t.Fatalf("presence sign-outs = %v", presence.signedOut)
	}
	if len(notes.forgotten) != 1 || notes.forgotten[0] != "u1" {
		t.Fatalf("forgotten feeds = %v", notes.forgotten)
	}
}

func TestStreamRoomOnline(t *testing.T) {
	h := New(nil, nil, nil, nil, stubChannel{online: 4}, nil)
	r := newHandlerRouter(h, func(r *gin.Engine) { r.GET("/rooms/:id/online/stream", h.StreamRoomOnline) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/rooms/lobby/online/stream", nil).WithContext(ctx)
	w := &streamRecorder{ResponseRecorder: httptest.NewRecorder(), closed: make(chan bool, 1)}
	r.ServeHTTP(w, req)

	if body := w.Body.String(); !strings.Contains(body, "event:online") || !strings.Contains(body, "data:4") {
		t.Fatalf("unexpected stream body: %s", body)
	}

	if w := do(r, http.MethodGet, "/rooms/missing/online/stream", "", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing room: %d", w.Code)
	}
}
