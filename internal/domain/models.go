package domain

import "time"

// SchemaVersion is written into every document this service creates.
// Documents without the field are treated as version 0 and get defaults
// filled in by Decode.
const SchemaVersion = 1

// Collection names.
const (
	CollUsers          = "users"
	CollFriendRequests = "friendRequests"
	CollChatRooms      = "chatRooms"
	CollChatSessions   = "chatSessions"
	CollAccessControl  = "access_control"
)

// Presence values for users and room participants.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Friend request states.
const (
	RequestPending  = "pending"
	RequestAccepted = "accepted"
	RequestRejected = "rejected"
)

// Direct message delivery states, in the only order they may advance.
const (
	MessageSent      = "sent"
	MessageDelivered = "delivered"
	MessageRead      = "read"
)

// Room message kinds.
const (
	MessageKindText   = "message"
	MessageKindSystem = "system"
)

// SystemSenderID marks room messages produced by the service itself.
const SystemSenderID = "system"

// DefaultUsername is the placeholder shown when a profile cannot be found.
const DefaultUsername = "Unknown User"

// RoomParticipants returns the participants collection path of a room.
func RoomParticipants(roomID string) string { return CollChatRooms + "/" + roomID + "/participants" }

// RoomMessages returns the messages collection path of a room.
func RoomMessages(roomID string) string { return CollChatRooms + "/" + roomID + "/messages" }

// SessionMessages returns the messages collection path of a DM session.
func SessionMessages(sessionID string) string {
	return CollChatSessions + "/" + sessionID + "/messages"
}

// StatusRank orders direct message states. Unknown values rank below sent.
func StatusRank(s string) int {
	switch s {
	case MessageSent:
		return 1
	case MessageDelivered:
		return 2
	case MessageRead:
		return 3
	}
	return 0
}

// UserProfile is the public profile of a signed-in identity.
type UserProfile struct {
	UID            string    `json:"uid"`
	Username       string    `json:"username"`
	Email          string    `json:"email"`
	PhotoURL       string    `json:"photoURL,omitempty"`
	Bio            string    `json:"bio,omitempty"`
	Status         string    `json:"status"`
	Friends        []string  `json:"friends"`
	FriendRequests []string  `json:"friendRequests"`
	SentRequests   []string  `json:"sentRequests"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
	SchemaVersion  int       `json:"schemaVersion"`
}

// PlaceholderProfile is returned when no copy of a profile exists anywhere.
func PlaceholderProfile(uid string) UserProfile {
	return UserProfile{
		UID:            uid,
		Username:       DefaultUsername,
		Status:         StatusOffline,
		Friends:        []string{},
		FriendRequests: []string{},
		SentRequests:   []string{},
	}
}

// HasFriend reports whether uid is in the friend set.
func (p UserProfile) HasFriend(uid string) bool { return contains(p.Friends, uid) }

func (p *UserProfile) normalize(id string) {
	if p.UID == "" {
		p.UID = id
	}
	if p.Status == "" {
		p.Status = StatusOffline
	}
	p.Friends = dedupe(p.Friends, p.UID)
	p.FriendRequests = dedupe(p.FriendRequests, p.UID)
	p.SentRequests = dedupe(p.SentRequests, p.UID)
}

// FriendRequest is a relationship request from SenderID to ReceiverID.
type FriendRequest struct {
	ID            string    `json:"id"`
	SenderID      string    `json:"senderId"`
	ReceiverID    string    `json:"receiverId"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	SchemaVersion int       `json:"schemaVersion"`
}

// Involves reports whether the request is between a and b in either direction.
func (r FriendRequest) Involves(a, b string) bool {
	return (r.SenderID == a && r.ReceiverID == b) || (r.SenderID == b && r.ReceiverID == a)
}

func (r *FriendRequest) normalize(id string) {
	r.ID = id
	if r.Status == "" {
		r.Status = RequestPending
	}
}

// ChatRoom is a topic room listed in the room directory.
type ChatRoom struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Category      string     `json:"category"`
	CreatorID     string     `json:"creatorId,omitempty"`
	IsDefault     bool       `json:"isDefault"`
	IsPinned      bool       `json:"isPinned"`
	ActiveUsers   int        `json:"activeUsers"`
	CreatedAt     time.Time  `json:"createdAt"`
	Deleted       bool       `json:"deleted,omitempty"`
	DeletedAt     *time.Time `json:"deletedAt,omitempty"`
	SchemaVersion int        `json:"schemaVersion"`
}

func (r *ChatRoom) normalize(id string) {
	r.ID = id
	if r.Category == "" {
		r.Category = "General"
	}
	if r.ActiveUsers < 0 {
		r.ActiveUsers = 0
	}
	if r.IsDefault {
		r.CreatorID = ""
	}
}

// RoomParticipant is the presence record of one user in one room.
type RoomParticipant struct {
	UserID        string    `json:"userId"`
	Username      string    `json:"username"`
	PhotoURL      string    `json:"photoURL,omitempty"`
	Status        string    `json:"status"`
	JoinedAt      time.Time `json:"joinedAt"`
	LastActive    time.Time `json:"lastActive"`
	SchemaVersion int       `json:"schemaVersion"`
}

func (p *RoomParticipant) normalize(id string) {
	p.UserID = id
	if p.Status == "" {
		p.Status = StatusOffline
	}
}

// RoomMessage is one entry in a room's message log.
type RoomMessage struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	SenderPhotoURL string    `json:"senderPhotoURL,omitempty"`
	Type           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	SchemaVersion  int       `json:"schemaVersion"`
}

// IsSystem reports whether the message was produced by the service.
func (m RoomMessage) IsSystem() bool { return m.SenderID == SystemSenderID }

func (m *RoomMessage) normalize(id string) {
	m.ID = id
	if m.Type == "" {
		if m.SenderID == SystemSenderID {
			m.Type = MessageKindSystem
		} else {
			m.Type = MessageKindText
		}
	}
}

// DirectMessage is one message inside a DM session.
type DirectMessage struct {
	ID             string    `json:"id"`
	Text           string    `json:"text"`
	SenderID       string    `json:"senderId"`
	SenderName     string    `json:"senderName"`
	SenderPhotoURL string    `json:"senderPhotoURL,omitempty"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	SchemaVersion  int       `json:"schemaVersion"`
}

func (m *DirectMessage) normalize(id string) {
	m.ID = id
	if StatusRank(m.Status) == 0 {
		m.Status = MessageSent
	}
}

// ChatSession pairs exactly two users for direct messaging.
type ChatSession struct {
	ID                   string    `json:"id"`
	Participants         []string  `json:"participants"`
	LastMessage          string    `json:"lastMessage"`
	LastMessageTimestamp time.Time `json:"lastMessageTimestamp"`
	CreatedAt            time.Time `json:"createdAt"`
	SchemaVersion        int       `json:"schemaVersion"`
}

// Pairs reports whether the session is between a and b.
func (s ChatSession) Pairs(a, b string) bool {
	return contains(s.Participants, a) && contains(s.Participants, b)
}

// Other returns the participant that is not me.
func (s ChatSession) Other(me string) string {
	for _, p := range s.Participants {
		if p != me {
			return p
		}
	}
	return ""
}

func (s *ChatSession) normalize(id string) {
	s.ID = id
	s.Participants = dedupe(s.Participants, "")
}

// Notification kinds.
const (
	NotificationFriendRequest = "friend-request"
	NotificationMessage       = "message"
	NotificationSystem        = "system"
)

// WelcomeNotificationID identifies the synthesized notification shown when
// the feed is otherwise empty.
const WelcomeNotificationID = "welcome"

// Notification is one item of the aggregated notification feed. It is derived
// data and never persisted.
type Notification struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Read      bool              `json:"read"`
	Data      map[string]string `json:"data,omitempty"`
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// dedupe drops empty values, duplicates and self.
func dedupe(xs []string, self string) []string {
	out := make([]string, 0, len(xs))
	seen := make(map[string]struct{}, len(xs))
	for _, x := range xs {
		if x == "" || (self != "" && x == self) {
			continue
		}
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		out = append(out, x)
	}
	return out
}
