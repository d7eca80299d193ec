package chatsdk

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// Friends
// ============================================================================

// Friend is a member of the local user's friend list.
type Friend struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// UnmarshalJSON accepts both the canonical field names and the ones used by the
// original backend (_id, name/fullname, profilePic).
func (f *Friend) UnmarshalJSON(data []byte) error {
	var w struct {
		ID          string `json:"id"`
		MongoID     string `json:"_id"`
		DisplayName string `json:"displayName"`
		Name        string `json:"name"`
		FullName    string `json:"fullname"`
		AvatarURL   string `json:"avatarUrl"`
		ProfilePic  string `json:"profilePic"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	f.ID = firstNonEmpty(w.ID, w.MongoID)
	f.DisplayName = firstNonEmpty(w.DisplayName, w.Name, w.FullName)
	f.AvatarURL = firstNonEmpty(w.AvatarURL, w.ProfilePic)
	return nil
}

// ============================================================================
// Identity
// ============================================================================

// IdentityKind tells the two identity variants apart.
type IdentityKind int

const (
	// KindProvisional marks a message created locally whose send has not been
	// acknowledged by the server.
	KindProvisional IdentityKind = iota + 1
	// KindConfirmed marks a message backed by a server record.
	KindConfirmed
)

func (k IdentityKind) String() string {
	switch k {
	case KindProvisional:
		return "provisional"
	case KindConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Identity is either Provisional(token) or Confirmed(serverID). The variant is
// carried explicitly and never inferred from the shape of the value.
type Identity struct {
	kind  IdentityKind
	value string
}

// NewProvisional returns a fresh, locally unique provisional identity.
func NewProvisional() Identity {
	return Identity{kind: KindProvisional, value: uuid.NewString()}
}

// Confirmed returns the identity of a server-issued message id.
func Confirmed(serverID string) Identity {
	return Identity{kind: KindConfirmed, value: serverID}
}

func (id Identity) Kind() IdentityKind { return id.kind }

func (id Identity) IsProvisional() bool { return id.kind == KindProvisional }

func (id Identity) IsConfirmed() bool { return id.kind == KindConfirmed }

// ServerID returns the server id of a confirmed identity, or "" otherwise.
func (id Identity) ServerID() string {
	if id.kind != KindConfirmed {
		return ""
	}
	return id.value
}

// Token returns the local token of a provisional identity, or "" otherwise.
func (id Identity) Token() string {
	if id.kind != KindProvisional {
		return ""
	}
	return id.value
}

// Addressable reports whether the identity names a server record that edit and
// delete requests can target. Push events that arrive without an id are
// confirmed but not addressable.
func (id Identity) Addressable() bool {
	return id.kind == KindConfirmed && id.value != ""
}

func (id Identity) String() string {
	return id.kind.String() + ":" + id.value
}

type identityJSON struct {
	Kind  string `json:"kind"`
	Token string `json:"token,omitempty"`
	ID    string `json:"id,omitempty"`
}

func (id Identity) MarshalJSON() ([]byte, error) {
	w := identityJSON{Kind: id.kind.String()}
	switch id.kind {
	case KindProvisional:
		w.Token = id.value
	case KindConfirmed:
		w.ID = id.value
	default:
		return nil, fmt.Errorf("marshal identity: unset kind")
	}
	return json.Marshal(w)
}

func (id *Identity) UnmarshalJSON(data []byte) error {
	var w identityJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Kind {
	case "provisional":
		if w.Token == "" {
			return fmt.Errorf("provisional identity without token")
		}
		*id = Identity{kind: KindProvisional, value: w.Token}
	case "confirmed":
		*id = Identity{kind: KindConfirmed, value: w.ID}
	default:
		return fmt.Errorf("unknown identity kind %q", w.Kind)
	}
	return nil
}

// ============================================================================
// Messages
// ============================================================================

// Sender classifies who wrote a message relative to the local user.
type Sender string

const (
	SenderSelf Sender = "self"
	SenderPeer Sender = "peer"
)

// Message is one entry of a conversation.
type Message struct {
	Identity       Identity   `json:"identity"`
	ConversationID string     `json:"conversationId"`
	Text           string     `json:"text"`
	Sender         Sender     `json:"sender"`
	Timestamp      time.Time  `json:"timestamp"`
	IsEdited       bool       `json:"isEdited"`
	EditedAt       *time.Time `json:"editedAt,omitempty"`
}

func (m Message) clone() Message {
	if m.EditedAt != nil {
		t := *m.EditedAt
		m.EditedAt = &t
	}
	return m
}

// Snapshot maps a friend id to the ordered messages of that conversation. It
// is the shape written to the persistence cache.
type Snapshot map[string][]Message

func (s Snapshot) clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, msgs := range s {
		cp := make([]Message, len(msgs))
		for i, m := range msgs {
			cp[i] = m.clone()
		}
		out[k] = cp
	}
	return out
}

// serverMessage is the message record returned by the HTTP API.
type serverMessage struct {
	ID         string     `json:"id"`
	SenderID   string     `json:"senderId"`
	ReceiverID string     `json:"receiverId"`
	Text       string     `json:"text"`
	CreatedAt  time.Time  `json:"createdAt"`
	IsEdited   bool       `json:"isEdited"`
	EditedAt   *time.Time `json:"editedAt,omitempty"`
}

func (m *serverMessage) UnmarshalJSON(data []byte) error {
	type plain serverMessage
	var w struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*m = serverMessage(w.plain)
	m.ID = firstNonEmpty(m.ID, w.MongoID)
	return nil
}

// toMessage converts a server record into a confirmed Message of the
// conversation with friendID, as seen by localUserID.
func (m serverMessage) toMessage(friendID, localUserID string) Message {
	sender := SenderPeer
	if m.SenderID == localUserID {
		sender = SenderSelf
	}
	ts := m.CreatedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return Message{
		Identity:       Confirmed(m.ID),
		ConversationID: friendID,
		Text:           m.Text,
		Sender:         sender,
		Timestamp:      ts,
		IsEdited:       m.IsEdited,
		EditedAt:       m.EditedAt,
	}
}

// ============================================================================
// Auth
// ============================================================================

// Auth is supplied by the external auth module after login.
type Auth struct {
	Token  string
	UserID string
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
