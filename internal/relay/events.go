package relay

import "time"

// Event types published on the registry dispatcher.
const (
	EventRoomCreated uint32 = 0x100 + iota
	EventRoomClosed
	EventAdminChanged
	EventMembersChanged
)

type RoomCreated struct {
	PublicID   string
	InternalID int32
	Creator    string
	At         time.Time
}

func (RoomCreated) Type() uint32 { return EventRoomCreated }

type RoomClosed struct {
	PublicID   string
	InternalID int32
	Lifetime   time.Duration
}

func (RoomClosed) Type() uint32 { return EventRoomClosed }

type AdminChanged struct {
	PublicID string
	Admin    string
	Migrated bool
}

func (AdminChanged) Type() uint32 { return EventAdminChanged }

type MembersChanged struct {
	PublicID string
	Members  int
}

func (MembersChanged) Type() uint32 { return EventMembersChanged }
