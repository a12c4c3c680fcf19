package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/metrics"
	"github.com/dimspell/relayhost/internal/packet"
	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// Room is a relay room: one admin (the game host) and the members whose
// traffic is forwarded to it.
type Room struct {
	internalID   int32
	publicID     string
	sessionToken uuid.UUID
	modded       bool
	creator      string
	beta         bool
	version      int
	createdAt    time.Time

	// registry is nil for local rooms.
	registry *Registry
	opts     options
	logger   *slog.Logger

	mu            sync.Mutex
	admin         Connection
	slots         *SlotTable
	started       bool
	startDeadline time.Time
	closed        bool

	members atomic.Int32
	minSlot atomic.Int32
}

// SlotMember is a connection together with its slot index.
type SlotMember struct {
	Slot int
	Conn Connection
}

type CreateParams struct {
	// ID is the public room id, empty to let the registry pick one.
	ID          string
	CreatorName string
	Modded      bool
	Beta        bool
	Version     int
	MaxPlayers  int
}

func newRoom(internalID int32, publicID string, params CreateParams, registry *Registry, opts options) *Room {
	r := &Room{
		internalID:   internalID,
		publicID:     publicID,
		sessionToken: uuid.New(),
		modded:       params.Modded,
		creator:      params.CreatorName,
		beta:         params.Beta,
		version:      params.Version,
		createdAt:    opts.now(),
		registry:     registry,
		opts:         opts,
		logger:       opts.logger.With(logging.RoomID(publicID)),
		slots:        NewSlotTable(params.MaxPlayers),
	}
	r.minSlot.Store(DefaultMinSlot)
	return r
}

// NewLocalRoom returns a room that is never registered, for a process that
// hosts its own game without relaying. Its internal id is always 0.
func NewLocalRoom(publicID string, opts ...Option) *Room {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	return newRoom(0, publicID, CreateParams{ID: publicID}, nil, o)
}

func (r *Room) InternalID() int32       { return r.internalID }
func (r *Room) PublicID() string        { return r.publicID }
func (r *Room) SessionToken() uuid.UUID { return r.sessionToken }
func (r *Room) IsModded() bool          { return r.modded }
func (r *Room) Creator() string         { return r.creator }
func (r *Room) CreatedAt() time.Time    { return r.createdAt }
func (r *Room) IsManaged() bool         { return r.registry != nil }
func (r *Room) MemberCount() int        { return int(r.members.Load()) }
func (r *Room) MinSlot() int            { return int(r.minSlot.Load()) }
func (r *Room) Logger() *slog.Logger    { return r.logger }
func (r *Room) Capacity() int           { return r.slots.Capacity() }

func (r *Room) String() string {
	return fmt.Sprintf("Room(%s/%d)", r.publicID, r.internalID)
}

// Key is the value rooms hash by.
func (r *Room) Key() string { return r.publicID }

// SameRoom compares the internal id of r with the id resolved from the
// public id of other. The check is deliberately one-sided.
func (r *Room) SameRoom(other *Room) bool {
	return other != nil && r.internalID == ResolveID(other.publicID)
}

// SetAdmin hands host permission to c. The previous admin keeps its
// connection, it only stops being the admin.
func (r *Room) SetAdmin(c Connection) {
	r.mu.Lock()
	r.admin = c
	r.mu.Unlock()

	if c == nil {
		return
	}
	c.SetPermission(PermissionHost)
	r.logger.Info("Admin assigned", logging.PeerName(c.Name()), logging.PeerAddr(c.RemoteAddr()))
	publishEvent(r.registry, AdminChanged{PublicID: r.publicID, Admin: c.Name()})
}

func (r *Room) Admin() Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.admin
}

// Admit assigns the connection a slot and counts it as a connected player.
func (r *Room) Admit(c Connection) (int, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return 0, ErrRoomClosed
	}
	slot, err := r.slots.Assign(c)
	if err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.mu.Unlock()

	c.SetPermission(PermissionClient)
	r.TrackConnected()
	r.logger.Debug("Member admitted", logging.Slot(slot), logging.PeerName(c.Name()))
	return slot, nil
}

// Remove frees the slot and stops counting its connection as a player.
func (r *Room) Remove(slot int) (Connection, bool) {
	r.mu.Lock()
	c, ok := r.slots.Get(slot)
	if ok {
		r.slots.Release(slot)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}
	r.TrackDisconnected()
	r.logger.Debug("Member removed", logging.Slot(slot), logging.PeerName(c.Name()))
	return c, true
}

// Leave frees the slot only while it still holds c. A peer that was kicked
// and whose slot went to someone else leaves nothing behind.
func (r *Room) Leave(slot int, c Connection) bool {
	r.mu.Lock()
	cur, ok := r.slots.Get(slot)
	if !ok || cur != c {
		r.mu.Unlock()
		return false
	}
	r.slots.Release(slot)
	r.mu.Unlock()

	r.TrackDisconnected()
	r.logger.Debug("Member left", logging.Slot(slot), logging.PeerName(c.Name()))
	return true
}

// TrackConnected counts one more connected player without touching slots.
func (r *Room) TrackConnected() {
	n := r.members.Inc()
	metrics.RoomMembers.Inc()
	publishEvent(r.registry, MembersChanged{PublicID: r.publicID, Members: int(n)})
}

// TrackDisconnected counts one less connected player without touching slots.
func (r *Room) TrackDisconnected() {
	n := r.members.Dec()
	metrics.RoomMembers.Dec()
	publishEvent(r.registry, MembersChanged{PublicID: r.publicID, Members: int(n)})
}

func (r *Room) Get(slot int) (Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots.Get(slot)
}

// SlotCount returns the number of occupied slots.
func (r *Room) SlotCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.slots.Count()
}

// Members returns the members ordered by slot.
func (r *Room) Members() []SlotMember {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.membersLocked()
}

func (r *Room) membersLocked() []SlotMember {
	slots := r.slots.Slots()
	members := make([]SlotMember, len(slots))
	for i, slot := range slots {
		c, _ := r.slots.Get(slot)
		members[i] = SlotMember{Slot: slot, Conn: c}
	}
	return members
}

// RandomMember returns a uniformly chosen member.
func (r *Room) RandomMember() (SlotMember, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, c, ok := r.slots.RandomMember(r.opts.rand)
	return SlotMember{Slot: slot, Conn: c}, ok
}

// MigrateAdmin promotes a random member to admin. The member leaves the slot
// table but stays counted as a connected player. It returns nil and clears
// the admin when there is nobody left to promote.
func (r *Room) MigrateAdmin() Connection {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	slot, c, ok := r.slots.RandomMember(r.opts.rand)
	if !ok {
		r.admin = nil
		r.mu.Unlock()
		return nil
	}
	r.slots.Release(slot)
	r.admin = c
	r.mu.Unlock()

	c.SetPermission(PermissionHost)
	metrics.AdminMigrations.Inc()
	r.logger.Info("Admin migrated", logging.PeerName(c.Name()), logging.Slot(slot))
	publishEvent(r.registry, AdminChanged{PublicID: r.publicID, Admin: c.Name(), Migrated: true})
	return c
}

// UpdateMinSlot recomputes the lowest occupied slot.
func (r *Room) UpdateMinSlot() int {
	r.mu.Lock()
	minSlot := r.slots.MinKey()
	r.mu.Unlock()

	r.minSlot.Store(int32(minSlot))
	return minSlot
}

// StartGame latches the room into the started state. Only the first call
// records the start deadline; it reports whether this call started the game.
func (r *Room) StartGame() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return false
	}
	r.started = true
	r.startDeadline = r.opts.now().Add(StartGracePeriod)
	r.logger.Info("Game started", "deadline", r.startDeadline)
	return true
}

func (r *Room) IsStarted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started
}

// StartDeadline is zero until the game starts.
func (r *Room) StartDeadline() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startDeadline
}

func (r *Room) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Room) recipients(includeAdmin bool) []recipient {
	r.mu.Lock()
	defer r.mu.Unlock()

	var to []recipient
	if includeAdmin && r.admin != nil {
		to = append(to, recipient{slot: -1, admin: true, conn: r.admin})
	}
	for _, m := range r.membersLocked() {
		to = append(to, recipient{slot: m.Slot, conn: m.Conn})
	}
	return to
}

// BroadcastSystemMessage sends a server message to the admin and then to
// every member on both channels.
func (r *Room) BroadcastSystemMessage(ctx context.Context, text string) DeliveryReport {
	p, err := r.opts.factory.SystemMessage(text)
	if err != nil {
		r.logger.Error("Could not build system message", logging.Error(err))
		return DeliveryReport{Deliveries: []Delivery{{Recipient: r.publicID, Err: err}}}
	}

	to := r.recipients(true)
	var report DeliveryReport
	if len(to) > 0 && to[0].admin {
		report.add(deliver(ctx, r.logger, to[0], p, ChannelReliable))
		to = to[1:]
	}
	report.Merge(fanOut(ctx, r.logger, to, p, ChannelReliable, ChannelUnreliable))
	return report
}

// Broadcast forwards the packet to every member, the admin excluded.
func (r *Room) Broadcast(ctx context.Context, p packet.Packet, ch Channel) DeliveryReport {
	return fanOut(ctx, r.logger, r.recipients(false), p, ch)
}

// Unicast forwards the packet to the member in the given slot.
func (r *Room) Unicast(ctx context.Context, slot int, p packet.Packet, ch Channel) error {
	c, ok := r.Get(slot)
	if !ok {
		return ErrSlotNotFound
	}
	return deliver(ctx, r.logger, recipient{slot: slot, conn: c}, p, ch).Err
}

// SendToAdmin forwards the packet to the current admin.
func (r *Room) SendToAdmin(ctx context.Context, p packet.Packet, ch Channel) error {
	admin := r.Admin()
	if admin == nil {
		return ErrNoAdmin
	}
	return deliver(ctx, r.logger, recipient{slot: -1, admin: true, conn: admin}, p, ch).Err
}

// DescribeMembers renders one line per connection, admin first.
func (r *Room) DescribeMembers() string {
	r.mu.Lock()
	admin := r.admin
	members := r.membersLocked()
	r.mu.Unlock()

	var sb strings.Builder
	if admin != nil {
		writeMemberLine(&sb, admin, true)
	}
	for _, m := range members {
		writeMemberLine(&sb, m.Conn, false)
	}
	return sb.String()
}

func writeMemberLine(sb *strings.Builder, c Connection, admin bool) {
	fmt.Fprintf(sb, "\n%s / IP: %s / Protocol: %s / Admin: %t", c.Name(), c.RemoteAddr(), c.Protocol(), admin)
}

// Close tears the room down and removes it from the registry. Cleanup
// functions run after deregistration. Closing a closed room does nothing.
func (r *Room) Close(cleanup ...func()) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.slots.Reset()
	r.admin = nil
	r.started = false
	r.mu.Unlock()

	if n := r.members.Swap(0); n != 0 {
		metrics.RoomMembers.Sub(float64(n))
	}

	if r.registry != nil {
		r.registry.deregister(r)
	}
	for _, fn := range cleanup {
		fn()
	}

	lifetime := r.opts.now().Sub(r.createdAt)
	metrics.RoomsClosed.Inc()
	metrics.RoomLifetime.Observe(lifetime.Seconds())
	r.logger.Info("Room closed", "lifetime", lifetime.String())
	publishEvent(r.registry, RoomClosed{PublicID: r.publicID, InternalID: r.internalID, Lifetime: lifetime})
}

// RoomInfo is a snapshot of a room used in listings.
type RoomInfo struct {
	PublicID      string    `json:"id"`
	InternalID    int32     `json:"internalId"`
	SessionToken  string    `json:"sessionToken"`
	Creator       string    `json:"creator"`
	Admin         string    `json:"admin,omitempty"`
	Modded        bool      `json:"modded"`
	Beta          bool      `json:"beta"`
	Version       int       `json:"version"`
	MaxPlayers    int       `json:"maxPlayers"`
	Members       int       `json:"members"`
	Slots         int       `json:"slots"`
	Started       bool      `json:"started"`
	StartDeadline time.Time `json:"startDeadline,omitzero"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (r *Room) Info() RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info := RoomInfo{
		PublicID:      r.publicID,
		InternalID:    r.internalID,
		SessionToken:  r.sessionToken.String(),
		Creator:       r.creator,
		Modded:        r.modded,
		Beta:          r.beta,
		Version:       r.version,
		MaxPlayers:    r.slots.Capacity(),
		Members:       int(r.members.Load()),
		Slots:         r.slots.Count(),
		Started:       r.started,
		StartDeadline: r.startDeadline,
		CreatedAt:     r.createdAt,
	}
	if r.admin != nil {
		info.Admin = r.admin.Name()
	}
	return info
}
