package relay

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/metrics"
	"github.com/kelindar/event"
	"go.uber.org/atomic"
)

const (
	minRandomID = 1000
	maxRandomID = 1000000
)

// Registry is the directory of every managed room of the process.
//
// Lookups share the read lock. Creation holds a separate lock for the whole
// draw-check-register sequence, so two creations never pick the same id.
type Registry struct {
	mu       RWLocker
	createMu sync.Locker
	rooms    map[int32]*Room

	opts      options
	logger    *slog.Logger
	pow       *ProofOfWorkIssuer
	events    *event.Dispatcher
	ownEvents bool
	closed    atomic.Bool
}

func NewRegistry(opts ...Option) *Registry {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}

	r := &Registry{
		mu:       o.readLock,
		createMu: o.createLock,
		rooms:    make(map[int32]*Room),
		opts:     o,
		logger:   o.logger,
		pow:      NewProofOfWorkIssuer(o.difficulty, o.challengeTTL, o.now),
		events:   o.events,
	}
	// A pending writer on sync.RWMutex blocks new readers, so lookups cannot
	// starve a registration. Waiters queued on sync.Mutex for over 1ms are
	// handed the lock in FIFO order.
	if r.mu == nil {
		r.mu = &sync.RWMutex{}
	}
	if r.createMu == nil {
		r.createMu = &sync.Mutex{}
	}
	if r.events == nil {
		r.events = event.NewDispatcher()
		r.ownEvents = true
	}
	return r
}

// Events returns the dispatcher carrying room lifecycle events.
func (r *Registry) Events() *event.Dispatcher { return r.events }

// IssueChallenge returns a proof-of-work challenge for a room creator.
func (r *Registry) IssueChallenge() (Challenge, error) {
	return r.pow.Issue()
}

// RedeemChallenge verifies the answer to a challenge issued earlier.
func (r *Registry) RedeemChallenge(nonce string, solution uint64) error {
	return r.pow.Redeem(nonce, solution)
}

// Lookup returns the room registered under the id resolved from rawID.
func (r *Registry) Lookup(rawID string) (*Room, bool) {
	id := ResolveID(rawID)

	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[id]
	return room, ok
}

func (r *Registry) Exists(rawID string) bool {
	_, ok := r.Lookup(rawID)
	return ok
}

// CreateManaged creates and registers a room. With a blank id a free random
// numeric id is drawn. A caller supplied id replaces any room registered
// under the same internal id.
func (r *Registry) CreateManaged(params CreateParams) (*Room, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	publicID := params.ID
	if strings.TrimSpace(publicID) == "" {
		var err error
		publicID, err = r.drawFreeID()
		if err != nil {
			return nil, err
		}
	}

	id := ResolveID(publicID)
	room := newRoom(id, publicID, params, r, r.opts)

	r.mu.Lock()
	if prev, ok := r.rooms[id]; ok {
		r.logger.Warn("Room id collision, replacing registered room",
			logging.InternalID(id), logging.RoomID(publicID), "previous", prev.PublicID())
	}
	r.rooms[id] = room
	n := len(r.rooms)
	r.mu.Unlock()

	metrics.RoomsCreated.Inc()
	metrics.ActiveRooms.Set(float64(n))
	r.logger.Info("Room created",
		logging.RoomID(publicID),
		logging.InternalID(id),
		logging.PeerName(params.CreatorName),
		"modded", params.Modded,
		"maxPlayers", params.MaxPlayers)
	publishEvent(r, RoomCreated{PublicID: publicID, InternalID: id, Creator: params.CreatorName, At: room.CreatedAt()})
	return room, nil
}

func (r *Registry) drawFreeID() (string, error) {
	for attempt := 0; attempt < r.opts.maxAttempts; attempt++ {
		candidate := strconv.Itoa(minRandomID + r.opts.rand.Intn(maxRandomID-minRandomID))
		if !r.Exists(candidate) {
			return candidate, nil
		}
		metrics.IDAllocationRetries.Inc()
		r.logger.Debug("Random room id taken, drawing again", logging.RoomID(candidate), "attempt", attempt+1)
	}
	metrics.IDAllocationFailures.Inc()
	r.logger.Error("Room id allocation failed", "attempts", r.opts.maxAttempts)
	return "", fmt.Errorf("%w after %d attempts", ErrIDPoolExhausted, r.opts.maxAttempts)
}

// Remove deletes the registry entry for the internal id.
func (r *Registry) Remove(internalID int32) {
	r.mu.Lock()
	delete(r.rooms, internalID)
	n := len(r.rooms)
	r.mu.Unlock()

	metrics.ActiveRooms.Set(float64(n))
}

// deregister removes the room only if the entry still points to it.
func (r *Registry) deregister(room *Room) {
	r.mu.Lock()
	if cur, ok := r.rooms[room.internalID]; ok && cur == room {
		delete(r.rooms, room.internalID)
	}
	n := len(r.rooms)
	r.mu.Unlock()

	metrics.ActiveRooms.Set(float64(n))
}

// Rooms returns a snapshot of the registered rooms ordered by internal id.
func (r *Registry) Rooms() []*Room {
	r.mu.RLock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, room := range r.rooms {
		rooms = append(rooms, room)
	}
	r.mu.RUnlock()

	slices.SortFunc(rooms, func(a, b *Room) int {
		return cmp.Compare(a.internalID, b.internalID)
	})
	return rooms
}

// MemberCount sums the connected players of every room.
func (r *Registry) MemberCount() int {
	total := 0
	for _, room := range r.Rooms() {
		total += room.MemberCount()
	}
	return total
}

func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// BroadcastAll sends a system message to every room.
func (r *Registry) BroadcastAll(ctx context.Context, text string) DeliveryReport {
	var report DeliveryReport
	for _, room := range r.Rooms() {
		report.Merge(room.BroadcastSystemMessage(ctx, text))
	}
	return report
}

// Describe lists the members of every room, each block prefixed by the
// public room id.
func (r *Registry) Describe() string {
	var sb strings.Builder
	for _, room := range r.Rooms() {
		sb.WriteString("\n")
		sb.WriteString(room.PublicID())
		sb.WriteString(room.DescribeMembers())
	}
	return sb.String()
}

// Close closes every room and stops the event dispatcher if the registry
// created it.
func (r *Registry) Close() {
	for _, room := range r.Rooms() {
		room.Close()
	}
	if r.closed.Swap(true) {
		return
	}
	if r.ownEvents {
		r.events.Close()
	}
}

func publishEvent[T event.Event](r *Registry, ev T) {
	if r == nil || r.events == nil || r.closed.Load() {
		return
	}
	event.Publish(r.events, ev)
}
