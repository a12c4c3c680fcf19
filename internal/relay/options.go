package relay

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/dimspell/relayhost/internal/packet"
	"github.com/kelindar/event"
	"github.com/pion/randutil"
)

var (
	ErrRoomNotFound     = errors.New("relay: room does not exist")
	ErrRoomClosed       = errors.New("relay: room is closed")
	ErrRoomFull         = errors.New("relay: room is full")
	ErrSlotNotFound     = errors.New("relay: slot is not occupied")
	ErrNoAdmin          = errors.New("relay: room has no admin")
	ErrIDPoolExhausted  = errors.New("relay: could not allocate a free room id")
	ErrChallengeInvalid = errors.New("relay: proof of work rejected")
)

const (
	// StartGracePeriod is recorded as the start deadline when the game starts.
	StartGracePeriod = 300 * time.Second

	// DefaultMaxAllocationAttempts bounds the random id draw loop.
	DefaultMaxAllocationAttempts = 1000

	DefaultChallengeDifficulty uint8 = 12
	DefaultChallengeTTL              = 60 * time.Second
)

// RWLocker is the lock guarding the registry map.
type RWLocker interface {
	sync.Locker
	RLock()
	RUnlock()
}

type options struct {
	logger       *slog.Logger
	rand         RandomSource
	now          func() time.Time
	factory      PacketFactory
	maxAttempts  int
	difficulty   uint8
	challengeTTL time.Duration
	events       *event.Dispatcher
	readLock     RWLocker
	createLock   sync.Locker
}

func defaultOptions() options {
	return options{
		logger:       slog.With(slog.String("component", "relay")),
		rand:         randutil.NewMathRandomGenerator(),
		now:          time.Now,
		factory:      packet.NewFactory(),
		maxAttempts:  DefaultMaxAllocationAttempts,
		difficulty:   DefaultChallengeDifficulty,
		challengeTTL: DefaultChallengeTTL,
	}
}

type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithRandom(r RandomSource) Option {
	return func(o *options) { o.rand = r }
}

func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func WithPacketFactory(f PacketFactory) Option {
	return func(o *options) { o.factory = f }
}

func WithMaxAllocationAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

func WithChallengeDifficulty(bits uint8, ttl time.Duration) Option {
	return func(o *options) {
		o.difficulty = bits
		if ttl > 0 {
			o.challengeTTL = ttl
		}
	}
}

// WithEvents publishes room lifecycle events on the given dispatcher instead
// of a private one.
func WithEvents(d *event.Dispatcher) Option {
	return func(o *options) { o.events = d }
}

// WithLockers replaces the locks of the registry. The read lock guards the
// room map, the create lock serialises room creation. The defaults are
// sync.RWMutex and sync.Mutex; pass a ticket lock here when strict arrival
// order is required.
func WithLockers(read RWLocker, create sync.Locker) Option {
	return func(o *options) {
		o.readLock = read
		o.createLock = create
	}
}
