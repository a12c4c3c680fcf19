package relay

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/dimspell/relayhost/internal/metrics"
	"github.com/pion/randutil"
	"golang.org/x/crypto/blake2b"
)

const (
	nonceLength   = 32
	nonceAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// Challenge is a puzzle a client must solve before its room is created.
type Challenge struct {
	Nonce      string
	Difficulty uint8
	ExpiresAt  time.Time
}

// ProofOfWorkIssuer hands out challenges and redeems their solutions. Each
// nonce can be redeemed once.
type ProofOfWorkIssuer struct {
	mu         sync.Mutex
	difficulty uint8
	ttl        time.Duration
	now        func() time.Time
	pending    map[string]Challenge
}

func NewProofOfWorkIssuer(difficulty uint8, ttl time.Duration, now func() time.Time) *ProofOfWorkIssuer {
	if now == nil {
		now = time.Now
	}
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &ProofOfWorkIssuer{
		difficulty: difficulty,
		ttl:        ttl,
		now:        now,
		pending:    make(map[string]Challenge),
	}
}

// Issue returns a fresh challenge.
func (p *ProofOfWorkIssuer) Issue() (Challenge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	p.pruneLocked(now)

	for {
		nonce, err := randutil.GenerateCryptoRandomString(nonceLength, nonceAlphabet)
		if err != nil {
			return Challenge{}, fmt.Errorf("relay: could not generate nonce: %w", err)
		}
		if _, taken := p.pending[nonce]; taken {
			continue
		}

		ch := Challenge{
			Nonce:      nonce,
			Difficulty: p.difficulty,
			ExpiresAt:  now.Add(p.ttl),
		}
		p.pending[nonce] = ch
		metrics.ChallengesIssued.Inc()
		return ch, nil
	}
}

// Redeem checks the solution of a previously issued challenge and consumes
// it. Unknown, expired and wrong answers fail with ErrChallengeInvalid.
func (p *ProofOfWorkIssuer) Redeem(nonce string, solution uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, ok := p.pending[nonce]
	if !ok {
		metrics.ChallengesRejected.Inc()
		return fmt.Errorf("%w: unknown nonce", ErrChallengeInvalid)
	}
	delete(p.pending, nonce)

	if p.now().After(ch.ExpiresAt) {
		metrics.ChallengesRejected.Inc()
		return fmt.Errorf("%w: challenge expired", ErrChallengeInvalid)
	}
	if !Verify(ch, solution) {
		metrics.ChallengesRejected.Inc()
		return fmt.Errorf("%w: insufficient work", ErrChallengeInvalid)
	}
	return nil
}

// Pending returns the number of challenges waiting for an answer.
func (p *ProofOfWorkIssuer) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *ProofOfWorkIssuer) pruneLocked(now time.Time) {
	for nonce, ch := range p.pending {
		if now.After(ch.ExpiresAt) {
			delete(p.pending, nonce)
		}
	}
}

// Verify reports whether solution satisfies the challenge.
func Verify(ch Challenge, solution uint64) bool {
	return leadingZeroBits(workHash(ch.Nonce, solution)) >= int(ch.Difficulty)
}

// Solve searches for the smallest solution of the challenge.
func Solve(ch Challenge) uint64 {
	for solution := uint64(0); ; solution++ {
		if Verify(ch, solution) {
			return solution
		}
	}
}

func workHash(nonce string, solution uint64) [blake2b.Size256]byte {
	buf := make([]byte, len(nonce)+8)
	copy(buf, nonce)
	binary.BigEndian.PutUint64(buf[len(nonce):], solution)
	return blake2b.Sum256(buf)
}

func leadingZeroBits(sum [blake2b.Size256]byte) int {
	n := 0
	for _, b := range sum {
		if b != 0 {
			return n + bits.LeadingZeros8(b)
		}
		n += 8
	}
	return n
}
