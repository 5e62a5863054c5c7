// Package verify authenticates inbound Twitch EventSub webhook deliveries
// and drops exact duplicates by message id. Twitch re-delivers notifications
// it thinks were lost, so the dedup check is part of correctness, not an
// optimization.
package verify

import (
	"net/http"
	"strings"
	"sync"

	"github.com/nicklaw5/helix/v2"
)

// Result is the outcome of verifying one delivery.
type Result int

const (
	// Accepted: signature valid, first sighting of this message id.
	Accepted Result = iota
	// DuplicateIgnore: signature valid but the message id was already seen.
	// Callers respond 202 without applying the notification.
	DuplicateIgnore
	// Rejected: missing headers or signature mismatch. Callers respond 400.
	Rejected
)

func (r Result) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case DuplicateIgnore:
		return "duplicate"
	default:
		return "rejected"
	}
}

// dedupCap bounds the recently-seen message id FIFO.
const dedupCap = 10

// Verifier checks webhook signatures against per-channel secrets and keeps
// a bounded FIFO of recently seen message ids.
type Verifier struct {
	mu   sync.Mutex
	seen []string
	idx  map[string]struct{}
}

func New() *Verifier {
	return &Verifier{idx: make(map[string]struct{}, dedupCap)}
}

// headers set by Twitch on every EventSub delivery.
const (
	HeaderMessageID = "Twitch-Eventsub-Message-Id"
	HeaderTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderSignature = "Twitch-Eventsub-Message-Signature"
	HeaderType      = "Twitch-Eventsub-Message-Type"
)

// Verify authenticates one delivery. The HMAC covers message id + timestamp
// + raw body and is compared in constant time. On Accepted the message id is
// recorded before returning, under the same lock as the duplicate check, so
// a duplicate racing the original cannot also pass.
func (v *Verifier) Verify(header http.Header, body []byte, secret string) Result {
	msgID := header.Get(HeaderMessageID)
	if msgID == "" || header.Get(HeaderTimestamp) == "" || header.Get(HeaderSignature) == "" {
		return Rejected
	}
	if !helix.VerifyEventSubNotification(secret, header, string(body)) {
		return Rejected
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, dup := v.idx[msgID]; dup {
		return DuplicateIgnore
	}
	v.remember(msgID)
	return Accepted
}

// remember appends id to the FIFO, evicting the oldest entry past the cap.
// Caller holds v.mu.
func (v *Verifier) remember(id string) {
	v.seen = append(v.seen, id)
	v.idx[id] = struct{}{}
	for len(v.seen) > dedupCap {
		old := v.seen[0]
		v.seen = v.seen[1:]
		delete(v.idx, old)
	}
}

// Snapshot returns the current dedup FIFO, oldest first, for mirroring into
// the kv table.
func (v *Verifier) Snapshot() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]string, len(v.seen))
	copy(out, v.seen)
	return out
}

// Restore seeds the FIFO from a persisted snapshot (comma-joined or slice).
// Used at startup so a restart does not re-apply the last deliveries.
func (v *Verifier) Restore(ids []string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := v.idx[id]; ok {
			continue
		}
		v.remember(id)
	}
}
