// Package channel implements the channel broker (component D): the
// set of live connections sharing a broadcast group, and mutation
// fan-out with sender exclusion. A channel's identity is derived from
// a client token by a salted hash distinct from the tenant-id
// derivation (see internal/tenant). DeriveID computes the channel-id;
// the Broker tracks membership keyed by that id.
package channel

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relaykv/relaykv/internal/logging"
)

var log = logging.Get("channel")

const channelSalt = "_ws_channel_salt_v1"

// outboxSize bounds how many undelivered broadcasts a single recipient
// may queue before it is considered unhealthy.
const outboxSize = 32

// DeriveID computes the channel-id for token: "channel_" followed by
// the first 16 hex characters of SHA-256(token + channelSalt). This is
// a distinct derivation from the tenant-id hash in internal/tenant —
// tenant = data namespace, channel = broadcast group — and the two
// must never be unified (see SPEC_FULL.md §9).
func DeriveID(token string) string {
	sum := sha256.Sum256([]byte(token + channelSalt))
	return "channel_" + hex.EncodeToString(sum[:])[:16]
}

// Member is anything that can receive broadcast events on a channel.
// *wsserver.Connection implements this; it is kept minimal here so the
// broker has no import-cycle back to wsserver.
type Member interface {
	// ID uniquely identifies this member within a channel, for sender
	// exclusion and outbox bookkeeping.
	ID() string
	// Send delivers event to the member. Implementations should be
	// safe to call concurrently with the member's own send loop.
	Send(event []byte) error
	// MarkUnhealthy is called when this member's outbox overflows; the
	// implementation decides whether to close the connection.
	MarkUnhealthy()
}

type outbox struct {
	member Member
	queue  chan []byte
	done   chan struct{}
}

func newOutbox(member Member) *outbox {
	o := &outbox{
		member: member,
		queue:  make(chan []byte, outboxSize),
		done:   make(chan struct{}),
	}
	go o.run()
	return o
}

func (o *outbox) run() {
	for {
		select {
		case msg := <-o.queue:
			if err := o.member.Send(msg); err != nil {
				log.Warnf("send to member %s failed: %v", o.member.ID(), err)
			}
		case <-o.done:
			return
		}
	}
}

// enqueue attempts a non-blocking send. A full outbox means the
// recipient is too slow to keep up; it is marked unhealthy and skipped
// rather than stalling the rest of the fan-out.
func (o *outbox) enqueue(msg []byte) {
	select {
	case o.queue <- msg:
	default:
		log.Warnf("outbox full for member %s, marking unhealthy", o.member.ID())
		o.member.MarkUnhealthy()
	}
}

func (o *outbox) close() {
	select {
	case <-o.done:
	default:
		close(o.done)
	}
}

// Broker tracks channel membership and fans out broadcasts. A single
// Broker is shared by every connection on a server.
type Broker struct {
	channels *xsync.MapOf[string, *xsync.MapOf[string, *outbox]]
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{channels: xsync.NewMapOf[string, *xsync.MapOf[string, *outbox]]()}
}

// Join adds member to channelID's membership set, creating the
// channel if this is its first member.
func (b *Broker) Join(channelID string, member Member) {
	members, _ := b.channels.LoadOrCompute(channelID, func() *xsync.MapOf[string, *outbox] {
		return xsync.NewMapOf[string, *outbox]()
	})
	members.Store(member.ID(), newOutbox(member))
}

// Leave removes member from channelID's membership set, removing the
// channel entirely once it has no members left.
func (b *Broker) Leave(channelID string, member Member) {
	members, ok := b.channels.Load(channelID)
	if !ok {
		return
	}
	if ob, ok := members.LoadAndDelete(member.ID()); ok {
		ob.close()
	}

	empty := true
	members.Range(func(_ string, _ *outbox) bool {
		empty = false
		return false
	})
	if empty {
		b.channels.Delete(channelID)
	}
}

// Broadcast fans event out to every member of channelID except
// exceptMemberID (pass "" to exclude no one). Each recipient has its
// own bounded outbox and delivery goroutine so a single slow peer
// cannot stall delivery to the rest of the channel.
func (b *Broker) Broadcast(channelID string, event []byte, exceptMemberID string) {
	members, ok := b.channels.Load(channelID)
	if !ok {
		return
	}
	members.Range(func(id string, ob *outbox) bool {
		if id == exceptMemberID {
			return true
		}
		ob.enqueue(event)
		return true
	})
}

// Size returns the number of members currently on channelID.
func (b *Broker) Size(channelID string) int {
	members, ok := b.channels.Load(channelID)
	if !ok {
		return 0
	}
	n := 0
	members.Range(func(_ string, _ *outbox) bool {
		n++
		return true
	})
	return n
}
