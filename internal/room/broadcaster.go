// Package room fans messages out to every session subscribed to a room,
// including sessions owned by other gateway instances.
//
// The authoritative fan-out list for a room is the union of subscriptions
// across instances, discovered through the bus: every frame is published to
// the room's topic and each instance forwards deliveries to its local
// members. The local membership table is only a projection used for that
// forwarding.
package room

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BlackBearCC/mbti-gateway/internal/bus"
	"github.com/BlackBearCC/mbti-gateway/internal/logging"
	"github.com/BlackBearCC/mbti-gateway/pkg/types"
)

// TopicPrefix namespaces room topics on the shared bus.
const TopicPrefix = "room:"

// Member is a locally connected session that can receive room frames.
// Deliver must not block; slow consumers drop rather than stall the room.
type Member interface {
	ID() string
	Deliver(frame *types.Frame)
}

// envelope is the bus wire format. Origin carries the publishing connection
// id so the sender's own instance can exclude it on delivery.
type envelope struct {
	Origin string      `json:"origin,omitempty"`
	Frame  types.Frame `json:"frame"`
}

type roomState struct {
	members map[string]Member
	release func()
}

// Broadcaster owns local room membership and the per-room bus subscriptions.
type Broadcaster struct {
	bus bus.Bus

	mu    sync.Mutex
	rooms map[string]*roomState
	// joined tracks room ids per member for LeaveAll.
	joined map[string]map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewBroadcaster creates a Broadcaster over the given bus.
func NewBroadcaster(b bus.Bus) *Broadcaster {
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{
		bus:    b,
		rooms:  make(map[string]*roomState),
		joined: make(map[string]map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Join adds a member to a room. The bus topic is subscribed when the local
// member count for the room transitions from zero; no cross-instance
// coordination happens beyond that.
func (b *Broadcaster) Join(m Member, roomID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.rooms[roomID]
	if !ok {
		deliveries, release, err := b.bus.Subscribe(b.ctx, TopicPrefix+roomID)
		if err != nil {
			return err
		}
		state = &roomState{
			members: make(map[string]Member),
			release: release,
		}
		b.rooms[roomID] = state
		go b.forward(roomID, deliveries)
	}
	state.members[m.ID()] = m

	set, ok := b.joined[m.ID()]
	if !ok {
		set = make(map[string]struct{})
		b.joined[m.ID()] = set
	}
	set[roomID] = struct{}{}
	return nil
}

// Leave removes a member from a room, releasing the bus subscription when
// the local count reaches zero.
func (b *Broadcaster) Leave(m Member, roomID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.leaveLocked(m.ID(), roomID)
}

// LeaveAll removes a member from every room it joined. Called on every
// disconnect path so no broadcast targets a dead connection.
func (b *Broadcaster) LeaveAll(memberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for roomID := range b.joined[memberID] {
		b.leaveLocked(memberID, roomID)
	}
}

func (b *Broadcaster) leaveLocked(memberID, roomID string) {
	if set, ok := b.joined[memberID]; ok {
		delete(set, roomID)
		if len(set) == 0 {
			delete(b.joined, memberID)
		}
	}

	state, ok := b.rooms[roomID]
	if !ok {
		return
	}
	delete(state.members, memberID)
	if len(state.members) == 0 {
		state.release()
		delete(b.rooms, roomID)
	}
}

// Publish fans frame out to every member of the room on every instance.
// origin is the publishing connection id; that connection never receives its
// own copy. A bus failure fails this publish only.
func (b *Broadcaster) Publish(ctx context.Context, roomID string, frame *types.Frame, origin string) error {
	payload, err := json.Marshal(envelope{Origin: origin, Frame: *frame})
	if err != nil {
		return err
	}
	return b.bus.Publish(ctx, TopicPrefix+roomID, payload)
}

// MemberIDs returns the local members of a room.
func (b *Broadcaster) MemberIDs(roomID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.rooms[roomID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(state.members))
	for id := range state.members {
		out = append(out, id)
	}
	return out
}

// Close releases every subscription.
func (b *Broadcaster) Close() {
	b.cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	for roomID, state := range b.rooms {
		state.release()
		delete(b.rooms, roomID)
	}
	b.joined = make(map[string]map[string]struct{})
}

// forward drains one room's bus deliveries into the local members. Runs as
// a single goroutine per room, which preserves same-instance publish order
// for local subscribers.
func (b *Broadcaster) forward(roomID string, deliveries <-chan []byte) {
	for payload := range deliveries {
		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			logging.Warn().Err(err).Str("room", roomID).Msg("dropping malformed bus delivery")
			continue
		}

		b.mu.Lock()
		state, ok := b.rooms[roomID]
		if !ok {
			b.mu.Unlock()
			return
		}
		members := make([]Member, 0, len(state.members))
		for id, m := range state.members {
			if id == env.Origin {
				continue
			}
			members = append(members, m)
		}
		b.mu.Unlock()

		for _, m := range members {
			m.Deliver(&env.Frame)
		}
	}
}
