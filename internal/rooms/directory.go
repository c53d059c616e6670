package rooms

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// JoinPolicy controls what Join does when the requested room does not exist.
type JoinPolicy string

const (
	// JoinStrict requires the room to exist already.
	JoinStrict JoinPolicy = "strict"
	// JoinAutoCreate creates a missing room transparently.
	JoinAutoCreate JoinPolicy = "auto-create"
	// JoinCreate is used by explicit create requests. It behaves like
	// JoinAutoCreate but records the request as a creation in logs/results.
	JoinCreate JoinPolicy = "create"
)

func ParseJoinPolicy(raw string) (JoinPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(JoinStrict):
		return JoinStrict, nil
	case string(JoinAutoCreate), "auto_create", "autocreate", "":
		return JoinAutoCreate, nil
	default:
		return "", fmt.Errorf("invalid join policy %q (expected %s or %s)", raw, JoinStrict, JoinAutoCreate)
	}
}

type room struct {
	id        string
	createdAt time.Time
	members   map[string]struct{}
}

func (r *room) memberIDs(exclude string) []string {
	out := make([]string, 0, len(r.members))
	for id := range r.members {
		if id == exclude {
			continue
		}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// RoomInfo is a read-only view of a room.
type RoomInfo struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Members   []string  `json:"members"`
}

// JoinResult describes the membership change performed by Join.
type JoinResult struct {
	RoomID string
	// Members are the other members of RoomID before the join.
	Members []string
	// Created is true when Join created RoomID.
	Created bool

	// Previous is the room the connection was moved out of, if any.
	Previous string
	// PreviousMembers are the members left behind in Previous. Empty when
	// Previous was deleted.
	PreviousMembers []string
}

// LeaveResult describes the membership change performed by Leave.
type LeaveResult struct {
	RoomID    string
	Remaining []string
	Deleted   bool
}

// Directory maps room ids to member connection ids.
//
// A single mutex guards both the room map and the reverse index, so a
// connection can never be observed in two rooms.
type Directory struct {
	now func() time.Time

	mu       sync.Mutex
	rooms    map[string]*room
	memberOf map[string]string
}

func NewDirectory() *Directory {
	return &Directory{
		now:      time.Now,
		rooms:    make(map[string]*room),
		memberOf: make(map[string]string),
	}
}

// EnsureRoom creates an empty room record if roomID is absent. It reports
// whether a record was created.
//
// An ensured room that nobody joins stays in the directory until a Join and a
// matching Leave empty it; signaling code creates rooms through Join with
// JoinCreate instead.
func (d *Directory) EnsureRoom(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, created := d.ensureRoomLocked(roomID)
	return created
}

func (d *Directory) ensureRoomLocked(roomID string) (*room, bool) {
	if r, ok := d.rooms[roomID]; ok {
		return r, false
	}
	r := &room{
		id:        roomID,
		createdAt: d.now(),
		members:   make(map[string]struct{}),
	}
	d.rooms[roomID] = r
	return r, true
}

// Join adds connID to roomID. A connection that is already in another room is
// removed from it first.
func (d *Directory) Join(roomID, connID string, policy JoinPolicy) (JoinResult, error) {
	if roomID == "" {
		return JoinResult{}, fmt.Errorf("join: %w", ErrEmptyRoomID)
	}
	if connID == "" {
		return JoinResult{}, fmt.Errorf("join %q: empty connection id", roomID)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if current, ok := d.memberOf[connID]; ok && current == roomID {
		return JoinResult{RoomID: roomID, Members: d.rooms[roomID].memberIDs(connID)}, nil
	}

	target, exists := d.rooms[roomID]
	if !exists && policy == JoinStrict {
		return JoinResult{}, fmt.Errorf("join %q: %w", roomID, ErrRoomNotFound)
	}

	res := JoinResult{RoomID: roomID}
	if prev, ok := d.memberOf[connID]; ok {
		left := d.leaveLocked(connID, prev)
		res.Previous = prev
		res.PreviousMembers = left.Remaining
	}

	if !exists {
		target, res.Created = d.ensureRoomLocked(roomID)
	}
	res.Members = target.memberIDs(connID)
	target.members[connID] = struct{}{}
	d.memberOf[connID] = roomID
	return res, nil
}

// Leave removes connID from whichever room it occupies and deletes the room if
// it becomes empty.
func (d *Directory) Leave(connID string) (LeaveResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	roomID, ok := d.memberOf[connID]
	if !ok {
		return LeaveResult{}, ErrNoRoom
	}
	return d.leaveLocked(connID, roomID), nil
}

func (d *Directory) leaveLocked(connID, roomID string) LeaveResult {
	delete(d.memberOf, connID)
	res := LeaveResult{RoomID: roomID}

	r, ok := d.rooms[roomID]
	if !ok {
		res.Deleted = true
		return res
	}
	delete(r.members, connID)
	if len(r.members) == 0 {
		delete(d.rooms, roomID)
		res.Deleted = true
		return res
	}
	res.Remaining = r.memberIDs("")
	return res
}

// MembersOf returns the sorted member ids of roomID, or nil if the room does
// not exist.
func (d *Directory) MembersOf(roomID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()

	r, ok := d.rooms[roomID]
	if !ok {
		return nil
	}
	return r.memberIDs("")
}

func (d *Directory) RoomOf(connID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	roomID, ok := d.memberOf[connID]
	return roomID, ok
}

func (d *Directory) Exists(roomID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.rooms[roomID]
	return ok
}

// Len returns the number of rooms.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.rooms)
}

// MemberCount returns the number of connections that are in a room.
func (d *Directory) MemberCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.memberOf)
}

func (d *Directory) Rooms() []RoomInfo {
	d.mu.Lock()
	out := make([]RoomInfo, 0, len(d.rooms))
	for _, r := range d.rooms {
		out = append(out, RoomInfo{
			ID:        r.id,
			CreatedAt: r.createdAt,
			Members:   r.memberIDs(""),
		})
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
