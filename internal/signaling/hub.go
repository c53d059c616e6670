package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/rooms"
)

// HubConfig wires the lifecycle manager's policies and collaborators.
type HubConfig struct {
	// JoinPolicy applies to join-room. create-room always uses rooms.JoinCreate.
	JoinPolicy    rooms.JoinPolicy
	MissingTarget config.MissingTargetPolicy

	RoomCodeLength int

	StatsBroadcast bool
	StatsInterval  time.Duration

	// Metrics is optional.
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// ConnState is the lifecycle state of a connection as derived from the
// registry and room directory.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnected
	StateInRoom
)

func (s ConnState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateInRoom:
		return "in_room"
	default:
		return "disconnected"
	}
}

// Hub is the lifecycle manager. It owns the registry and room directory and
// applies every mutation under a single mutex, so a disconnect can never
// interleave with a join or leave for the same connection.
type Hub struct {
	mu sync.Mutex

	reg    *registry.Registry
	rooms  *rooms.Directory
	router *Router
	stats  *Stats
	codes  *rooms.CodeGenerator

	joinPolicy rooms.JoinPolicy
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

func NewHub(cfg HubConfig) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	joinPolicy := cfg.JoinPolicy
	if joinPolicy == "" {
		joinPolicy = config.DefaultRoomJoinPolicy
	}
	codes, err := rooms.NewCodeGenerator(cfg.RoomCodeLength)
	if err != nil {
		return nil, err
	}

	h := &Hub{
		reg:        registry.New(),
		rooms:      rooms.NewDirectory(),
		codes:      codes,
		joinPolicy: joinPolicy,
		metrics:    cfg.Metrics,
		logger:     logger,
	}
	h.router = NewRouter(h.reg, h.rooms, cfg.Metrics, logger, cfg.MissingTarget)
	h.stats = newStats(h, cfg.StatsBroadcast, cfg.StatsInterval)
	return h, nil
}

func (h *Hub) Registry() *registry.Registry { return h.reg }
func (h *Hub) Rooms() *rooms.Directory      { return h.rooms }
func (h *Hub) Router() *Router              { return h.router }
func (h *Hub) Stats() *Stats                { return h.stats }

// Run drives the stats broadcaster until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	h.stats.Run(ctx)
}

// Connect registers a freshly accepted transport connection.
func (h *Hub) Connect(id string, sink registry.Sink) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reg.Register(id, sink); err != nil {
		h.logger.Error("signal_register_failed", "conn_id", id, "err", err)
		return err
	}
	h.metrics.Inc(metrics.ConnectionsOpened)
	h.logger.Debug("signal_connected", "conn_id", id)
	h.stats.Notify()
	return nil
}

// Reject answers id with an error event for a frame the transport refused
// before it reached Handle. The connection stays usable.
func (h *Hub) Reject(id, code, message, typ string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.router.Send(id, TypeError, errorData{Code: code, Message: message, Type: typ})
}

// Handle applies req on behalf of id. Requests for ids that are no longer
// registered are dropped and report registry.ErrNotFound.
func (h *Hub) Handle(id string, req Request) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	conn, err := h.reg.Lookup(id)
	if err != nil {
		return fmt.Errorf("%s from %s: %w", req.requestType(), id, err)
	}

	switch req := req.(type) {
	case RegisterRequest:
		return h.handleRegister(conn, req)
	case JoinRoomRequest:
		return h.handleJoin(conn, req)
	case LeaveRoomRequest:
		return h.handleLeave(conn)
	case PingRequest:
		h.router.Send(id, TypePong, nil)
		return nil
	case RelayRequest:
		return h.router.Relay(id, req)
	default:
		return fmt.Errorf("%w: unhandled request %T", ErrMalformedEnvelope, req)
	}
}

func (h *Hub) handleRegister(conn registry.Connection, req RegisterRequest) error {
	updated, err := h.reg.Announce(conn.ID, req.Name, req.Metadata)
	if err != nil {
		return err
	}

	others := h.announcedUsers(conn.ID)
	h.router.Send(conn.ID, TypeRegistered, registeredData{ID: conn.ID, Users: others})
	h.router.Send(conn.ID, TypeUsersList, others)
	h.router.BroadcastAll(TypeUserJoined, userInfo(updated), conn.ID)

	h.logger.Info("signal_user_registered", "conn_id", conn.ID, "name", updated.Name)
	return nil
}

func (h *Hub) handleJoin(conn registry.Connection, req JoinRoomRequest) error {
	roomID := req.RoomID
	policy := h.joinPolicy
	if req.Create {
		policy = rooms.JoinCreate
		if roomID == "" {
			code, err := h.codes.NewUnique(h.rooms)
			if err != nil {
				h.router.Send(conn.ID, TypeError, errorData{Code: CodeInternalError, Message: "could not allocate a room id", Type: TypeCreateRoom})
				return err
			}
			roomID = code
		}
	}

	if current, ok := h.rooms.RoomOf(conn.ID); ok && current == roomID {
		h.sendRoomJoined(conn.ID, roomID, h.rooms.MembersOf(roomID), false)
		return nil
	}

	res, err := h.rooms.Join(roomID, conn.ID, policy)
	if errors.Is(err, rooms.ErrRoomNotFound) {
		h.metrics.Inc(metrics.RoomJoinsRejected)
		h.logger.Debug("signal_room_not_found", "conn_id", conn.ID, "room_id", roomID)
		h.router.Send(conn.ID, TypeRoomNotFound, roomData{RoomID: roomID})
		return err
	}
	if err != nil {
		h.router.Send(conn.ID, TypeError, errorData{Code: CodeBadMessage, Message: err.Error(), Type: req.requestType()})
		return err
	}
	_ = h.reg.SetRoom(conn.ID, roomID)

	if res.Previous != "" {
		h.notifyRoomExit(conn, res.Previous, res.PreviousMembers, len(res.PreviousMembers) == 0)
	}
	if res.Created {
		h.metrics.Inc(metrics.RoomsCreated)
	}
	h.metrics.Inc(metrics.RoomJoins)

	h.sendRoomJoined(conn.ID, roomID, res.Members, res.Created)
	h.router.Multicast(res.Members, TypeUserConnected, roomPresenceData{ID: conn.ID, Name: conn.Name, RoomID: roomID}, conn.ID)

	h.logger.Info("signal_room_joined",
		"conn_id", conn.ID,
		"room_id", roomID,
		"created", res.Created,
		"members", len(res.Members)+1,
	)
	h.stats.Notify()
	return nil
}

// sendRoomJoined answers a join with room-joined followed by room-users, both
// listing the other members.
func (h *Hub) sendRoomJoined(id, roomID string, members []string, created bool) {
	others := make([]string, 0, len(members))
	for _, m := range members {
		if m != id {
			others = append(others, m)
		}
	}
	h.router.Send(id, TypeRoomJoined, roomJoinedData{RoomID: roomID, Users: others, Created: created})
	h.router.Send(id, TypeRoomUsers, others)
}

func (h *Hub) handleLeave(conn registry.Connection) error {
	res, err := h.rooms.Leave(conn.ID)
	if errors.Is(err, rooms.ErrNoRoom) {
		h.router.Send(conn.ID, TypeError, errorData{Code: CodeNoRoom, Message: "not in a room", Type: TypeLeaveRoom})
		return err
	}
	if err != nil {
		return err
	}
	_ = h.reg.SetRoom(conn.ID, "")

	h.router.Send(conn.ID, TypeRoomLeft, roomData{RoomID: res.RoomID})
	h.notifyRoomExit(conn, res.RoomID, res.Remaining, res.Deleted)

	h.logger.Info("signal_room_left", "conn_id", conn.ID, "room_id", res.RoomID, "room_deleted", res.Deleted)
	h.stats.Notify()
	return nil
}

func (h *Hub) notifyRoomExit(conn registry.Connection, roomID string, remaining []string, deleted bool) {
	h.router.Multicast(remaining, TypeUserDisconnected, roomPresenceData{ID: conn.ID, Name: conn.Name, RoomID: roomID}, conn.ID)
	if deleted {
		h.metrics.Inc(metrics.RoomsDeleted)
		h.logger.Debug("signal_room_deleted", "room_id", roomID)
	}
}

// Disconnect unwinds all state for id: room membership first, then the
// registry entry, then presence notifications. It reports whether id was
// registered; calling it again for the same id is a no-op.
func (h *Hub) Disconnect(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	left, leaveErr := h.rooms.Leave(id)
	conn, ok := h.reg.Remove(id)
	if !ok && leaveErr != nil {
		return false
	}
	if conn.ID == "" {
		conn = registry.Connection{ID: id, Name: registry.DefaultName(id)}
	}

	if leaveErr == nil {
		h.notifyRoomExit(conn, left.RoomID, left.Remaining, left.Deleted)
	}
	if ok && conn.Announced {
		h.router.BroadcastAll(TypeUserLeft, presenceData{ID: conn.ID, Name: conn.Name}, conn.ID)
	}
	if ok {
		h.metrics.Inc(metrics.ConnectionsClosed)
	}

	h.logger.Debug("signal_disconnected", "conn_id", id, "room_id", left.RoomID)
	h.stats.Notify()
	return ok
}

func (h *Hub) State(id string) ConnState {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.reg.Lookup(id); err != nil {
		return StateDisconnected
	}
	if _, ok := h.rooms.RoomOf(id); ok {
		return StateInRoom
	}
	return StateConnected
}

// HealthUser is the public view of a registered user in GET /health.
type HealthUser struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type HealthData struct {
	Status     string       `json:"status"`
	UsersCount int          `json:"usersCount"`
	Users      []HealthUser `json:"users"`
}

// Health lists the connections that have announced themselves.
func (h *Hub) Health() HealthData {
	conns := h.reg.List()
	users := make([]HealthUser, 0, len(conns))
	for _, c := range conns {
		if !c.Announced {
			continue
		}
		users = append(users, HealthUser{ID: c.ID, Name: c.Name})
	}
	return HealthData{Status: "ok", UsersCount: len(users), Users: users}
}

// announcedUsers returns every announced connection other than exclude.
func (h *Hub) announcedUsers(exclude string) []UserInfo {
	conns := h.reg.List()
	out := make([]UserInfo, 0, len(conns))
	for _, c := range conns {
		if c.ID == exclude || !c.Announced {
			continue
		}
		out = append(out, userInfo(c))
	}
	return out
}

func userInfo(c registry.Connection) UserInfo {
	return UserInfo{ID: c.ID, Name: c.Name, Metadata: c.Metadata}
}
