package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Inbound event types.
const (
	TypeRegister     = "register"
	TypeJoinRoom     = "join-room"
	TypeCreateRoom   = "create-room"
	TypeLeaveRoom    = "leave-room"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
	TypeCallUser     = "call-user"
	TypeCallAccepted = "call-accepted"
	TypeRejectCall   = "reject-call"
	TypeCallRejected = "call-rejected"
	TypeEndCall      = "end-call"
	TypePing         = "ping"
)

// Outbound event types.
const (
	TypeRegistered       = "registered"
	TypeUsersList        = "users-list"
	TypeUserJoined       = "user-joined"
	TypeUserLeft         = "user-left"
	TypeRoomJoined       = "room-joined"
	TypeRoomUsers        = "room-users"
	TypeRoomNotFound     = "room-not-found"
	TypeRoomLeft         = "room-left"
	TypeUserConnected    = "user-connected"
	TypeUserDisconnected = "user-disconnected"
	TypeIncomingCall     = "incoming-call"
	TypeCallEnded        = "call-ended"
	TypePong             = "pong"
	TypeStatsUpdate      = "stats-update"
	TypeError            = "error"
)

// Error codes carried by TypeError messages.
const (
	CodeBadMessage     = "bad_message"
	CodeTargetNotFound = "target_not_found"
	CodeNoRoom         = "no_room"
	CodeRateLimited    = "rate_limited"
	CodeInternalError  = "internal_error"
)

// Envelope is the wire framing of every signaling message in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Request is a decoded inbound envelope. The set of implementations is
// closed; Hub.Handle switches over all of them.
type Request interface {
	requestType() string
}

type RegisterRequest struct {
	Name     string
	Metadata map[string]json.RawMessage
}

// JoinRoomRequest covers both join-room and create-room. RoomID may be empty
// only when Create is set, in which case a code is generated.
type JoinRoomRequest struct {
	RoomID string
	Create bool
}

type LeaveRoomRequest struct{}

type PingRequest struct{}

// RelayRequest is a targeted message forwarded to a single connection.
// Payload is the raw value of the type's payload field (offer, answer or
// candidate) and is forwarded without inspection.
type RelayRequest struct {
	Type    string
	Target  string
	Payload json.RawMessage
}

func (RegisterRequest) requestType() string  { return TypeRegister }
func (LeaveRoomRequest) requestType() string { return TypeLeaveRoom }
func (PingRequest) requestType() string      { return TypePing }
func (r RelayRequest) requestType() string   { return r.Type }
func (r JoinRoomRequest) requestType() string {
	if r.Create {
		return TypeCreateRoom
	}
	return TypeJoinRoom
}

// relayRoute describes how a targeted inbound type is delivered.
type relayRoute struct {
	// outType is the event name the target receives.
	outType string
	// field names the payload member that is carried verbatim. Empty for
	// call-control events that only carry the sender identity.
	field string
	// withName adds the sender's display name as fromName.
	withName bool
}

var relayRoutes = map[string]relayRoute{
	TypeOffer:        {outType: TypeOffer, field: "offer", withName: true},
	TypeAnswer:       {outType: TypeAnswer, field: "answer"},
	TypeICECandidate: {outType: TypeICECandidate, field: "candidate"},
	TypeCallUser:     {outType: TypeIncomingCall, withName: true},
	TypeCallAccepted: {outType: TypeCallAccepted},
	TypeRejectCall:   {outType: TypeCallRejected},
	TypeCallRejected: {outType: TypeCallRejected},
	TypeEndCall:      {outType: TypeCallEnded},
}

// ParseRequest decodes a text frame into a Request. All decoding failures
// wrap ErrMalformedEnvelope.
func ParseRequest(frame []byte) (Request, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	switch env.Type {
	case TypeRegister:
		return parseRegister(env.Data)
	case TypeJoinRoom:
		roomID, err := parseRoomID(env.Data)
		if err != nil {
			return nil, err
		}
		if roomID == "" {
			return nil, fmt.Errorf("%w: join-room requires a room id", ErrMalformedEnvelope)
		}
		return JoinRoomRequest{RoomID: roomID}, nil
	case TypeCreateRoom:
		roomID, err := parseRoomID(env.Data)
		if err != nil {
			return nil, err
		}
		return JoinRoomRequest{RoomID: roomID, Create: true}, nil
	case TypeLeaveRoom:
		return LeaveRoomRequest{}, nil
	case TypePing:
		return PingRequest{}, nil
	}

	route, ok := relayRoutes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, env.Type)
	}
	return parseRelay(env.Type, route, env.Data)
}

func isAbsent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || bytes.Equal(raw, []byte("null"))
}

func parseRegister(data json.RawMessage) (Request, error) {
	if isAbsent(data) {
		return RegisterRequest{}, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: register data must be an object", ErrMalformedEnvelope)
	}

	req := RegisterRequest{}
	if raw, ok := fields["name"]; ok {
		if !isAbsent(raw) {
			if err := json.Unmarshal(raw, &req.Name); err != nil {
				return nil, fmt.Errorf("%w: register name must be a string", ErrMalformedEnvelope)
			}
			req.Name = strings.TrimSpace(req.Name)
		}
		delete(fields, "name")
	}
	// The connection id is assigned by the server and cannot be overridden.
	delete(fields, "id")
	if len(fields) > 0 {
		req.Metadata = fields
	}
	return req, nil
}

// parseRoomID accepts either a bare JSON string or an object with a roomId
// member.
func parseRoomID(data json.RawMessage) (string, error) {
	if isAbsent(data) {
		return "", nil
	}
	var roomID string
	if err := json.Unmarshal(data, &roomID); err == nil {
		return strings.TrimSpace(roomID), nil
	}
	var obj struct {
		RoomID *string `json:"roomId"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", fmt.Errorf("%w: room id must be a string or {\"roomId\": string}", ErrMalformedEnvelope)
	}
	if obj.RoomID == nil {
		return "", nil
	}
	return strings.TrimSpace(*obj.RoomID), nil
}

func parseRelay(typ string, route relayRoute, data json.RawMessage) (Request, error) {
	if isAbsent(data) {
		return nil, fmt.Errorf("%w: %s requires data", ErrMalformedEnvelope, typ)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: %s data must be an object", ErrMalformedEnvelope, typ)
	}

	var target string
	if raw, ok := fields["target"]; ok {
		if err := json.Unmarshal(raw, &target); err != nil {
			return nil, fmt.Errorf("%w: %s target must be a string", ErrMalformedEnvelope, typ)
		}
	}
	if target == "" {
		return nil, fmt.Errorf("%w: %s missing target", ErrMalformedEnvelope, typ)
	}

	req := RelayRequest{Type: typ, Target: target}
	if route.field != "" {
		payload, ok := fields[route.field]
		if !ok || isAbsent(payload) {
			return nil, fmt.Errorf("%w: %s missing %s", ErrMalformedEnvelope, typ, route.field)
		}
		req.Payload = payload
	}
	return req, nil
}

// encode builds an outbound frame. data may be nil.
func encode(typ string, data any) ([]byte, error) {
	msg := struct {
		Type string `json:"type"`
		Data any    `json:"data,omitempty"`
	}{Type: typ, Data: data}
	return json.Marshal(msg)
}

// UserInfo is the public view of an announced connection: its metadata
// flattened next to id and name.
type UserInfo struct {
	ID       string
	Name     string
	Metadata map[string]json.RawMessage
}

func (u UserInfo) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(u.Metadata)+2)
	for k, v := range u.Metadata {
		out[k] = v
	}
	out["id"] = u.ID
	out["name"] = u.Name
	return json.Marshal(out)
}

type registeredData struct {
	ID    string     `json:"id"`
	Users []UserInfo `json:"users"`
}

type roomJoinedData struct {
	RoomID  string   `json:"roomId"`
	Users   []string `json:"users"`
	Created bool     `json:"created,omitempty"`
}

type roomData struct {
	RoomID string `json:"roomId"`
}

type roomPresenceData struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	RoomID string `json:"roomId"`
}

type presenceData struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Target  string `json:"target,omitempty"`
}

// StatsData is published as stats-update and served by GET /stats.
type StatsData struct {
	Users int `json:"users"`
	Rooms int `json:"rooms"`
}

// relayData assembles the payload a relay target receives. Both from and
// sender carry the sender id; browser clients in the wild read either.
func relayData(route relayRoute, payload json.RawMessage, fromID, fromName string) map[string]any {
	out := map[string]any{
		"from":   fromID,
		"sender": fromID,
	}
	if route.field != "" {
		out[route.field] = payload
	}
	if route.withName {
		out["fromName"] = fromName
	}
	return out
}
