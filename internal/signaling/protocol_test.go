package signaling

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func TestParseRequest_Register(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"register","data":{"name":"  Alice ","avatar":"cat.png","id":"spoofed"}}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	reg, ok := req.(RegisterRequest)
	if !ok {
		t.Fatalf("req=%T, want RegisterRequest", req)
	}
	if reg.Name != "Alice" {
		t.Fatalf("Name=%q, want %q", reg.Name, "Alice")
	}
	if _, ok := reg.Metadata["id"]; ok {
		t.Fatalf("metadata must not carry a client supplied id: %v", reg.Metadata)
	}
	if got := string(reg.Metadata["avatar"]); got != `"cat.png"` {
		t.Fatalf("avatar=%s, want %q", got, `"cat.png"`)
	}
}

func TestParseRequest_RegisterWithoutData(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"register"}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if reg := req.(RegisterRequest); reg.Name != "" || reg.Metadata != nil {
		t.Fatalf("reg=%+v, want empty", reg)
	}
}

func TestParseRequest_JoinRoomForms(t *testing.T) {
	for _, frame := range []string{
		`{"type":"join-room","data":"ABCD"}`,
		`{"type":"join-room","data":{"roomId":" ABCD "}}`,
	} {
		req, err := ParseRequest([]byte(frame))
		if err != nil {
			t.Fatalf("ParseRequest(%s): %v", frame, err)
		}
		want := JoinRoomRequest{RoomID: "ABCD"}
		if req != want {
			t.Fatalf("ParseRequest(%s)=%+v, want %+v", frame, req, want)
		}
	}
}

func TestParseRequest_CreateRoomMayOmitID(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"create-room"}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	want := JoinRoomRequest{Create: true}
	if req != want {
		t.Fatalf("req=%+v, want %+v", req, want)
	}
	if req.requestType() != TypeCreateRoom {
		t.Fatalf("requestType=%q, want %q", req.requestType(), TypeCreateRoom)
	}
}

func TestParseRequest_Relay(t *testing.T) {
	req, err := ParseRequest([]byte(`{"type":"ice-candidate","data":{"target":"B","candidate":{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}}}`))
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	relay, ok := req.(RelayRequest)
	if !ok {
		t.Fatalf("req=%T, want RelayRequest", req)
	}
	if relay.Type != TypeICECandidate || relay.Target != "B" {
		t.Fatalf("relay=%+v", relay)
	}
	if got := string(relay.Payload); got != `{"candidate":"candidate:1 1 udp 1 1.2.3.4 5 typ host"}` {
		t.Fatalf("payload=%s", got)
	}

	req, err = ParseRequest([]byte(`{"type":"end-call","data":{"target":"B"}}`))
	if err != nil {
		t.Fatalf("ParseRequest(end-call): %v", err)
	}
	if relay := req.(RelayRequest); relay.Payload != nil {
		t.Fatalf("end-call payload=%s, want none", relay.Payload)
	}
}

func TestParseRequest_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"data":{}}`,
		`{"type":"teleport"}`,
		`{"type":"join-room"}`,
		`{"type":"join-room","data":42}`,
		`{"type":"register","data":"Alice"}`,
		`{"type":"register","data":{"name":7}}`,
		`{"type":"offer","data":{"offer":{"type":"offer"}}}`,
		`{"type":"offer","data":{"target":"B"}}`,
		`{"type":"answer","data":{"target":5,"answer":{}}}`,
		`{"type":"ice-candidate","data":{"target":"B","candidate":null}}`,
		`{"type":"call-user"}`,
		`{"type":"call-user","data":[]}`,
	}
	for _, frame := range cases {
		_, err := ParseRequest([]byte(frame))
		if !errors.Is(err, ErrMalformedEnvelope) {
			t.Fatalf("ParseRequest(%s) err=%v, want ErrMalformedEnvelope", frame, err)
		}
	}
}

func TestRelayRoutesCoverTargetedTypes(t *testing.T) {
	want := map[string]string{
		TypeOffer:        TypeOffer,
		TypeAnswer:       TypeAnswer,
		TypeICECandidate: TypeICECandidate,
		TypeCallUser:     TypeIncomingCall,
		TypeCallAccepted: TypeCallAccepted,
		TypeRejectCall:   TypeCallRejected,
		TypeCallRejected: TypeCallRejected,
		TypeEndCall:      TypeCallEnded,
	}
	got := make(map[string]string, len(relayRoutes))
	for in, route := range relayRoutes {
		got[in] = route.outType
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("relay routes=%v, want %v", got, want)
	}
}

func TestUserInfoMarshalFlattensMetadata(t *testing.T) {
	u := UserInfo{
		ID:   "abc",
		Name: "Alice",
		Metadata: map[string]json.RawMessage{
			"avatar": json.RawMessage(`"cat.png"`),
			"name":   json.RawMessage(`"Mallory"`),
		},
	}
	b, err := json.Marshal(u)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[string]string
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := map[string]string{"id": "abc", "name": "Alice", "avatar": "cat.png"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got=%v, want %v", got, want)
	}
}

func TestEncodeOmitsEmptyData(t *testing.T) {
	b, err := encode(TypePong, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(b) != `{"type":"pong"}` {
		t.Fatalf("frame=%s, want %s", b, `{"type":"pong"}`)
	}
}
