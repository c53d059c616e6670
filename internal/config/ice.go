package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

var (
	errICESourcesMixed  = fmt.Errorf("set either %s or the STUN/TURN url variables, not both", envICEServersJSON)
	errTURNStaticCreds  = errors.New("turn credentials are minted per request; remove the static username/credential")
	errTURNMissingCreds = errors.New("turn urls require username and credential")
)

// ICESource is the raw ICE configuration handed to browsers by GET
// /webrtc/ice: either a full RTCIceServer JSON array or the STUN/TURN
// shorthand variables.
type ICESource struct {
	JSON string

	STUNURLs       string
	TURNURLs       string
	TURNUsername   string
	TURNCredential string
}

// Servers validates the source and returns the browser-facing list. With
// minted set, TURN entries must carry no credentials of their own since every
// /webrtc/ice response overwrites them with fresh TURN REST ones.
func (src ICESource) Servers(minted bool) ([]webrtc.ICEServer, error) {
	raw := strings.TrimSpace(src.JSON)
	shorthand := strings.TrimSpace(src.STUNURLs+src.TURNURLs) != ""

	switch {
	case raw != "" && shorthand:
		return nil, errICESourcesMixed
	case raw != "":
		servers, err := parseICEServersJSON(raw, minted)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	default:
		return src.shorthandServers(minted)
	}
}

func (src ICESource) shorthandServers(minted bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitCommaSeparated(src.STUNURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := checkICEServer(server, minted); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(src.TURNURLs); len(urls) > 0 {
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(src.TURNUsername),
		}
		if cred := strings.TrimSpace(src.TURNCredential); cred != "" {
			server.Credential = cred
		}
		if err := checkICEServer(server, minted); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

// iceServerJSON mirrors the browser RTCIceServer dictionary, where urls is a
// string or a list of strings.
type iceServerJSON struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username"`
	Credential string          `json:"credential"`
}

func (s iceServerJSON) urls() ([]string, error) {
	if len(s.URLs) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(s.URLs, &one); err == nil {
		return splitCommaSeparated(one), nil
	}
	var many []string
	if err := json.Unmarshal(s.URLs, &many); err != nil {
		return nil, errors.New("urls must be a string or an array of strings")
	}
	out := many[:0]
	for _, u := range many {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out, nil
}

func parseICEServersJSON(raw string, minted bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := entry.urls()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := webrtc.ICEServer{URLs: urls, Username: strings.TrimSpace(entry.Username)}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = cred
		}
		if err := checkICEServer(server, minted); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// checkICEServer parses every URL with pion's STUN URI parser so the browser
// never receives a list its RTCPeerConnection would refuse.
func checkICEServer(server webrtc.ICEServer, minted bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	turn := false
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			turn = true
		}
	}
	if !turn {
		return nil
	}

	cred, _ := server.Credential.(string)
	hasCreds := server.Username != "" || cred != ""
	switch {
	case minted && hasCreds:
		return errTURNStaticCreds
	case !minted && (server.Username == "" || cred == ""):
		return errTURNMissingCreds
	}
	return nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
