package signaling

import (
	"fmt"
	"log/slog"

	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signal-relay/internal/rooms"
)

// Router addresses outbound frames by connection id. Every send is an
// enqueue onto the target's Sink; nothing here waits for delivery or retries.
type Router struct {
	reg     *registry.Registry
	rooms   *rooms.Directory
	metrics *metrics.Metrics
	logger  *slog.Logger

	missingTarget config.MissingTargetPolicy
}

func NewRouter(reg *registry.Registry, dir *rooms.Directory, m *metrics.Metrics, logger *slog.Logger, missingTarget config.MissingTargetPolicy) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if missingTarget == "" {
		missingTarget = config.DefaultMissingTargetPolicy
	}
	return &Router{
		reg:           reg,
		rooms:         dir,
		metrics:       m,
		logger:        logger,
		missingTarget: missingTarget,
	}
}

// SendTo enqueues an encoded frame for id. It reports false when id is not
// registered or its outbound queue rejected the frame.
func (r *Router) SendTo(id string, frame []byte) bool {
	conn, err := r.reg.Lookup(id)
	if err != nil {
		return false
	}
	if conn.Sink == nil || !conn.Sink.Send(frame) {
		r.metrics.Inc(metrics.OutboundFramesDropped)
		r.logger.Debug("signal_frame_dropped", "conn_id", id)
		return false
	}
	return true
}

// Send encodes {type, data} and delivers it to id.
func (r *Router) Send(id, typ string, data any) bool {
	frame, err := encode(typ, data)
	if err != nil {
		r.logger.Error("signal_encode_failed", "type", typ, "err", err)
		return false
	}
	return r.SendTo(id, frame)
}

// Multicast delivers one encoded frame to every id in ids except exclude and
// returns the number of accepted deliveries.
func (r *Router) Multicast(ids []string, typ string, data any, exclude string) int {
	if len(ids) == 0 {
		return 0
	}
	frame, err := encode(typ, data)
	if err != nil {
		r.logger.Error("signal_encode_failed", "type", typ, "err", err)
		return 0
	}
	delivered := 0
	for _, id := range ids {
		if id == exclude {
			continue
		}
		if r.SendTo(id, frame) {
			delivered++
		}
	}
	return delivered
}

// BroadcastToRoom delivers to every member of roomID other than exclude.
func (r *Router) BroadcastToRoom(roomID, typ string, data any, exclude string) int {
	return r.Multicast(r.rooms.MembersOf(roomID), typ, data, exclude)
}

// BroadcastAll delivers to every registered connection other than exclude.
func (r *Router) BroadcastAll(typ string, data any, exclude string) int {
	conns := r.reg.List()
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.ID)
	}
	return r.Multicast(ids, typ, data, exclude)
}

// Relay forwards a targeted request from senderID. A missing target yields
// ErrTargetNotFound; under the reject policy the sender is also told. A frame
// addressed to the sender itself is never echoed back.
func (r *Router) Relay(senderID string, req RelayRequest) error {
	route, ok := relayRoutes[req.Type]
	if !ok {
		return fmt.Errorf("%w: %q is not a relayed type", ErrMalformedEnvelope, req.Type)
	}

	sender, err := r.reg.Lookup(senderID)
	if err != nil {
		return fmt.Errorf("relay %s from %s: %w", req.Type, senderID, err)
	}

	if req.Target == senderID {
		r.metrics.Inc(metrics.RelaySelfTargeted)
		r.logger.Debug("signal_relay_self_targeted", "conn_id", senderID, "type", req.Type)
		return nil
	}

	if _, err := r.reg.Lookup(req.Target); err != nil {
		r.metrics.Inc(metrics.RelayTargetNotFound)
		r.logger.Debug("signal_relay_target_missing",
			"conn_id", senderID,
			"type", req.Type,
			"target", req.Target,
			"policy", string(r.missingTarget),
		)
		if r.missingTarget == config.MissingTargetReject {
			r.Send(senderID, TypeError, errorData{
				Code:    CodeTargetNotFound,
				Message: "target is not connected",
				Type:    req.Type,
				Target:  req.Target,
			})
		}
		return fmt.Errorf("relay %s to %s: %w", req.Type, req.Target, ErrTargetNotFound)
	}

	if r.Send(req.Target, route.outType, relayData(route, req.Payload, sender.ID, sender.Name)) {
		r.metrics.Inc(metrics.MessagesRelayed)
	}
	return nil
}
