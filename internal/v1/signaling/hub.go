package signaling

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// Substrate key layout for the signaling relay.
const (
	roomsIndexKey = "signaling:rooms"
	relayChannel  = "signaling:relay"
)

func roomMembersKey(room types.RoomIdType) string {
	return "signaling:rooms:" + string(room) + ":members"
}
func clientKey(id types.ClientIdType) string {
	return "signaling:clients:" + string(id)
}
func serverKey(node types.NodeIdType) string {
	return "signaling:servers:" + string(node)
}

// clientRecordTTL bounds every per-client substrate record so crashed
// nodes leak nothing; live nodes refresh on heartbeat.
const clientRecordTTL = 30 * time.Second

// Hub owns every signaling client connected to this node and relays
// cross-node traffic through the substrate. Cluster-visible state
// (client hashes, room sets) lives in the substrate only; the local
// maps are a per-node delivery index.
type Hub struct {
	sub               *substrate.Service
	nodeID            types.NodeIdType
	heartbeatInterval time.Duration

	mu              sync.Mutex
	clients         map[types.ClientIdType]*Client
	rooms           map[types.RoomIdType]map[types.ClientIdType]*Client
	pendingCleanups map[types.RoomIdType]*time.Timer

	cleanupGracePeriod time.Duration
	cancel             context.CancelFunc
	wg                 sync.WaitGroup
}

// NewHub creates a signaling hub for this node.
func NewHub(sub *substrate.Service, nodeID types.NodeIdType, heartbeatInterval time.Duration) *Hub {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 5 * time.Second
	}
	return &Hub{
		sub:                sub,
		nodeID:             nodeID,
		heartbeatInterval:  heartbeatInterval,
		clients:            make(map[types.ClientIdType]*Client),
		rooms:              make(map[types.RoomIdType]map[types.ClientIdType]*Client),
		pendingCleanups:    make(map[types.RoomIdType]*time.Timer),
		cleanupGracePeriod: 5 * time.Second,
	}
}

// Start launches the relay subscription and the heartbeat loop.
func (h *Hub) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.sub.Subscribe(runCtx, relayChannel, &h.wg, func(data []byte) {
		h.handleRelay(runCtx, data)
	})

	h.wg.Add(1)
	go h.heartbeatLoop(runCtx)
}

// Stop halts background loops; connected clients are closed by their
// own pumps when the server shuts the listener down.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Register admits an accepted WebSocket connection: the client gets an
// identity and a welcome envelope, then its pumps take over.
func (h *Hub) Register(ctx context.Context, id types.ClientIdType, conn wsConnection) *Client {
	client := newClient(id, h, conn)
	h.mu.Lock()
	h.clients[id] = client
	h.mu.Unlock()

	metrics.IncConnection()
	client.Send(&Envelope{Type: TypeWelcome, ClientId: id})
	logging.Info(ctx, "Signaling client connected", zap.String("clientId", string(id)))
	return client
}

// handleEnvelope routes one inbound client message.
func (h *Hub) handleEnvelope(ctx context.Context, c *Client, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.Send(errorEnvelope("invalid_input", "malformed envelope"))
		return
	}

	switch env.Type {
	case TypeJoin:
		h.handleJoin(ctx, c, &env)
	case TypeOffer, TypeAnswer, TypeIceCandidate:
		h.routeToTarget(ctx, c, &env)
	case TypeLeave:
		h.disconnect(ctx, c)
	default:
		c.Send(errorEnvelope("invalid_input", "unknown envelope type: "+env.Type))
	}
}

// handleJoin registers room membership. The multi-key write (client
// hash + member set + rooms index) commits atomically so no reader
// observes a member without its hash.
func (h *Hub) handleJoin(ctx context.Context, c *Client, env *Envelope) {
	if env.RoomId == "" || !types.ValidRole(env.Role) {
		// Invalid join leaves the client's state unchanged.
		c.Send(errorEnvelope("invalid_input", "join requires roomId and a valid role"))
		return
	}
	if c.Room() != "" {
		c.Send(errorEnvelope("invalid_transition", "client already joined a room"))
		return
	}

	err := h.sub.Tx(ctx, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, clientKey(c.ID), map[string]interface{}{
			"room_id": string(env.RoomId),
			"role":    string(env.Role),
			"node_id": string(h.nodeID),
		})
		pipe.Expire(ctx, clientKey(c.ID), clientRecordTTL)
		pipe.SAdd(ctx, roomMembersKey(env.RoomId), string(c.ID))
		pipe.SAdd(ctx, roomsIndexKey, string(env.RoomId))
	})
	if err != nil {
		c.Send(errorEnvelope("unavailable", "could not register membership"))
		return
	}

	c.setMembership(env.RoomId, env.Role)

	h.mu.Lock()
	members, ok := h.rooms[env.RoomId]
	if !ok {
		members = make(map[types.ClientIdType]*Client)
		h.rooms[env.RoomId] = members
		metrics.ActiveRooms.Inc()
	}
	if timer, pending := h.pendingCleanups[env.RoomId]; pending {
		timer.Stop()
		delete(h.pendingCleanups, env.RoomId)
	}
	members[c.ID] = c
	h.mu.Unlock()
	metrics.RoomParticipants.WithLabelValues(string(env.RoomId)).Inc()

	participants := h.participants(ctx, env.RoomId)
	c.Send(&Envelope{Type: TypeJoined, RoomId: env.RoomId, Participants: participants})
	h.broadcastLocal(env.RoomId, c.ID, &Envelope{
		Type:   TypePeerJoined,
		RoomId: env.RoomId,
		FromId: c.ID,
		Role:   env.Role,
	})
	logging.Info(ctx, "Client joined room",
		zap.String("clientId", string(c.ID)),
		zap.String("roomId", string(env.RoomId)),
		zap.String("role", string(env.Role)))
}

// participants reads the cluster-wide member list for a room.
func (h *Hub) participants(ctx context.Context, room types.RoomIdType) []types.ClientInfo {
	ids, err := h.sub.SetMembers(ctx, roomMembersKey(room))
	if err != nil {
		logging.Warn(ctx, "Failed to read room members", zap.String("roomId", string(room)), zap.Error(err))
		return nil
	}
	out := make([]types.ClientInfo, 0, len(ids))
	for _, id := range ids {
		fields, err := h.sub.HGetAll(ctx, clientKey(types.ClientIdType(id)))
		if err != nil || len(fields) == 0 {
			continue
		}
		out = append(out, types.ClientInfo{
			ClientId: types.ClientIdType(id),
			Role:     types.RoleType(fields["role"]),
			NodeId:   types.NodeIdType(fields["node_id"]),
		})
	}
	return out
}

// routeToTarget delivers offer/answer/ice-candidate envelopes: locally
// when the target lives on this node, via the relay channel otherwise.
// Unknown targets error for offer/answer and drop silently for ICE.
func (h *Hub) routeToTarget(ctx context.Context, from *Client, env *Envelope) {
	if env.TargetId == "" {
		from.Send(errorEnvelope("invalid_input", env.Type+" requires targetId"))
		return
	}
	env.FromId = from.ID

	h.mu.Lock()
	target, local := h.clients[env.TargetId]
	h.mu.Unlock()
	if local {
		target.Send(env)
		metrics.RelayMessages.WithLabelValues("local", "delivered").Inc()
		return
	}

	fields, err := h.sub.HGetAll(ctx, clientKey(env.TargetId))
	if err != nil || len(fields) == 0 {
		h.reportMissing(from, env)
		return
	}
	targetNode := types.NodeIdType(fields["node_id"])

	msg := relayMessage{
		OriginNode: h.nodeID,
		TargetNode: targetNode,
		TargetId:   env.TargetId,
		Payload:    env,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := h.sub.Publish(ctx, relayChannel, data); err != nil {
		metrics.RelayMessages.WithLabelValues("outbound", "failed").Inc()
		from.Send(errorEnvelope("unavailable", "relay publish failed"))
		return
	}
	metrics.RelayMessages.WithLabelValues("outbound", "published").Inc()
}

// reportMissing applies the per-type miss policy: offers and answers
// surface TargetMissing, ICE candidates drop silently.
func (h *Hub) reportMissing(from *Client, env *Envelope) {
	metrics.RelayMessages.WithLabelValues("outbound", "target_missing").Inc()
	if env.Type == TypeIceCandidate {
		return
	}
	from.Send(&Envelope{
		Type:     TypeError,
		Kind:     "target_missing",
		Message:  "target client not connected",
		TargetId: env.TargetId,
	})
}

// handleRelay processes one inbound message from signaling:relay.
func (h *Hub) handleRelay(ctx context.Context, data []byte) {
	var msg relayMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warn(ctx, "Dropping malformed relay message", zap.Error(err))
		return
	}
	if msg.OriginNode == h.nodeID || msg.TargetNode != h.nodeID || msg.Payload == nil {
		return
	}

	h.mu.Lock()
	target, ok := h.clients[msg.TargetId]
	h.mu.Unlock()
	if !ok {
		// The target moved or vanished after the origin's lookup.
		metrics.RelayMessages.WithLabelValues("inbound", "target_missing").Inc()
		if msg.Payload.Type != TypeIceCandidate {
			h.notifyOrigin(ctx, msg)
		}
		return
	}
	target.Send(msg.Payload)
	metrics.RelayMessages.WithLabelValues("inbound", "delivered").Inc()
}

// notifyOrigin bounces a TargetMissing error back to the sender's node.
func (h *Hub) notifyOrigin(ctx context.Context, msg relayMessage) {
	bounce := relayMessage{
		OriginNode: h.nodeID,
		TargetNode: msg.OriginNode,
		TargetId:   msg.Payload.FromId,
		Payload: &Envelope{
			Type:     TypeError,
			Kind:     "target_missing",
			Message:  "target client not connected",
			TargetId: msg.TargetId,
		},
	}
	data, err := json.Marshal(bounce)
	if err != nil {
		return
	}
	_ = h.sub.Publish(ctx, relayChannel, data)
}

// disconnect removes the client everywhere. Leaves are best-effort:
// crash recovery is implicit via the substrate TTLs.
func (h *Hub) disconnect(ctx context.Context, c *Client) {
	h.mu.Lock()
	if _, present := h.clients[c.ID]; !present {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.ID)
	room := c.Room()
	if room != "" {
		if members, ok := h.rooms[room]; ok {
			delete(members, c.ID)
			if len(members) == 0 {
				h.scheduleRoomCleanupLocked(room)
			}
		}
	}
	h.mu.Unlock()

	metrics.DecConnection()
	if room != "" {
		metrics.RoomParticipants.WithLabelValues(string(room)).Dec()
	}

	if room != "" {
		err := h.sub.Tx(ctx, func(pipe redis.Pipeliner) {
			pipe.SRem(ctx, roomMembersKey(room), string(c.ID))
			pipe.Del(ctx, clientKey(c.ID))
		})
		if err != nil {
			logging.Warn(ctx, "Best-effort leave failed", zap.String("clientId", string(c.ID)), zap.Error(err))
		}
		if count, err := h.sub.SetCard(ctx, roomMembersKey(room)); err == nil && count == 0 {
			_ = h.sub.SetRem(ctx, roomsIndexKey, string(room))
		}
		h.broadcastLocal(room, c.ID, &Envelope{Type: TypePeerLeft, RoomId: room, FromId: c.ID})
	} else {
		_ = h.sub.Del(ctx, clientKey(c.ID))
	}

	logging.Info(ctx, "Signaling client disconnected", zap.String("clientId", string(c.ID)))
}

// scheduleRoomCleanupLocked delays dropping the local room map so a
// quickly reconnecting client keeps its room warm. Callers hold h.mu.
func (h *Hub) scheduleRoomCleanupLocked(room types.RoomIdType) {
	if timer, exists := h.pendingCleanups[room]; exists {
		timer.Stop()
	}
	h.pendingCleanups[room] = time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if members, ok := h.rooms[room]; ok && len(members) == 0 {
			delete(h.rooms, room)
			metrics.ActiveRooms.Dec()
			metrics.RoomParticipants.DeleteLabelValues(string(room))
		}
		delete(h.pendingCleanups, room)
	})
}

// broadcastLocal fans an envelope out to the room's clients on this
// node, excluding the originator. Remote peers learn membership from
// their own node's broadcasts.
func (h *Hub) broadcastLocal(room types.RoomIdType, except types.ClientIdType, env *Envelope) {
	h.mu.Lock()
	targets := make([]*Client, 0)
	for id, client := range h.rooms[room] {
		if id == except {
			continue
		}
		targets = append(targets, client)
	}
	h.mu.Unlock()
	for _, client := range targets {
		client.Send(env)
	}
}

// heartbeatLoop publishes this node's liveness record. A node that
// stops heartbeating falls out of the routing table after the TTL.
func (h *Hub) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.heartbeatInterval)
	defer ticker.Stop()

	h.publishHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.publishHeartbeat(ctx)
		}
	}
}

func (h *Hub) publishHeartbeat(ctx context.Context) {
	h.mu.Lock()
	connections := len(h.clients)
	rooms := len(h.rooms)
	joined := make([]types.ClientIdType, 0, connections)
	for id, c := range h.clients {
		if c.Room() != "" {
			joined = append(joined, id)
		}
	}
	h.mu.Unlock()

	err := h.sub.HSet(ctx, serverKey(h.nodeID), map[string]interface{}{
		"connections": strconv.Itoa(connections),
		"rooms":       strconv.Itoa(rooms),
		"updated_at":  time.Now().UTC().Format(time.RFC3339),
	}, clientRecordTTL)
	if err != nil {
		logging.Warn(ctx, "Heartbeat publish failed", zap.Error(err))
	}

	// Client records expire with the node; each beat pushes the TTL of
	// every still-connected client's record out again so cross-node
	// routing keeps finding them.
	if len(joined) == 0 {
		return
	}
	err = h.sub.Tx(ctx, func(pipe redis.Pipeliner) {
		for _, id := range joined {
			pipe.Expire(ctx, clientKey(id), clientRecordTTL)
		}
	})
	if err != nil {
		logging.Warn(ctx, "Client record refresh failed", zap.Error(err))
	}
}

// ClientCount reports local connections, for health introspection.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
