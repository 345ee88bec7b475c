package collab

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

func docKey(id types.DocIdType) string { return "docs:" + string(id) }
func awarenessChannel(id types.DocIdType) string {
	return "awareness:" + string(id)
}

// flushDelay coalesces write-behind persistence: many updates inside
// the window cost one substrate write.
const flushDelay = 50 * time.Millisecond

// channelMessage is the fan-out shape on awareness:{doc_id}. CRDT
// updates and awareness share the channel, discriminated by Kind.
// Origin carries the publishing node so subscribers skip their own
// messages.
type channelMessage struct {
	Kind    string           `json:"kind"` // "update" or "awareness"
	Origin  types.NodeIdType `json:"origin"`
	From    string           `json:"from,omitempty"`
	Payload []byte           `json:"payload"`
}

const (
	kindUpdate    = "update"
	kindAwareness = "awareness"
)

// DocClient is one attached editor. The WS layer drains Outbound.
type DocClient struct {
	ID       string
	docID    types.DocIdType
	Outbound chan OutboundMessage

	closeOnce sync.Once
}

// OutboundMessage is a typed payload for the binary WS protocol.
type OutboundMessage struct {
	Kind    string
	Payload []byte
}

func (c *DocClient) push(msg OutboundMessage) {
	select {
	case c.Outbound <- msg:
	default:
		// An editor that cannot drain its queue loses intermediate
		// awareness/updates; the CRDT converges regardless once it
		// catches up from the encoded state.
	}
}

func (c *DocClient) close() {
	c.closeOnce.Do(func() { close(c.Outbound) })
}

type docSession struct {
	doc    *Document
	subs   map[*DocClient]struct{}
	cancel context.CancelFunc

	flushMu    sync.Mutex
	flushTimer *time.Timer
}

// Manager owns every open document on this node: the in-memory CRDT,
// its local editors, the per-document awareness subscription and the
// write-behind persistence loop.
type Manager struct {
	sub    *substrate.Service
	nodeID types.NodeIdType

	mu   sync.Mutex
	docs map[types.DocIdType]*docSession
}

// NewManager creates a document manager for this node.
func NewManager(sub *substrate.Service, nodeID types.NodeIdType) *Manager {
	return &Manager{
		sub:    sub,
		nodeID: nodeID,
		docs:   make(map[types.DocIdType]*docSession),
	}
}

// Attach connects an editor to a document, loading the persisted state
// and opening the awareness subscription on first local attach. The
// returned initial state is the full encoded document.
func (m *Manager) Attach(ctx context.Context, docID types.DocIdType, clientID string) (*DocClient, []byte, error) {
	m.mu.Lock()
	session, ok := m.docs[docID]
	if !ok {
		doc := NewDocument(string(m.nodeID))
		if raw, found, err := m.sub.Get(ctx, docKey(docID)); err != nil {
			m.mu.Unlock()
			return nil, nil, err
		} else if found {
			if err := doc.ApplyUpdate([]byte(raw)); err != nil {
				logging.Warn(ctx, "Persisted document state is unreadable, starting empty",
					zap.String("docId", string(docID)), zap.Error(err))
			}
		}

		subCtx, cancel := context.WithCancel(context.Background())
		session = &docSession{
			doc:    doc,
			subs:   make(map[*DocClient]struct{}),
			cancel: cancel,
		}
		m.docs[docID] = session
		m.sub.Subscribe(subCtx, awarenessChannel(docID), nil, func(data []byte) {
			m.handleInbound(docID, data)
		})
		metrics.DocumentsActive.Inc()
		logging.Info(ctx, "Opened document", zap.String("docId", string(docID)))
	}

	client := &DocClient{
		ID:       clientID,
		docID:    docID,
		Outbound: make(chan OutboundMessage, 64),
	}
	session.subs[client] = struct{}{}
	m.mu.Unlock()

	return client, session.doc.Encode(), nil
}

// Detach disconnects an editor. The last local editor closes the
// awareness subscription and flushes the document; the persisted state
// is retained with no TTL.
func (m *Manager) Detach(ctx context.Context, client *DocClient) {
	m.mu.Lock()
	session, ok := m.docs[client.docID]
	if !ok {
		m.mu.Unlock()
		client.close()
		return
	}
	delete(session.subs, client)
	last := len(session.subs) == 0
	if last {
		delete(m.docs, client.docID)
	}
	m.mu.Unlock()

	client.close()
	if last {
		session.cancel()
		m.flushNow(ctx, client.docID, session)
		metrics.DocumentsActive.Dec()
		logging.Info(ctx, "Closed document", zap.String("docId", string(client.docID)))
	}
}

// ApplyLocal merges an editor's CRDT update, schedules persistence and
// fans the update out to the other local editors and to the cluster.
func (m *Manager) ApplyLocal(ctx context.Context, from *DocClient, update []byte) error {
	m.mu.Lock()
	session, ok := m.docs[from.docID]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if err := session.doc.ApplyUpdate(update); err != nil {
		return err
	}
	metrics.CRDTUpdates.WithLabelValues("local").Inc()

	m.scheduleFlush(from.docID, session)
	m.fanOutLocal(from.docID, from, OutboundMessage{Kind: kindUpdate, Payload: update})
	m.publish(ctx, from.docID, channelMessage{
		Kind:    kindUpdate,
		Origin:  m.nodeID,
		From:    from.ID,
		Payload: update,
	})
	return nil
}

// RelayAwareness forwards an editor's awareness payload (cursor,
// selection, user metadata) locally and across nodes. Awareness is
// ephemeral and never persisted.
func (m *Manager) RelayAwareness(ctx context.Context, from *DocClient, payload []byte) {
	m.fanOutLocal(from.docID, from, OutboundMessage{Kind: kindAwareness, Payload: payload})
	m.publish(ctx, from.docID, channelMessage{
		Kind:    kindAwareness,
		Origin:  m.nodeID,
		From:    from.ID,
		Payload: payload,
	})
}

// handleInbound processes one message from awareness:{doc_id}. The
// origin marker suppresses this node's own echo.
func (m *Manager) handleInbound(docID types.DocIdType, data []byte) {
	var msg channelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		logging.Warn(context.Background(), "Dropping malformed document channel message",
			zap.String("docId", string(docID)), zap.Error(err))
		return
	}
	if msg.Origin == m.nodeID {
		return
	}

	m.mu.Lock()
	session, ok := m.docs[docID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if msg.Kind == kindUpdate {
		if err := session.doc.ApplyUpdate(msg.Payload); err != nil {
			logging.Warn(context.Background(), "Inbound CRDT update rejected",
				zap.String("docId", string(docID)), zap.Error(err))
			return
		}
		metrics.CRDTUpdates.WithLabelValues("remote").Inc()
		m.scheduleFlush(docID, session)
	}
	m.fanOutLocal(docID, nil, OutboundMessage{Kind: msg.Kind, Payload: msg.Payload})
}

func (m *Manager) fanOutLocal(docID types.DocIdType, except *DocClient, msg OutboundMessage) {
	m.mu.Lock()
	session, ok := m.docs[docID]
	if !ok {
		m.mu.Unlock()
		return
	}
	targets := make([]*DocClient, 0, len(session.subs))
	for client := range session.subs {
		if client == except {
			continue
		}
		targets = append(targets, client)
	}
	m.mu.Unlock()

	for _, client := range targets {
		client.push(msg)
	}
}

func (m *Manager) publish(ctx context.Context, docID types.DocIdType, msg channelMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := m.sub.Publish(ctx, awarenessChannel(docID), data); err != nil {
		logging.Warn(ctx, "Document channel publish failed",
			zap.String("docId", string(docID)), zap.Error(err))
	}
}

// scheduleFlush arms the write-behind timer; bursts of updates inside
// flushDelay collapse into a single substrate write.
func (m *Manager) scheduleFlush(docID types.DocIdType, session *docSession) {
	session.flushMu.Lock()
	defer session.flushMu.Unlock()
	if session.flushTimer != nil {
		return
	}
	session.flushTimer = time.AfterFunc(flushDelay, func() {
		session.flushMu.Lock()
		session.flushTimer = nil
		session.flushMu.Unlock()
		m.flushNow(context.Background(), docID, session)
	})
}

func (m *Manager) flushNow(ctx context.Context, docID types.DocIdType, session *docSession) {
	session.flushMu.Lock()
	if session.flushTimer != nil {
		session.flushTimer.Stop()
		session.flushTimer = nil
	}
	session.flushMu.Unlock()

	// Document state is retained indefinitely (no TTL); it only goes
	// away with its workspace.
	if err := m.sub.Set(ctx, docKey(docID), string(session.doc.Encode()), 0); err != nil {
		logging.Warn(ctx, "Document persistence failed",
			zap.String("docId", string(docID)), zap.Error(err))
	}
}

// Text returns the visible text of an open document, for diagnostics.
func (m *Manager) Text(docID types.DocIdType) (string, bool) {
	m.mu.Lock()
	session, ok := m.docs[docID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	return session.doc.Text(), true
}
