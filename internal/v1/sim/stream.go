package sim

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/logging"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/metrics"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/substrate"
	"github.com/cosimlabs/cosim/backend/go/internal/v1/types"
)

// Subscriber is one attached frame consumer. Frames arrive in publish
// order; when the buffer is full the oldest frame is dropped so a slow
// consumer never slows the control loop.
type Subscriber struct {
	Frames chan *Frame
	Events chan *streamEnvelope

	sessionID types.SessionIdType
	fromFrame uint64
	router    *streamRouter
}

// StatusEvent is the client-visible form of a status envelope.
type StatusEvent struct {
	Type       string              `json:"type"`
	SessionId  types.SessionIdType `json:"session_id"`
	Status     types.SessionStatus `json:"status"`
	Degraded   bool                `json:"degraded"`
	FrameIndex uint64              `json:"frame_index"`
	SimTime    float64             `json:"sim_time"`
}

// streamRouter fans substrate frame channels out to local subscribers.
// One substrate subscription per session per node, reference-counted:
// the node unsubscribes when the last local subscriber detaches.
type streamRouter struct {
	sub        *substrate.Service
	bufferSize int

	mu    sync.Mutex
	feeds map[types.SessionIdType]*sessionFeed
}

type sessionFeed struct {
	cancel context.CancelFunc
	subs   map[*Subscriber]struct{}
}

func newStreamRouter(sub *substrate.Service, bufferSize int) *streamRouter {
	if bufferSize < 1 {
		bufferSize = 4
	}
	return &streamRouter{
		sub:        sub,
		bufferSize: bufferSize,
		feeds:      make(map[types.SessionIdType]*sessionFeed),
	}
}

// Subscribe attaches a consumer to a session's frame stream, skipping
// frames below fromFrame.
func (r *streamRouter) Subscribe(ctx context.Context, sessionID types.SessionIdType, fromFrame uint64) *Subscriber {
	sub := &Subscriber{
		Frames:    make(chan *Frame, r.bufferSize),
		Events:    make(chan *streamEnvelope, r.bufferSize),
		sessionID: sessionID,
		fromFrame: fromFrame,
		router:    r,
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	feed, ok := r.feeds[sessionID]
	if !ok {
		feedCtx, cancel := context.WithCancel(context.Background())
		feed = &sessionFeed{cancel: cancel, subs: make(map[*Subscriber]struct{})}
		r.feeds[sessionID] = feed
		r.sub.Subscribe(feedCtx, framesChannel(sessionID), nil, func(data []byte) {
			r.dispatch(sessionID, data)
		})
		logging.Info(ctx, "Opened frame feed", zap.String("session_id", string(sessionID)))
	}
	feed.subs[sub] = struct{}{}
	metrics.StreamSubscribers.WithLabelValues(string(sessionID)).Inc()
	return sub
}

// Unsubscribe detaches the consumer; the per-session substrate
// subscription is closed when the local count reaches zero.
func (s *Subscriber) Unsubscribe() {
	r := s.router
	r.mu.Lock()
	defer r.mu.Unlock()

	feed, ok := r.feeds[s.sessionID]
	if !ok {
		return
	}
	if _, present := feed.subs[s]; !present {
		return
	}
	delete(feed.subs, s)
	metrics.StreamSubscribers.WithLabelValues(string(s.sessionID)).Dec()
	if len(feed.subs) == 0 {
		feed.cancel()
		delete(r.feeds, s.sessionID)
		logging.Info(context.Background(), "Closed frame feed", zap.String("session_id", string(s.sessionID)))
	}
}

func (r *streamRouter) dispatch(sessionID types.SessionIdType, data []byte) {
	env, err := decodeStreamEnvelope(data)
	if err != nil {
		logging.Warn(context.Background(), "Dropping malformed stream envelope",
			zap.String("session_id", string(sessionID)), zap.Error(err))
		return
	}

	r.mu.Lock()
	feed, ok := r.feeds[sessionID]
	if !ok {
		r.mu.Unlock()
		return
	}
	subs := make([]*Subscriber, 0, len(feed.subs))
	for sub := range feed.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(env)
	}
}

func (s *Subscriber) deliver(env *streamEnvelope) {
	if env.Kind == envelopeKindStatus {
		select {
		case s.Events <- env:
		default:
			// Status events are tiny and latest-wins; drop the oldest.
			select {
			case <-s.Events:
			default:
			}
			select {
			case s.Events <- env:
			default:
			}
		}
		return
	}

	if env.FrameIndex < s.fromFrame || len(env.Image) == 0 {
		return
	}
	frame := &Frame{
		SessionId:  env.SessionId,
		FrameIndex: env.FrameIndex,
		SimTime:    env.SimTime,
		ProducedAt: env.ProducedAt,
		Image:      env.Image,
	}
	for {
		select {
		case s.Frames <- frame:
			return
		default:
		}
		// Buffer full: drop the oldest frame, never block the feed.
		select {
		case <-s.Frames:
			metrics.FramesDropped.WithLabelValues(string(s.sessionID)).Inc()
		default:
		}
	}
}
