package substrate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/cosimlabs/cosim/backend/go/internal/v1/reconnect"
)

// Publish broadcasts raw bytes on a channel. Message envelopes are owned
// by the publishing component; the substrate only moves bytes.
func (s *Service) Publish(ctx context.Context, channel string, data []byte) error {
	_, err := s.execute("publish", func() (interface{}, error) {
		return nil, s.client.Publish(ctx, channel, data).Err()
	})
	return err
}

// Subscribe starts a background goroutine that delivers every message
// published on channel after the subscription is live. Per-channel FIFO
// is preserved; there is no replay. The goroutine survives transient
// substrate failures by resubscribing with jittered backoff and exits
// when ctx is cancelled.
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(data []byte)) {
	if wg != nil {
		wg.Add(1)
	}
	go func() {
		if wg != nil {
			defer wg.Done()
		}

		machine := reconnect.NewMachine(reconnect.DefaultPolicy())
		for {
			if ctx.Err() != nil {
				return
			}

			machine.Connecting()
			pubsub := s.client.Subscribe(ctx, channel)

			// Force the subscription onto the wire before reporting Open,
			// so publishers racing with us are ordered behind the subscribe.
			if _, err := pubsub.Receive(ctx); err != nil {
				_ = pubsub.Close()
				delay, giveUp := machine.Failed()
				if giveUp {
					slog.Error("Substrate subscription gave up", "channel", channel, "error", err)
					return
				}
				slog.Warn("Substrate subscribe failed, backing off", "channel", channel, "delay", delay, "error", err)
				if !reconnect.Sleep(ctx, delay) {
					return
				}
				continue
			}
			machine.Opened()
			slog.Info("Subscribed to substrate channel", "channel", channel)

			ch := pubsub.Channel()
			closed := false
			for !closed {
				select {
				case <-ctx.Done():
					_ = pubsub.Close()
					return
				case msg, ok := <-ch:
					if !ok {
						closed = true
						break
					}
					handler([]byte(msg.Payload))
				}
			}

			_ = pubsub.Close()
			delay, giveUp := machine.Failed()
			if giveUp {
				slog.Error("Substrate subscription channel closed permanently", "channel", channel)
				return
			}
			slog.Warn("Substrate subscription dropped, reconnecting", "channel", channel, "delay", delay)
			if !reconnect.Sleep(ctx, delay) {
				return
			}
		}
	}()
}
