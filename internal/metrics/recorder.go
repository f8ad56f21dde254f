package metrics

import (
	"context"

	"github.com/yukin371/streamgate/internal/eventbus"
)

// Attach subscribes the collectors to the stream lifecycle events of bus.
func Attach(bus *eventbus.EventBus) {
	bus.Subscribe(eventbus.EventStreamStarted, func(ctx context.Context, event eventbus.Event) error {
		InFlight.WithLabelValues(eventbus.StreamInfoFrom(event).Provider).Inc()
		return nil
	})

	bus.SubscribeGlobal(func(ctx context.Context, event eventbus.Event) error {
		info := eventbus.StreamInfoFrom(event)
		InFlight.WithLabelValues(info.Provider).Dec()
		RequestDuration.WithLabelValues(info.Provider).Observe(info.Duration.Seconds())
		ApproxTokensTotal.WithLabelValues(info.Provider, "input").Add(float64(info.InputTokens))

		if event.GetType() == eventbus.EventStreamFailed {
			RequestsTotal.WithLabelValues(info.Provider, "failed").Inc()
			return nil
		}
		RequestsTotal.WithLabelValues(info.Provider, "completed").Inc()
		ChunksTotal.WithLabelValues(info.Provider).Add(float64(info.Chunks))
		ApproxTokensTotal.WithLabelValues(info.Provider, "output").Add(float64(info.OutputTokens))
		return nil
	}, eventbus.FilterFinished())
}
