package streaming

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/YourDaypilot/orchestration/internal/metrics"
)

// Sink persists or forwards events outside the process.
type Sink interface {
	Name() string
	Write(ctx context.Context, evt Event) error
}

// Forward drains events matching pattern into sink until ctx ends or the
// manager closes. A failed write is logged and counted; it never reaches
// back to publishers.
func Forward(ctx context.Context, m *Manager, pattern string, sink Sink, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := m.Subscribe(pattern, 0)
	defer m.Unsubscribe(sub)

	logger.Info("Event sink attached", zap.String("sink", sink.Name()), zap.String("pattern", sub.Pattern()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := sink.Write(wctx, evt)
			cancel()
			if err != nil {
				metrics.SinkWrites.WithLabelValues(sink.Name(), "error").Inc()
				logger.Warn("Event sink write failed",
					zap.String("sink", sink.Name()),
					zap.String("topic", evt.Topic),
					zap.Uint64("seq", evt.Seq),
					zap.Error(err),
				)
				continue
			}
			metrics.SinkWrites.WithLabelValues(sink.Name(), "ok").Inc()
		}
	}
}
