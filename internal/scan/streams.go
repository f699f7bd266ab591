package scan

import (
	"context"
	"time"

	"github.com/sentinelhq/sentinel/internal/alert"
)

// StreamAlerts returns a channel emitting each violation accepted by the
// pipeline, in append order. The channel closes when ctx is cancelled or
// the scanner stops. A consumer that falls more than the buffer behind
// misses intermediate violations.
func (s *Scanner) StreamAlerts(ctx context.Context) <-chan *alert.Violation {
	sub, in := s.hub.Subscribe(TopicAlerts)
	out := make(chan *alert.Violation, subscriberBufSize)

	go func() {
		defer close(out)
		defer s.hub.Unsubscribe(TopicAlerts, sub)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				v, ok := msg.(*alert.Violation)
				if !ok {
					continue
				}
				select {
				case out <- v:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// StreamMetrics returns a channel emitting, at 5 s granularity, the
// latest MetricData of every datasource fetched since the previous
// emission. Fed by the executor's metric publishes; closes when ctx is
// cancelled or the scanner stops.
func (s *Scanner) StreamMetrics(ctx context.Context) <-chan map[string]alert.MetricData {
	sub, in := s.hub.Subscribe(TopicMetrics)
	out := make(chan map[string]alert.MetricData, 4)

	go func() {
		defer close(out)
		defer s.hub.Unsubscribe(TopicMetrics, sub)
		pending := make(map[string]alert.MetricData)
		ticker := time.NewTicker(s.metricPoll)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-in:
				if !ok {
					return
				}
				if md, ok := msg.(*alert.MetricData); ok {
					pending[md.Datasource] = *md
				}
			case <-ticker.C:
				if len(pending) == 0 {
					continue
				}
				batch := pending
				pending = make(map[string]alert.MetricData)
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
