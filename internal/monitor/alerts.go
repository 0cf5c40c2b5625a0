package monitor

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"trade-sentinel/internal/events"
)

var log = logrus.WithField("component", "monitor")

// AlertSink delivers alert text somewhere a human will see it.
type AlertSink interface {
	Send(message string) error
}

// LogSink writes alerts to the log at warn level.
type LogSink struct{}

func (LogSink) Send(message string) error {
	log.Warn(message)
	return nil
}

// Relay forwards operational events from the bus to alert sinks.
type Relay struct {
	Bus   *events.Bus
	Sinks []AlertSink
}

// Start runs until ctx is done.
func (r *Relay) Start(ctx context.Context) {
	if r.Bus == nil || len(r.Sinks) == 0 {
		log.Info("alert relay not configured; skipping")
		return
	}
	stream, unsub := r.Bus.Subscribe(64,
		events.EventTriggerFired, events.EventCloseFailed, events.EventRiskAlert, events.EventOrderRejected)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-stream:
				if !ok {
					return
				}
				text := formatAlert(msg)
				for _, s := range r.Sinks {
					if err := s.Send(text); err != nil {
						log.WithError(err).Error("alert delivery failed")
					}
				}
			}
		}
	}()
}

func formatAlert(msg events.Message) string {
	ts := msg.At.Format("2006-01-02 15:04:05")
	switch p := msg.Payload.(type) {
	case events.TriggerFired:
		return fmt.Sprintf("[%s] %s fired for position %d %s at %.8g (threshold %.8g)",
			ts, p.Kind, p.PositionID, p.Symbol, p.Price, p.Threshold)
	case events.CloseFailed:
		return fmt.Sprintf("[%s] close of position %d %s (%s) failed: %s",
			ts, p.PositionID, p.Symbol, p.Reason, p.Error)
	case string:
		return fmt.Sprintf("[%s] %s: %s", ts, msg.Event, p)
	default:
		return fmt.Sprintf("[%s] %s", ts, msg.Event)
	}
}
