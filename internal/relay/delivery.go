package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dimspell/relayhost/internal/app/logger/logging"
	"github.com/dimspell/relayhost/internal/metrics"
	"github.com/dimspell/relayhost/internal/packet"
)

type Channel string

const (
	ChannelReliable   Channel = "reliable"
	ChannelUnreliable Channel = "unreliable"
)

// Delivery is the outcome of sending one packet to one recipient.
type Delivery struct {
	Recipient string
	Slot      int
	Admin     bool
	Channel   Channel
	Err       error
}

// DeliveryReport collects the outcome of a fan-out. Failures never abort the
// fan-out; callers inspect the report or ignore it.
type DeliveryReport struct {
	Deliveries []Delivery
}

func (r *DeliveryReport) add(d Delivery) {
	r.Deliveries = append(r.Deliveries, d)
}

func (r *DeliveryReport) Merge(other DeliveryReport) {
	r.Deliveries = append(r.Deliveries, other.Deliveries...)
}

// Delivered returns the number of successful deliveries.
func (r DeliveryReport) Delivered() int {
	n := 0
	for _, d := range r.Deliveries {
		if d.Err == nil {
			n++
		}
	}
	return n
}

func (r DeliveryReport) Failed() []Delivery {
	var failed []Delivery
	for _, d := range r.Deliveries {
		if d.Err != nil {
			failed = append(failed, d)
		}
	}
	return failed
}

// Err joins every delivery error, nil when all deliveries succeeded.
func (r DeliveryReport) Err() error {
	var errs []error
	for _, d := range r.Deliveries {
		if d.Err != nil {
			errs = append(errs, fmt.Errorf("%s (%s): %w", d.Recipient, d.Channel, d.Err))
		}
	}
	return errors.Join(errs...)
}

type recipient struct {
	slot  int
	admin bool
	conn  Connection
}

func deliver(ctx context.Context, logger *slog.Logger, to recipient, p packet.Packet, ch Channel) Delivery {
	var err error
	switch ch {
	case ChannelUnreliable:
		err = to.conn.SendUnreliable(ctx, p)
	default:
		err = to.conn.Send(ctx, p)
	}

	d := Delivery{
		Recipient: to.conn.Name(),
		Slot:      to.slot,
		Admin:     to.admin,
		Channel:   ch,
		Err:       err,
	}
	if err != nil {
		logger.Warn("Could not deliver packet",
			logging.Error(err),
			logging.PeerName(d.Recipient),
			logging.PeerAddr(to.conn.RemoteAddr()),
			"channel", ch,
			"type", p.Type.String())
		metrics.DeliveryFailures.WithLabelValues(string(ch)).Inc()
		return d
	}
	metrics.PacketOut.Inc()
	metrics.BytesSent.Add(float64(p.Len()))
	return d
}

// fanOut sends the packet to every recipient on each of the channels in turn.
// A failing recipient does not stop delivery to the others.
func fanOut(ctx context.Context, logger *slog.Logger, to []recipient, p packet.Packet, channels ...Channel) DeliveryReport {
	var report DeliveryReport
	for _, ch := range channels {
		for _, r := range to {
			report.add(deliver(ctx, logger, r, p, ch))
		}
	}
	return report
}
