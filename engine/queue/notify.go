package queue

import (
	"context"

	"github.com/nats-io/nats.go"

	"github.com/dealdocs/pipeline/pkg/natsutil"
)

// WakeSubjectPrefix namespaces the best-effort dequeue-wakeup subjects
// published on enqueue, one per job name, grounded on pkg/natsutil's
// typed-subject conventions and the dequeue-wakeup wiring named in
// SPEC_FULL.md §3 for github.com/nats-io/nats.go.
const WakeSubjectPrefix = "pipeline.queue.wake."

// wakeMessage is the (empty) payload natsutil.Publish/Subscribe carry for a
// dequeue wakeup: the subject alone identifies which job name woke up, so
// the message body carries no information.
type wakeMessage struct{}

// Notifier publishes best-effort dequeue-wakeup notifications so a worker
// polling loop does not have to wait out a full PollingInterval after a job
// is enqueued. The queue table remains the single source of truth: a missed
// or dropped notification only costs latency, never correctness, since the
// poll loop's ticker still fires on schedule.
type Notifier struct {
	nc *nats.Conn
}

// NewNotifier wraps nc. A nil nc is valid and makes every Notify a no-op,
// so wiring a Notifier is optional wherever NATS is unavailable.
func NewNotifier(nc *nats.Conn) *Notifier {
	return &Notifier{nc: nc}
}

// Notify publishes a wakeup for jobName, swallowing any error: NATS
// connectivity is never allowed to fail an enqueue.
func (n *Notifier) Notify(jobName string) {
	if n == nil || n.nc == nil {
		return
	}
	_ = natsutil.Publish(context.Background(), n.nc, WakeSubjectPrefix+jobName, wakeMessage{})
}

// Subscribe wires a wakeup channel for jobName: every received notification
// sends to wake, non-blocking so a slow consumer never stalls NATS dispatch.
// Returns nil, nil if n has no live connection.
func (n *Notifier) Subscribe(jobName string, wake chan<- struct{}) (*nats.Subscription, error) {
	if n == nil || n.nc == nil {
		return nil, nil
	}
	return natsutil.Subscribe(n.nc, WakeSubjectPrefix+jobName, func(_ context.Context, _ wakeMessage) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
}

// SetNotifier attaches n to the queue so Enqueue/EnqueueWithOptions wake
// pollers immediately. Passing nil clears it.
func (q *Queue) SetNotifier(n *Notifier) {
	q.notifier = n
}
