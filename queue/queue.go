/*
Package queue distributes work regions to worker processes through a
pub/sub broker.  Each task body is the bounding box filename of an
output region, so a task queue can be regenerated from scratch by
re-enumerating the output grid.
*/
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gocloud.dev/pubsub"
	_ "gocloud.dev/pubsub/awssnssqs"
	_ "gocloud.dev/pubsub/mempubsub"

	"github.com/janelia-flyem/blockflow/blockflow"
)

// ErrNoTask is returned by Next when no task arrives within the queue's
// wait interval.
var ErrNoTask = errors.New("no task available")

// Task is one region of output to process.
type Task struct {
	// Body is the bounding box filename of the output region.
	Body string

	msg *pubsub.Message
}

// Bbox parses the task body into the output region it names.
func (t *Task) Bbox() (blockflow.Bbox, error) {
	return blockflow.ParseBboxFilename(t.Body)
}

// Queue hands out tasks from a pub/sub subscription, one region per
// message.
type Queue struct {
	topic *pubsub.Topic
	sub   *pubsub.Subscription
	wait  time.Duration
}

// DefaultWait is how long Next blocks for a task before giving up.
const DefaultWait = 30 * time.Second

// Open connects to a task queue.  The topic URL may be empty for
// receive-only workers, and the subscription URL may be empty for
// send-only producers.
func Open(ctx context.Context, subURL, topicURL string, wait time.Duration) (*Queue, error) {
	if wait <= 0 {
		wait = DefaultWait
	}
	q := &Queue{wait: wait}
	var err error
	if topicURL != "" {
		if q.topic, err = pubsub.OpenTopic(ctx, topicURL); err != nil {
			return nil, fmt.Errorf("can't open task topic %q: %v", topicURL, err)
		}
	}
	if subURL != "" {
		if q.sub, err = pubsub.OpenSubscription(ctx, subURL); err != nil {
			q.Close(ctx)
			return nil, fmt.Errorf("can't open task subscription %q: %v", subURL, err)
		}
	}
	return q, nil
}

// Next blocks until a task arrives or the wait interval elapses, in
// which case it returns ErrNoTask.  Callers must Done every returned
// task or the broker will redeliver it after its visibility timeout.
func (q *Queue) Next(ctx context.Context) (*Task, error) {
	if q.sub == nil {
		return nil, fmt.Errorf("queue has no subscription to receive from")
	}
	rctx, cancel := context.WithTimeout(ctx, q.wait)
	defer cancel()
	msg, err := q.sub.Receive(rctx)
	if err != nil {
		if errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrNoTask
		}
		return nil, err
	}
	return &Task{Body: string(msg.Body), msg: msg}, nil
}

// Done acknowledges a task so the broker won't redeliver it.
func (q *Queue) Done(t *Task) {
	if t != nil && t.msg != nil {
		t.msg.Ack()
	}
}

// Send enqueues one task body.
func (q *Queue) Send(ctx context.Context, body string) error {
	if q.topic == nil {
		return fmt.Errorf("queue has no topic to send to")
	}
	return q.topic.Send(ctx, &pubsub.Message{Body: []byte(body)})
}

// SendBatch enqueues many task bodies, stopping on the first failure.
func (q *Queue) SendBatch(ctx context.Context, bodies []string) error {
	timedLog := blockflow.NewTimeLog()
	for i, body := range bodies {
		if err := q.Send(ctx, body); err != nil {
			return fmt.Errorf("sent %d of %d tasks: %v", i, len(bodies), err)
		}
	}
	timedLog.Infof("Enqueued %d tasks", len(bodies))
	return nil
}

// Close shuts down the broker connections.
func (q *Queue) Close(ctx context.Context) {
	if q.sub != nil {
		if err := q.sub.Shutdown(ctx); err != nil {
			blockflow.Errorf("error shutting down task subscription: %v\n", err)
		}
		q.sub = nil
	}
	if q.topic != nil {
		if err := q.topic.Shutdown(ctx); err != nil {
			blockflow.Errorf("error shutting down task topic: %v\n", err)
		}
		q.topic = nil
	}
}
