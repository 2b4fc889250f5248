package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/airenas/async-api/pkg/messages"
	"github.com/airenas/go-app/pkg/goapp"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vgarvardt/gue/v5"
	"github.com/vgarvardt/gue/v5/adapter/pgxv5"
)

// Sender performs messages sending using postgres gue
type Sender struct {
	gc *gue.Client
}

// NewSender initializes gue sender
func NewSender(pool *pgxpool.Pool) (*Sender, error) {
	gc, err := gue.NewClient(pgxv5.NewConnPool(pool))
	if err != nil {
		return nil, fmt.Errorf("can't init gue: %w", err)
	}
	return &Sender{gc: gc}, nil
}

// SendMessage enqueues the message into the wanted queue.
// A "queue:type" value routes a typed job into a shared worker pool queue.
func (sender *Sender) SendMessage(ctx context.Context, msg messages.Message, queue string) error {
	goapp.Log.Debug().Str("queue", queue).Msg("Sending message")
	args, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("can't marshal msg: %w", err)
	}

	queueName := queue
	if i := strings.IndexByte(queue, ':'); i > 0 {
		queueName = queue[:i]
	}
	j := &gue.Job{
		Type:  queue,
		Queue: queueName,
		Args:  args,
	}
	if err := sender.gc.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("can't send msg to %s: %w", queue, err)
	}
	goapp.Log.Debug().Msg("Sent")
	return nil
}
