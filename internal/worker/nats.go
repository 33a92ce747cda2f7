package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultRequestTimeout bounds a NATS request when none is configured.
const DefaultRequestTimeout = 10 * time.Minute

// NATS dispatches items to a remote worker with request/reply on a subject.
// Request timeouts and missing responders are transient failures.
type NATS struct {
	id      string
	caps    []string
	slots   int
	nc      *nats.Conn
	subject string
	timeout time.Duration
}

// NewNATS creates a NATS-backed worker.
func NewNATS(id string, capabilities []string, slots int, nc *nats.Conn, subject string, timeout time.Duration) (*NATS, error) {
	if nc == nil {
		return nil, fmt.Errorf("worker %s: nats connection is required", id)
	}
	if subject == "" {
		return nil, fmt.Errorf("worker %s: subject is required", id)
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &NATS{id: id, caps: capabilities, slots: max(slots, 1), nc: nc, subject: subject, timeout: timeout}, nil
}

func (w *NATS) ID() string             { return w.id }
func (w *NATS) Capabilities() []string { return w.caps }
func (w *NATS) Concurrency() int       { return w.slots }

// Execute sends the request and waits for the reply.
func (w *NATS) Execute(ctx context.Context, req Request) (Result, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return Result{}, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	msg, err := w.nc.RequestWithContext(ctx, w.subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) || errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			return Result{}, Transient(fmt.Errorf("request %s: %w", w.subject, err))
		}
		return Result{}, fmt.Errorf("request %s: %w", w.subject, err)
	}

	var res Result
	if err := json.Unmarshal(msg.Data, &res); err != nil {
		return Result{}, fmt.Errorf("decode reply from %s: %w", w.subject, err)
	}
	if res.ItemID == "" {
		res.ItemID = req.Item.ID
	}
	if res.WorkerID == "" {
		res.WorkerID = w.id
	}
	return res, nil
}

// Serve answers requests on subject with w, as a member of queue so several
// processes can share the load. The subscription lives until ctx is done.
func Serve(ctx context.Context, nc *nats.Conn, subject, queue string, w Worker, logger *zap.Logger) (*nats.Subscription, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	sub, err := nc.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		var req Request
		var res Result
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			res = Result{Status: StatusFailure, Diagnostic: fmt.Sprintf("invalid request: %v", err)}
		} else {
			res, err = w.Execute(ctx, req)
			if err != nil {
				res = Result{
					ItemID:     req.Item.ID,
					Status:     StatusFailure,
					Transient:  IsTransient(err),
					Diagnostic: err.Error(),
				}
			}
		}
		if res.WorkerID == "" {
			res.WorkerID = w.ID()
		}

		data, err := json.Marshal(res)
		if err != nil {
			logger.Error("failed to marshal result", zap.String("item_id", res.ItemID), zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("failed to respond", zap.String("item_id", res.ItemID), zap.Error(err))
			return
		}
		logger.Info("served work item",
			zap.String("item_id", res.ItemID),
			zap.String("status", string(res.Status)))
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	go func() {
		<-ctx.Done()
		_ = sub.Drain()
	}()
	return sub, nil
}
