package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"choptso/pkg/chat"
	"choptso/pkg/logger"
	"choptso/pkg/telemetry"
)

// payload shapes accepted on the fast path. Fields not relevant to an op
// type are ignored.
type sendPayload struct {
	SenderName string `json:"sender_name"`
	Body       string `json:"body"`
	Attachment string `json:"attachment,omitempty"`
	ReplyTo    string `json:"reply_to,omitempty"`
}

type editPayload struct {
	Body string `json:"body"`
}

type reactPayload struct {
	Emoji string `json:"emoji"`
}

type typingPayload struct {
	Typing bool `json:"typing"`
}

type statusPayload struct {
	Status string `json:"status"`
	Emoji  string `json:"emoji,omitempty"`
}

// Pool drains a Queue with a fixed set of workers, decoding each op and
// applying it through the adapter. Failed ops are logged and dropped; the
// fast path already acknowledged them with 202, so there is no caller to
// bounce them back to.
type Pool struct {
	queue   *Queue
	svc     *chat.Service
	workers int

	wg sync.WaitGroup
}

// NewPool builds a worker pool. workers<=0 falls back to 2.
func NewPool(q *Queue, svc *chat.Service, workers int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	return &Pool{queue: q, svc: svc, workers: workers}
}

// Start launches the workers. They exit when ctx is done or the queue is
// closed and drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it, ok := <-p.queue.Out():
			if !ok {
				return
			}
			err := p.apply(ctx, it.Op)
			telemetry.ObserveOp(string(it.Op.Type), err)
			if err != nil {
				logger.Warn("ingest_apply_failed",
					"op", string(it.Op.Type),
					"conversation", it.Op.Conversation,
					"id", it.Op.ID,
					"actor", it.Op.Actor,
					"error", err)
			}
			it.Done()
		}
	}
}

func (p *Pool) apply(ctx context.Context, op *Op) error {
	switch op.Type {
	case OpSend:
		var pl sendPayload
		if err := json.Unmarshal(op.Payload, &pl); err != nil {
			return fmt.Errorf("decode send: %w", err)
		}
		_, err := p.svc.Send(ctx, chat.SendInput{
			ID:             op.ID,
			ConversationID: op.Conversation,
			SenderID:       op.Actor,
			SenderName:     pl.SenderName,
			Body:           pl.Body,
			Attachment:     pl.Attachment,
			ReplyTo:        pl.ReplyTo,
		})
		return err
	case OpEdit:
		var pl editPayload
		if err := json.Unmarshal(op.Payload, &pl); err != nil {
			return fmt.Errorf("decode edit: %w", err)
		}
		_, err := p.svc.EditBody(ctx, op.ID, op.Actor, pl.Body)
		return err
	case OpDelete:
		return p.svc.MarkDeleted(ctx, op.ID, op.Actor)
	case OpReact:
		var pl reactPayload
		if err := json.Unmarshal(op.Payload, &pl); err != nil {
			return fmt.Errorf("decode react: %w", err)
		}
		return p.svc.AddReaction(ctx, op.ID, op.Actor, pl.Emoji)
	case OpUnreact:
		var pl reactPayload
		if err := json.Unmarshal(op.Payload, &pl); err != nil {
			return fmt.Errorf("decode unreact: %w", err)
		}
		return p.svc.RemoveReaction(ctx, op.ID, op.Actor, pl.Emoji)
	case OpDelivered:
		return p.svc.MarkDelivered(ctx, op.Conversation, op.Actor)
	case OpRead:
		return p.svc.MarkRead(ctx, op.Conversation, op.Actor)
	case OpTyping:
		var pl typingPayload
		if err := json.Unmarshal(op.Payload, &pl); err != nil {
			return fmt.Errorf("decode typing: %w", err)
		}
		return p.svc.SetTyping(ctx, op.Conversation, op.Actor, pl.Typing)
	case OpStatus:
		var pl statusPayload
		if err := json.Unmarshal(op.Payload, &pl); err != nil {
			return fmt.Errorf("decode status: %w", err)
		}
		return p.svc.SetStatus(ctx, op.Actor, op.ID, pl.Status, pl.Emoji)
	default:
		return errors.New("unknown op type " + string(op.Type))
	}
}
