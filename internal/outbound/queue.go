package outbound

import (
	"context"
	"log"
	"time"

	"github.com/aranea-isms/is22/internal/data"
)

const (
	batchSize      = 10
	drainInterval  = 5 * time.Second
	baseBackoff    = 10 * time.Second
	maxBackoff     = 30 * time.Minute
)

// maxRetries returns the per-payload-type retry ceiling: 20 attempts for
// emergency payloads, 8 for every other type. The values are fixed here
// and are not read from config.
func maxRetries(t data.SendQueuePayloadType) int {
	if t == data.PayloadEmergency {
		return 20
	}
	return 8
}

// ConnState reports whether a {tid,fid} pair is currently connected to
// the cloud. The worker only drains while connected.
type ConnState interface {
	Connected(tid, fid string) bool
}

// Worker drains one {tid, fid} pair's send queue in FIFO batches,
// applying exponential backoff to failures (§4.8, §5).
type Worker struct {
	tid, fid string
	queue    data.SendQueueRepository
	client   *Client
	conn     ConnState
}

func NewWorker(tid, fid string, queue data.SendQueueRepository, client *Client, conn ConnState) *Worker {
	return &Worker{tid: tid, fid: fid, queue: queue, client: client, conn: conn}
}

// Run blocks, draining the queue on a fixed tick until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !w.conn.Connected(w.tid, w.fid) {
				continue
			}
			if err := w.drainOnce(ctx); err != nil {
				log.Printf("outbound: drain %s/%s: %v", w.tid, w.fid, err)
			}
		}
	}
}

func (w *Worker) drainOnce(ctx context.Context) error {
	batch, err := w.queue.ClaimBatch(ctx, w.tid, w.fid, batchSize)
	if err != nil {
		return err
	}
	for _, entry := range batch {
		w.send(ctx, entry)
	}
	return nil
}

func (w *Worker) send(ctx context.Context, entry data.SendQueueEntry) {
	var err error
	switch entry.PayloadType {
	case data.PayloadSummary, data.PayloadGrandSummary:
		err = w.client.PostSummary(ctx, w.fid, entry.Payload)
	default: // event, emergency
		_, err = w.client.PostEvent(ctx, w.fid, entry.Payload, nil, "")
	}

	if err == nil {
		if markErr := w.queue.MarkSent(ctx, entry.ID); markErr != nil {
			log.Printf("outbound: mark sent %d: %v", entry.ID, markErr)
		}
		return
	}

	if entry.RetryCount+1 >= maxRetries(entry.PayloadType) {
		if markErr := w.queue.MarkFailedTerminal(ctx, entry.ID, err.Error()); markErr != nil {
			log.Printf("outbound: mark failed terminal %d: %v", entry.ID, markErr)
		}
		return
	}

	backoff := exponentialBackoff(entry.RetryCount)
	if markErr := w.queue.MarkFailedForRetry(ctx, entry.ID, err.Error(), time.Now().Add(backoff)); markErr != nil {
		log.Printf("outbound: mark failed for retry %d: %v", entry.ID, markErr)
	}
}

func exponentialBackoff(retryCount int) time.Duration {
	d := baseBackoff
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
