package outbound

import (
	"context"
	"encoding/json"

	"github.com/aranea-isms/is22/internal/data"
)

// SendEvent implements §4.8's "direct event send": attempt an inline
// POST, and on any failure fall back to the durable queue so the
// background worker picks it up on its next drain.
func SendEvent(ctx context.Context, client *Client, queue data.SendQueueRepository, tid, fid string, payload json.RawMessage, refID *int64, snapshot []byte, mimeType string) (*EventResponse, error) {
	resp, err := client.PostEvent(ctx, fid, payload, snapshot, mimeType)
	if err == nil {
		return resp, nil
	}

	if _, qerr := queue.Enqueue(ctx, tid, fid, data.PayloadEvent, payload, refID); qerr != nil {
		return nil, qerr
	}
	return nil, err
}
