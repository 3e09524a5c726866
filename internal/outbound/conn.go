package outbound

import (
	"context"

	"github.com/aranea-isms/is22/internal/data"
)

// DBConnState adapts data.CloudConnectionRepository to the ConnState
// interface the Worker polls before draining.
type DBConnState struct {
	Conns data.CloudConnectionRepository
}

func (d DBConnState) Connected(tid, fid string) bool {
	status, err := d.Conns.Status(context.Background(), tid, fid)
	if err != nil {
		return false
	}
	return status == data.CloudConnected
}
