package camerasync

import (
	"database/sql"
	"testing"

	"github.com/aranea-isms/is22/internal/data"
)

func TestBuildMetadataEntryOnlineWhenEnabledAndConnected(t *testing.T) {
	cam := &data.Camera{
		LacisID: sql.NullString{String: "LACIS00000000000001", Valid: true},
		Name:    "Front Door",
		Enabled: true,
	}
	entry := buildMetadataEntry(cam)
	if !entry.Online {
		t.Error("expected online=true for an enabled camera with no disconnect marker")
	}
	if entry.LacisID != "LACIS00000000000001" {
		t.Errorf("lacis id = %q, want LACIS00000000000001", entry.LacisID)
	}
}

func TestBuildMetadataEntryOfflineWhenDisconnected(t *testing.T) {
	cam := &data.Camera{
		Enabled:          true,
		LastDisconnectAt: sql.NullTime{Valid: true},
	}
	entry := buildMetadataEntry(cam)
	if entry.Online {
		t.Error("expected online=false once last_disconnect_at is set")
	}
}

func TestBuildMetadataEntryOfflineWhenDisabled(t *testing.T) {
	cam := &data.Camera{Enabled: false}
	entry := buildMetadataEntry(cam)
	if entry.Online {
		t.Error("expected online=false for a disabled camera")
	}
}
