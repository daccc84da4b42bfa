package db

import (
	"fmt"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kulikov-labs/gorrent-core/db/models"
	"github.com/kulikov-labs/gorrent-core/metainfo"
	"github.com/kulikov-labs/gorrent-core/tracker"
)

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Download{}, &models.Peer{}, &models.Piece{}, &models.Tracker{}); err != nil {
		t.Fatalf("AutoMigrate: %v", err)
	}
	return &Database{db: gdb}
}

func testMetainfo() *metainfo.Metainfo {
	return &metainfo.Metainfo{
		Announce:    "http://tracker.example.com/announce",
		Length:      30,
		PieceLength: 10,
		Pieces:      make([]byte, 60), // 3 zeroed piece hashes
		InfoHash:    [20]byte{1, 2, 3},
	}
}

func TestCreateDownloadIsIdempotent(t *testing.T) {
	d := openTestDatabase(t)
	meta := testMetainfo()

	first, err := d.CreateDownload(meta, "test.torrent")
	if err != nil {
		t.Fatalf("CreateDownload: %v", err)
	}
	if len(first.Pieces) != 3 {
		t.Fatalf("Pieces = %d, want 3", len(first.Pieces))
	}
	if first.PiecesTotal != 3 {
		t.Fatalf("PiecesTotal = %d, want 3", first.PiecesTotal)
	}

	second, err := d.CreateDownload(meta, "test.torrent")
	if err != nil {
		t.Fatalf("CreateDownload (second call): %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("second.ID = %d, want %d (resumed, not duplicated)", second.ID, first.ID)
	}
}

func TestMarkPieceDownloadedUpdatesProgress(t *testing.T) {
	d := openTestDatabase(t)
	meta := testMetainfo()

	if _, err := d.CreateDownload(meta, "test.torrent"); err != nil {
		t.Fatalf("CreateDownload: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := d.MarkPieceDownloaded(i); err != nil {
			t.Fatalf("MarkPieceDownloaded(%d): %v", i, err)
		}
	}

	download := &models.Download{}
	if err := d.db.First(download, d.downloadID).Error; err != nil {
		t.Fatalf("load download: %v", err)
	}
	if download.PiecesDone != 3 {
		t.Errorf("PiecesDone = %d, want 3", download.PiecesDone)
	}
	if download.Status != models.Complete {
		t.Errorf("Status = %q, want %q", download.Status, models.Complete)
	}
}

func TestCreatePeersDeduplicatesByAddress(t *testing.T) {
	d := openTestDatabase(t)
	meta := testMetainfo()

	download, err := d.CreateDownload(meta, "test.torrent")
	if err != nil {
		t.Fatalf("CreateDownload: %v", err)
	}
	tr := &download.Trackers[0]

	addr := tracker.PeerAddr{IP: [4]byte{10, 0, 0, 1}, Port: 6881}
	if err := d.CreatePeer(tr, addr); err != nil {
		t.Fatalf("CreatePeer: %v", err)
	}
	if err := d.CreatePeer(tr, addr); err != nil {
		t.Fatalf("CreatePeer (duplicate): %v", err)
	}

	var count int64
	if err := d.db.Model(&models.Peer{}).Where("download_id = ?", download.ID).Count(&count).Error; err != nil {
		t.Fatalf("count peers: %v", err)
	}
	if count != 1 {
		t.Errorf("peer count = %d, want 1 (same address should update, not duplicate)", count)
	}
}

func TestRecordAnnounceUpdatesTrackerAndPeers(t *testing.T) {
	d := openTestDatabase(t)
	meta := testMetainfo()

	download, err := d.CreateDownload(meta, "test.torrent")
	if err != nil {
		t.Fatalf("CreateDownload: %v", err)
	}

	resp := &tracker.AnnounceResponse{
		Interval: 1800,
		Peers: []tracker.PeerAddr{
			{IP: [4]byte{10, 0, 0, 1}, Port: 6881},
			{IP: [4]byte{10, 0, 0, 2}, Port: 6882},
		},
	}
	if err := d.RecordAnnounce(meta.Announce, resp); err != nil {
		t.Fatalf("RecordAnnounce: %v", err)
	}

	tr := &models.Tracker{}
	if err := d.db.Where("download_id = ? AND announce = ?", download.ID, meta.Announce).First(tr).Error; err != nil {
		t.Fatalf("load tracker: %v", err)
	}
	if tr.Status != models.TrackerComplete {
		t.Errorf("tracker Status = %q, want %q", tr.Status, models.TrackerComplete)
	}
	if tr.Interval != 1800 {
		t.Errorf("tracker Interval = %d, want 1800", tr.Interval)
	}

	var count int64
	if err := d.db.Model(&models.Peer{}).Where("download_id = ?", download.ID).Count(&count).Error; err != nil {
		t.Fatalf("count peers: %v", err)
	}
	if count != 2 {
		t.Errorf("peer count = %d, want 2", count)
	}
}

func TestRecordDownloadErrorMarksDownloadFailed(t *testing.T) {
	d := openTestDatabase(t)
	meta := testMetainfo()

	if _, err := d.CreateDownload(meta, "test.torrent"); err != nil {
		t.Fatalf("CreateDownload: %v", err)
	}

	wantErr := fmt.Errorf("tracker unreachable")
	if err := d.RecordDownloadError(wantErr); err != nil {
		t.Fatalf("RecordDownloadError: %v", err)
	}

	download := &models.Download{}
	if err := d.db.First(download, d.downloadID).Error; err != nil {
		t.Fatalf("load download: %v", err)
	}
	if download.Status != models.Error {
		t.Errorf("Status = %q, want %q", download.Status, models.Error)
	}
	if download.LastError != wantErr.Error() {
		t.Errorf("LastError = %q, want %q", download.LastError, wantErr.Error())
	}
}
