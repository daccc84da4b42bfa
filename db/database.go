package db

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/kulikov-labs/gorrent-core/config"
	"github.com/kulikov-labs/gorrent-core/db/models"
	"github.com/kulikov-labs/gorrent-core/metainfo"
	"github.com/kulikov-labs/gorrent-core/tracker"
)

// Database is the additive bookkeeping layer: it records which torrent is
// downloading, which pieces verified, and which trackers/peers were last
// seen. No core engine invariant depends on it; a download proceeds with
// or without one.
type Database struct {
	db *gorm.DB

	downloadID uint
}

// Init opens (or creates) the sqlite database at config.Main.DB.Path and
// migrates the schema.
func Init() (*Database, error) {
	gdb, err := gorm.Open(sqlite.Open(config.Main.DB.Path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w", config.Main.DB.Path, err)
	}

	if err := gdb.AutoMigrate(&models.Download{}, &models.Peer{}, &models.Piece{}, &models.Tracker{}); err != nil {
		return nil, fmt.Errorf("db: migrate: %w", err)
	}

	return &Database{db: gdb}, nil
}

func (d *Database) Close() {
	sqlDB, err := d.db.DB()
	if err != nil {
		log.Warn().Err(err).Msg("db: close: underlying sql.DB unavailable")
		return
	}
	if err := sqlDB.Close(); err != nil {
		log.Warn().Err(err).Msg("db: close failed")
	}
}

// CreateDownload records (or resumes) a download for meta, named by its
// info hash. Subsequent calls for the same info hash return the existing
// row instead of duplicating it.
func (d *Database) CreateDownload(meta *metainfo.Metainfo, sourcePath string) (*models.Download, error) {
	infoHash := meta.InfoHashHex()

	existing := &models.Download{}
	if tx := d.db.Where("info_hash = ?", infoHash).First(existing); tx.Error == nil {
		d.downloadID = existing.ID
		if err := d.db.Preload("Trackers").Preload("Pieces").First(existing, existing.ID).Error; err != nil {
			return nil, err
		}
		return existing, nil
	}

	download := &models.Download{
		InfoHash:        infoHash,
		Name:            sourcePath,
		TorrentFilename: sourcePath,
		Status:          models.Downloading,
		DownloadDir:     config.Main.DownloadDir,
		TotalSize:       meta.Length,
		PiecesTotal:     meta.NumPieces(),
	}
	if err := d.db.Create(download).Error; err != nil {
		return nil, fmt.Errorf("db: create download: %w", err)
	}
	d.downloadID = download.ID

	for i := 0; i < meta.NumPieces(); i++ {
		hash, err := meta.PieceHash(i)
		if err != nil {
			return nil, err
		}
		piece := &models.Piece{
			DownloadID: download.ID,
			Index:      i,
			Hash:       fmt.Sprintf("%x", hash),
		}
		if err := d.db.Create(piece).Error; err != nil {
			return nil, fmt.Errorf("db: create piece %d: %w", i, err)
		}
	}

	announceTracker := &models.Tracker{
		DownloadID: download.ID,
		Announce:   meta.Announce,
		Status:     models.TrackerAnnouncing,
	}
	if err := d.db.Create(announceTracker).Error; err != nil {
		return nil, fmt.Errorf("db: create tracker: %w", err)
	}

	if err := d.db.Preload("Trackers").Preload("Pieces").First(download, download.ID).Error; err != nil {
		return nil, err
	}
	return download, nil
}

// MarkPieceDownloaded records piece index as verified and bumps the parent
// download's progress counters. It satisfies download.PieceCompletionTracker.
func (d *Database) MarkPieceDownloaded(index int) error {
	if d.downloadID == 0 {
		return fmt.Errorf("db: MarkPieceDownloaded called before CreateDownload")
	}

	piece := &models.Piece{}
	if err := d.db.Where("download_id = ? AND \"index\" = ?", d.downloadID, index).First(piece).Error; err != nil {
		return fmt.Errorf("db: find piece %d: %w", index, err)
	}
	piece.IsDownloaded = true
	if err := d.db.Save(piece).Error; err != nil {
		return fmt.Errorf("db: save piece %d: %w", index, err)
	}

	download := &models.Download{}
	if err := d.db.First(download, d.downloadID).Error; err != nil {
		return err
	}
	download.PiecesDone++
	if download.PiecesTotal > 0 && download.PiecesDone >= download.PiecesTotal {
		download.Status = models.Complete
	}
	return d.db.Save(download).Error
}

// RecordDownloadError marks the current download as failed and stashes the
// error message for later inspection.
func (d *Database) RecordDownloadError(err error) error {
	if d.downloadID == 0 || err == nil {
		return nil
	}
	download := &models.Download{}
	if dbErr := d.db.First(download, d.downloadID).Error; dbErr != nil {
		return dbErr
	}
	download.Status = models.Error
	download.LastError = err.Error()
	return d.db.Save(download).Error
}

func (d *Database) UpdateTracker(t *models.Tracker) error {
	return d.db.Save(t).Error
}

// RecordAnnounce persists the outcome of a tracker announce: it updates the
// tracker row's status and interval, then records every peer the tracker
// returned. Called once per successful announce so the database mirrors
// what the engine last heard from the tracker.
func (d *Database) RecordAnnounce(announceURL string, resp *tracker.AnnounceResponse) error {
	if d.downloadID == 0 {
		return fmt.Errorf("db: RecordAnnounce called before CreateDownload")
	}

	t := &models.Tracker{}
	if err := d.db.Where("download_id = ? AND announce = ?", d.downloadID, announceURL).First(t).Error; err != nil {
		return fmt.Errorf("db: find tracker %s: %w", announceURL, err)
	}
	t.Status = models.TrackerComplete
	t.Interval = int(resp.Interval)
	if err := d.UpdateTracker(t); err != nil {
		return err
	}

	return d.CreatePeers(t, resp.Peers)
}

// CreatePeers records (or updates) the peers a tracker announce returned.
func (d *Database) CreatePeers(t *models.Tracker, peers []tracker.PeerAddr) error {
	for _, p := range peers {
		if err := d.CreatePeer(t, p); err != nil {
			return err
		}
	}
	return nil
}

func (d *Database) CreatePeer(t *models.Tracker, addr tracker.PeerAddr) error {
	ip := fmt.Sprintf("%d.%d.%d.%d", addr.IP[0], addr.IP[1], addr.IP[2], addr.IP[3])

	existing := &models.Peer{}
	result := d.db.Where("download_id = ? AND ip = ? AND port = ?", t.DownloadID, ip, addr.Port).First(existing)
	if result.Error == nil {
		existing.TrackerID = t.ID
		return d.db.Save(existing).Error
	}

	newPeer := &models.Peer{
		DownloadID: t.DownloadID,
		TrackerID:  t.ID,
		IP:         ip,
		Port:       addr.Port,
		IsStopped:  true,
	}
	return d.db.Create(newPeer).Error
}
