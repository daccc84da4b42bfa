package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/rs/zerolog/log"

	"github.com/kulikov-labs/gorrent-core/bencode"
	"github.com/kulikov-labs/gorrent-core/config"
	"github.com/kulikov-labs/gorrent-core/db"
	"github.com/kulikov-labs/gorrent-core/download"
	"github.com/kulikov-labs/gorrent-core/magnet"
	"github.com/kulikov-labs/gorrent-core/metainfo"
	"github.com/kulikov-labs/gorrent-core/peer"
	"github.com/kulikov-labs/gorrent-core/tracker"
	"github.com/kulikov-labs/gorrent-core/utils"
)

const VERSION = "0.1.0"

var CLI struct {
	Decode struct {
		Bencoded string `arg:"" help:"Bencoded value to decode."`
	} `cmd:"" help:"Decode a bencoded value and print it as JSON."`

	Info struct {
		Metainfo string `arg:"" help:"Path to a .torrent metainfo file." type:"existingfile"`
	} `cmd:"" help:"Print a metainfo file's tracker URL, length, info hash and piece hashes."`

	Peers struct {
		Metainfo string `arg:"" help:"Path to a .torrent metainfo file." type:"existingfile"`
	} `cmd:"" help:"Announce to the tracker and print the peer list."`

	Handshake struct {
		Metainfo string `arg:"" help:"Path to a .torrent metainfo file." type:"existingfile"`
		Peer     string `arg:"" help:"Peer address, ip:port."`
	} `cmd:"" help:"Perform the peer handshake and print the peer id."`

	DownloadPiece struct {
		Out      string `short:"o" required:"" help:"Output file path."`
		Metainfo string `arg:"" help:"Path to a .torrent metainfo file." type:"existingfile"`
		Index    int    `arg:"" help:"Piece index to download."`
	} `cmd:"" name:"download_piece" help:"Download a single piece to a file."`

	Download struct {
		Out      string `short:"o" required:"" help:"Output file path."`
		Metainfo string `arg:"" help:"Path to a .torrent metainfo file." type:"existingfile"`
	} `cmd:"" help:"Download the full file described by a metainfo."`

	MagnetParse struct {
		URI string `arg:"" help:"Magnet URI."`
	} `cmd:"" name:"magnet_parse" help:"Parse a magnet URI and print its tracker URL and info hash."`

	MagnetHandshake struct {
		URI string `arg:"" help:"Magnet URI."`
	} `cmd:"" name:"magnet_handshake" help:"Announce, handshake with the extension bit set, and print the peer id."`
}

func main() {
	initConfig()
	initLogging()
	defer shutdownLogging()

	ctx := kong.Parse(&CLI)
	cmd := ctx.Command()

	var err error
	switch cmd {
	case "decode <bencoded>":
		err = runDecode(CLI.Decode.Bencoded)
	case "info <metainfo>":
		err = runInfo(CLI.Info.Metainfo)
	case "peers <metainfo>":
		err = runPeers(CLI.Peers.Metainfo)
	case "handshake <metainfo> <peer>":
		err = runHandshake(CLI.Handshake.Metainfo, CLI.Handshake.Peer)
	case "download_piece <metainfo> <index>":
		err = runDownloadPiece(CLI.DownloadPiece.Metainfo, CLI.DownloadPiece.Index, CLI.DownloadPiece.Out)
	case "download <metainfo>":
		err = runDownload(CLI.Download.Metainfo, CLI.Download.Out)
	case "magnet_parse <uri>":
		err = runMagnetParse(CLI.MagnetParse.URI)
	case "magnet_handshake <uri>":
		err = runMagnetHandshake(CLI.MagnetHandshake.URI)
	default:
		ctx.PrintUsage(false)
		return
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		log.Error().Err(err).Str("command", cmd).Msg("command failed")
		os.Exit(1)
	}
}

func initConfig() {
	if err := os.MkdirAll(config.Main.CacheDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.CacheDir).Msg("failed to create cache directory")
	}
	if err := os.MkdirAll(config.Main.DownloadDir, os.ModePerm); err != nil {
		log.Fatal().Err(err).Str("path", config.Main.DownloadDir).Msg("failed to create download directory")
	}
}

func runDecode(bencoded string) error {
	data, _, err := bencode.Decode([]byte(bencoded))
	if err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	fmt.Println(data.ToJSON())
	return nil
}

func runInfo(path string) error {
	meta, err := metainfo.Parse(path)
	if err != nil {
		return err
	}
	fmt.Printf("Tracker URL: %s\n", meta.Announce)
	fmt.Printf("Length: %d\n", meta.Length)
	fmt.Printf("Info Hash: %s\n", meta.InfoHashHex())
	fmt.Printf("Piece Length: %d\n", meta.PieceLength)
	fmt.Println("Piece Hashes:")
	for _, h := range meta.PieceHashesHex() {
		fmt.Println(h)
	}
	return nil
}

func runPeers(path string) error {
	meta, err := metainfo.Parse(path)
	if err != nil {
		return err
	}
	peers, err := announce(meta)
	if err != nil {
		return err
	}
	for _, p := range peers {
		fmt.Println(p.String())
	}
	return nil
}

func runHandshake(path, peerAddr string) error {
	meta, err := metainfo.Parse(path)
	if err != nil {
		return err
	}
	clientID := utils.GeneratePeerID(config.Main.ClientPeerIDPrefix)
	conn, err := peer.Dial(context.Background(), peerAddr, meta.InfoHash, clientID, false, config.Main.DialTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	fmt.Printf("Peer ID: %x\n", conn.PeerID())
	return nil
}

func runDownloadPiece(path string, index int, out string) error {
	meta, err := metainfo.Parse(path)
	if err != nil {
		return err
	}
	cacheTorrentFile(path)

	manager, cleanup := buildManager(meta, path)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.DownloadPiece(ctx, index, out); err != nil {
		return err
	}
	length, _ := meta.PieceLen(index)
	fmt.Printf("Piece %d (%s) downloaded to %s\n", index, utils.FormatBytes(length), out)
	return nil
}

func runDownload(path, out string) error {
	meta, err := metainfo.Parse(path)
	if err != nil {
		return err
	}
	cacheTorrentFile(path)

	manager, cleanup := buildManager(meta, path)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := manager.Download(ctx, out); err != nil {
		return err
	}
	fmt.Printf("Downloaded %s (%s) to %s\n", path, utils.FormatBytes(meta.Length), out)
	return nil
}

// cacheTorrentFile keeps a copy of the metainfo alongside the cache
// directory for later inspection; a failure here never aborts the
// download, it's purely a convenience copy.
func cacheTorrentFile(path string) {
	dst := filepath.Join(config.Main.CacheDir, filepath.Base(path))
	if err := utils.CopyFile(path, dst); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to cache torrent file")
	}
}

func runMagnetParse(uri string) error {
	m, err := magnet.Parse(uri)
	if err != nil {
		return err
	}
	infoHash, err := m.InfoHash()
	if err != nil {
		return err
	}
	trackerURL := ""
	if len(m.Trackers) > 0 {
		trackerURL = m.Trackers[0]
	}
	fmt.Printf("Tracker URL: %s\n", trackerURL)
	fmt.Printf("Info Hash: %x\n", infoHash)
	return nil
}

func runMagnetHandshake(uri string) error {
	m, err := magnet.Parse(uri)
	if err != nil {
		return err
	}
	clientID := utils.GeneratePeerID(config.Main.ClientPeerIDPrefix)
	result, err := download.FetchMetadata(context.Background(), m, clientID, config.Main.ListenPort, config.Main.DialTimeout, peer.DefaultSessionConfig(), true)
	if err != nil {
		return err
	}
	fmt.Printf("Peer ID: %x\n", result.PeerID)
	fmt.Printf("Peer Metadata Extension ID: %d\n", result.PeerMetadataID)
	return nil
}

// buildManager opens (or creates, logging and continuing without
// persistence on failure) the bookkeeping database and builds a
// download.Manager for meta. The returned cleanup func is always safe to
// call, whether or not persistence is actually active.
func buildManager(meta *metainfo.Metainfo, sourcePath string) (*download.Manager, func()) {
	clientID := utils.GeneratePeerID(config.Main.ClientPeerIDPrefix)
	cfg := download.ManagerConfig{
		ClientPeerID: clientID,
		ListenPort:   config.Main.ListenPort,
		DialTimeout:  config.Main.DialTimeout,
		Session:      peer.DefaultSessionConfig(),
	}

	database, err := db.Init()
	if err != nil {
		log.Warn().Err(err).Msg("persistence disabled: database unavailable")
		return download.NewManager(meta, cfg, nil), func() {}
	}
	if _, err := database.CreateDownload(meta, sourcePath); err != nil {
		log.Warn().Err(err).Msg("persistence disabled: could not record download")
		return download.NewManager(meta, cfg, nil), database.Close
	}
	return download.NewManager(meta, cfg, database), database.Close
}

func announce(meta *metainfo.Metainfo) ([]tracker.PeerAddr, error) {
	t, err := tracker.New(meta.Announce)
	if err != nil {
		return nil, err
	}
	clientID := utils.GeneratePeerID(config.Main.ClientPeerIDPrefix)
	resp, err := t.Announce(tracker.AnnounceRequest{
		InfoHash: meta.InfoHash,
		PeerID:   clientID,
		Port:     config.Main.ListenPort,
		Left:     meta.Length,
	})
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}
