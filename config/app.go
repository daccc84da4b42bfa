package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	CacheDir    string
	DownloadDir string
	DB          *DBConfig

	// ClientPeerIDPrefix is the fixed 8-byte Azureus-style prefix this
	// client stamps onto every generated 20-byte peer id, e.g. "-GR0001-".
	ClientPeerIDPrefix string
	// ListenPort is advertised to trackers in the announce's port
	// parameter. This client never accepts inbound connections (no
	// seeding), but trackers still expect a plausible value.
	ListenPort uint16
	// DialTimeout bounds how long a single peer connection attempt may
	// take before peer.Dial gives up.
	DialTimeout time.Duration
}

func NewAppConfig() *AppConfig {
	cacheDir := os.Getenv("CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "storage/cache"
	}

	downloadDir := os.Getenv("DOWNLOAD_DIR")
	if downloadDir == "" {
		downloadDir = "storage/downloads"
	}

	peerIDPrefix := os.Getenv("CLIENT_PEER_ID_PREFIX")
	if peerIDPrefix == "" {
		peerIDPrefix = "-GR0001-"
	}

	listenPort := uint16(6881)
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		if parsed, err := strconv.ParseUint(v, 10, 16); err == nil {
			listenPort = uint16(parsed)
		}
	}

	dialTimeout := 15 * time.Second
	if v := os.Getenv("DIAL_TIMEOUT_SECONDS"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			dialTimeout = time.Duration(parsed) * time.Second
		}
	}

	dbConf := NewDBConfig()

	return &AppConfig{
		CacheDir:           cacheDir,
		DownloadDir:        downloadDir,
		DB:                 dbConf,
		ClientPeerIDPrefix: peerIDPrefix,
		ListenPort:         listenPort,
		DialTimeout:        dialTimeout,
	}
}

var Main *AppConfig

func init() {
	_ = godotenv.Load()
	Main = NewAppConfig()
}
