package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the room client needs: where the room lives,
// the auction timing knobs, and the audio mesh settings.
type Config struct {
	Room    RoomConfig    `yaml:"room"`
	Auction AuctionConfig `yaml:"auction"`
	Audio   AudioConfig   `yaml:"audio"`
}

// RoomConfig locates the session endpoint and the history API.
type RoomConfig struct {
	WSBaseURL  string `yaml:"ws_base_url"`
	APIBaseURL string `yaml:"api_base_url"`
	RoomID     string `yaml:"room_id"`
}

// AuctionConfig carries the client-local timing and rule knobs. The
// remote authority enforces the real deadlines; these only drive the
// display countdowns and the optimistic auto-skip checks.
type AuctionConfig struct {
	BidWindowSec   int `yaml:"bid_window_sec"`
	RTMResponseSec int `yaml:"rtm_response_sec"`
	ImportLimit    int `yaml:"import_limit"`
	LedgerPageSize int `yaml:"ledger_page_size"`
}

// AudioConfig configures the peer mesh.
type AudioConfig struct {
	Enabled     bool        `yaml:"enabled"`
	PeerGraceMS int         `yaml:"peer_grace_ms"`
	ICEServers  []ICEServer `yaml:"ice_servers"`
}

// ICEServer is one STUN/TURN entry for peer connections.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Room: RoomConfig{
			WSBaseURL:  "ws://localhost:8080",
			APIBaseURL: "http://localhost:8080",
		},
		Auction: AuctionConfig{
			BidWindowSec:   20,
			RTMResponseSec: 17,
			ImportLimit:    8,
			LedgerPageSize: 10,
		},
		Audio: AudioConfig{
			Enabled:     true,
			PeerGraceMS: 1500,
			ICEServers: []ICEServer{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
	}
}

// Load reads the yaml config at path (if path is non-empty) on top of the
// defaults, then applies AUCTION_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.Room.WSBaseURL = getEnv("AUCTION_WS_URL", cfg.Room.WSBaseURL)
	cfg.Room.APIBaseURL = getEnv("AUCTION_API_URL", cfg.Room.APIBaseURL)
	cfg.Room.RoomID = getEnv("AUCTION_ROOM_ID", cfg.Room.RoomID)
	cfg.Auction.BidWindowSec = getEnvAsInt("AUCTION_BID_WINDOW_SEC", cfg.Auction.BidWindowSec)
	cfg.Auction.RTMResponseSec = getEnvAsInt("AUCTION_RTM_RESPONSE_SEC", cfg.Auction.RTMResponseSec)
	cfg.Auction.ImportLimit = getEnvAsInt("AUCTION_IMPORT_LIMIT", cfg.Auction.ImportLimit)
	cfg.Auction.LedgerPageSize = getEnvAsInt("AUCTION_LEDGER_PAGE_SIZE", cfg.Auction.LedgerPageSize)
	cfg.Audio.PeerGraceMS = getEnvAsInt("AUCTION_PEER_GRACE_MS", cfg.Audio.PeerGraceMS)

	return cfg, nil
}

// PeerGrace returns the reap grace window as a duration.
func (c *Config) PeerGrace() time.Duration {
	return time.Duration(c.Audio.PeerGraceMS) * time.Millisecond
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
