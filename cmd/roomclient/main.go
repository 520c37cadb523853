package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/gavelio/auctionroom/internal/audio"
	"github.com/gavelio/auctionroom/internal/config"
	"github.com/gavelio/auctionroom/internal/history"
	"github.com/gavelio/auctionroom/internal/session"
	"github.com/gavelio/auctionroom/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(*configPath); err != nil {
		log.Fatal().Err(err).Msg("room client failed")
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Room.RoomID == "" {
		return fmt.Errorf("room id is required (AUCTION_ROOM_ID)")
	}

	selfID, err := strconv.Atoi(os.Getenv("AUCTION_PARTICIPANT_ID"))
	if err != nil {
		return fmt.Errorf("AUCTION_PARTICIPANT_ID must be a numeric participant id: %w", err)
	}
	teamName := os.Getenv("AUCTION_TEAM_NAME")
	if teamName == "" {
		return fmt.Errorf("AUCTION_TEAM_NAME is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := fmt.Sprintf("%s/ws/%s/%d", cfg.Room.WSBaseURL, cfg.Room.RoomID, selfID)
	conn, err := transport.Dial(ctx, url, transport.DefaultConfig())
	if err != nil {
		return fmt.Errorf("failed to connect to room: %w", err)
	}
	log.Info().Str("url", url).Str("conn_id", conn.ID()).Msg("connected to auction room")

	hist := history.NewClient(cfg.Room.APIBaseURL, cfg.Room.RoomID)

	sess := session.New(session.Config{
		SelfID:         selfID,
		TeamName:       teamName,
		BidWindowSec:   cfg.Auction.BidWindowSec,
		RTMResponseSec: cfg.Auction.RTMResponseSec,
		ImportLimit:    cfg.Auction.ImportLimit,
		LedgerPageSize: cfg.Auction.LedgerPageSize,
	}, conn, clockwork.NewRealClock(), hist)

	var coord *audio.Coordinator
	if cfg.Audio.Enabled {
		servers := make([]webrtc.ICEServer, 0, len(cfg.Audio.ICEServers))
		for _, s := range cfg.Audio.ICEServers {
			server := webrtc.ICEServer{URLs: s.URLs}
			if s.Username != "" {
				server.Username = s.Username
				server.Credential = s.Credential
			}
			servers = append(servers, server)
		}
		coord = audio.NewCoordinator(
			audio.Config{SelfID: selfID, Grace: cfg.PeerGrace()},
			audio.NewPionFactory(servers),
			audio.NewStaticMicrophone(nil),
			conn,
			clockwork.NewRealClock(),
		)
		sess.SetSignalSink(coord)
	}

	go sess.Run(ctx, conn.Frames())

	if coord != nil {
		if err := coord.Join(ctx); err != nil {
			log.Warn().Err(err).Msg("continuing without audio")
		}
	}

	go func() {
		for notice := range sess.Notices() {
			log.Info().Str("notice", notice.Text).Msg("room notice")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down room client...")
		sess.Close()
		<-sess.Done()
	case <-sess.Done():
		log.Info().Msg("session ended")
	}

	return nil
}
