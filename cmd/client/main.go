package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/Meet/internal/adapters/rtc"
	"github.com/dkeye/Meet/internal/config"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/session"
	"github.com/dkeye/Meet/internal/signaling"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "meet",
	Short: "Join a room and share files, ports and tracks with its members",
	Long: `meet connects to a signaling server, joins the room derived from the
shared secret and opens an encrypted peer connection to every member.

Commands are read line by line from stdin, type "help" for the list.

Examples:
  meet --secret hunter2
  MEET_CLIENT_SECRET=hunter2 meet --username alice --signaling_url ws://host:8080/signaling`,
	Version:      version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadClient(cmd.Flags())
		if err != nil {
			return err
		}
		zerolog.SetGlobalLevel(config.ParseLevel(cfg.LogLevel))
		return run(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.String("signaling_url", "", "signaling server websocket url")
	f.String("secret", "", "room secret")
	f.String("username", "", "name shown to other members")
	f.String("log_level", "", "log level")
	f.Bool("include_loopback", false, "gather loopback candidates")
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.ClientConfig) error {
	api, err := rtc.NewAPI(cfg.IncludeLoopback)
	if err != nil {
		return fmt.Errorf("webrtc api: %w", err)
	}
	rtcCfg := rtc.NewConfiguration(cfg.WebRTC)
	media := func(remote domain.ClientID) (core.MediaConnection, error) {
		c, err := rtc.NewWebRTCConnection(api, rtcCfg, remote)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	conn, err := signaling.Dial(ctx, cfg.SignalingURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	h := newHandler(ctx, os.Stdout)
	inst, err := session.New(conn, media, h, session.Options{
		Secret:             cfg.Secret,
		Username:           cfg.Username,
		PingPeriod:         cfg.PingPeriod,
		NegotiationTimeout: cfg.NegotiationTimeout,
	})
	if err != nil {
		return err
	}
	h.inst = inst
	defer h.close()

	log.Info().Str("room", string(inst.RoomHash())).Str("username", inst.Username()).Msg("joining room")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go readCommands(ctx, cancel, h, os.Stdin, os.Stdout)

	err = inst.Run(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if cerr := conn.Err(); cerr != nil {
		return fmt.Errorf("%w: %v", err, cerr)
	}
	return err
}
