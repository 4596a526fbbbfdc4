package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/logging"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagIdentity  string
	flagRelay     string
	flagRelayURL  string
	flagPeers     []string
	flagMedia     string
	flagDatabase  string
	flagBusy      string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "phone",
	Short: "Peer-to-peer calls over a pub/sub relay",
	Long: `phone places and receives WebRTC calls. Offers, answers and ICE
candidates travel through a relay: a websocket relay server, or a gossipsub
mesh between peers.

Examples:
  phone --id alice listen
  phone --id bob call alice
  phone --id room host
  phone --relay gossip --peer /ip4/10.0.0.2/tcp/4001/p2p/12D3Koo... --id bob call alice`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if flagMedia != mediaPion && flagMedia != mediaNull {
			return errUnknownMedia(flagMedia)
		}
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flagConfig, "config", "c", "", "YAML config file")
	pf.StringVarP(&flagIdentity, "id", "i", "", "local identity")
	pf.StringVar(&flagRelay, "relay", "", "relay kind: ws or gossip")
	pf.StringVar(&flagRelayURL, "relay-url", "", "websocket relay URL")
	pf.StringSliceVar(&flagPeers, "peer", nil, "gossip peer multiaddr (repeatable)")
	pf.StringVar(&flagMedia, "media", mediaPion, "media engine: pion or null")
	pf.StringVar(&flagDatabase, "db", "", "SQLite database path")
	pf.StringVar(&flagBusy, "busy", "", "busy policy: decline or queue")
	pf.StringVar(&flagLogLevel, "log-level", "", "log level")
	pf.StringVar(&flagLogFormat, "log-format", "", "console or json")

	rootCmd.AddCommand(callCmd, listenCmd, hostCmd, contactCmd, historyCmd, demoCmd)
}

// loadConfig merges flags over env, file and defaults, then sets up logging.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(config.Options{
		File:       flagConfig,
		Identity:   flagIdentity,
		RelayKind:  flagRelay,
		RelayURL:   flagRelayURL,
		Peers:      flagPeers,
		BusyPolicy: flagBusy,
		Database:   flagDatabase,
		LogLevel:   flagLogLevel,
		LogFormat:  flagLogFormat,
	})
	if err != nil {
		return config.Config{}, err
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// Execute runs the root command until it returns or the process is
// interrupted.
func Execute() {
	logging.Setup("warn", "console")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printError(err.Error())
		stop()
		os.Exit(1)
	}
}
