package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/roost-sh/roost/internal/config"
	"github.com/roost-sh/roost/internal/server"
	"github.com/roost-sh/roost/internal/supervisor"
	"github.com/roost-sh/roost/internal/types"
	"github.com/roost-sh/roost/internal/version"
)

const gatewayShutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run [PKG_IDENT]",
	Short: "Run the supervisor",
	Long: `Run starts the supervisor: it loads every spec in the spec directory,
starts their services, joins the gossip ring, and serves the HTTP gateway.
Given a package identifier, that service is loaded first. The supervisor
runs until SIGINT or SIGTERM.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSupervisor,
}

func init() {
	runCmd.Flags().String("listen-gossip", config.DefaultGossipListen, "address to listen on for gossip")
	runCmd.Flags().String("listen-http", config.DefaultHTTPListen, "address to listen on for the HTTP gateway")
	runCmd.Flags().StringSlice("peer", nil, "initial peer addresses (host or host:port)")
	runCmd.Flags().Bool("permanent-peer", false, "mark this supervisor as a permanent peer")
	runCmd.Flags().String("peer-watch-file", "", "file of peer addresses to watch for changes")
	runCmd.Flags().String("ring", "", "name of the ring this supervisor belongs to")
	runCmd.Flags().String("org", "", "organization the supervisor and its services are part of")
	runCmd.Flags().String("config-from", "", "directory of config and hook templates overriding every service's own")
	runCmd.Flags().Bool("http-disable", false, "do not start the HTTP gateway")
	runCmd.Flags().String("sys-ip", "", "IP address reported as sys.ip in template data")
	runCmd.Flags().String("data-path", "", "root directory for specs and service state")

	_ = viper.BindPFlag("gossip.listen_addr", runCmd.Flags().Lookup("listen-gossip"))
	_ = viper.BindPFlag("gateway.listen_addr", runCmd.Flags().Lookup("listen-http"))
	_ = viper.BindPFlag("gossip.peers", runCmd.Flags().Lookup("peer"))
	_ = viper.BindPFlag("gossip.permanent_peer", runCmd.Flags().Lookup("permanent-peer"))
	_ = viper.BindPFlag("gossip.peer_watch_file", runCmd.Flags().Lookup("peer-watch-file"))
	_ = viper.BindPFlag("gossip.ring", runCmd.Flags().Lookup("ring"))
	_ = viper.BindPFlag("supervisor.organization", runCmd.Flags().Lookup("org"))
	_ = viper.BindPFlag("supervisor.config_from", runCmd.Flags().Lookup("config-from"))
	_ = viper.BindPFlag("gateway.disable", runCmd.Flags().Lookup("http-disable"))
	_ = viper.BindPFlag("supervisor.sys_ip", runCmd.Flags().Lookup("sys-ip"))
	_ = viper.BindPFlag("supervisor.data_path", runCmd.Flags().Lookup("data-path"))

	rootCmd.AddCommand(runCmd)
}

func runSupervisor(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	// a package identifier argument is shorthand for svc load + run
	if len(args) == 1 {
		store, err := supervisor.NewSpecStore(cfg.SpecDir())
		if err != nil {
			return err
		}
		spec := &types.ServiceSpec{
			IdentString: args[0],
			Org:         cfg.Supervisor.Organization,
			ConfigFrom:  cfg.Supervisor.ConfigFrom,
		}
		if err := spec.Normalize(); err != nil {
			return err
		}
		if err := store.Save(spec); err != nil {
			return err
		}
	}

	sup, err := supervisor.New(cfg, logger, version.Version)
	if err != nil {
		return err
	}

	var gateway *server.Server
	if !cfg.Gateway.Disable {
		gateway = server.New(cfg.Gateway, sup, logger, version.Version)
		if err := gateway.Start(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = sup.Run(ctx)
	if gateway != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gatewayShutdownTimeout)
		defer cancel()
		if gwErr := gateway.Shutdown(shutdownCtx); err == nil {
			err = gwErr
		}
	}
	return err
}
