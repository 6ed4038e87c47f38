package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/curious-containers/ccagency/pkg/agent"
	"github.com/curious-containers/ccagency/pkg/auth"
	"github.com/curious-containers/ccagency/pkg/broker"
	"github.com/curious-containers/ccagency/pkg/config"
	"github.com/curious-containers/ccagency/pkg/controller"
	"github.com/curious-containers/ccagency/pkg/log"
	"github.com/curious-containers/ccagency/pkg/mailbox"
	"github.com/curious-containers/ccagency/pkg/notifier"
	"github.com/curious-containers/ccagency/pkg/scheduler"
	"github.com/curious-containers/ccagency/pkg/storage"
	"github.com/curious-containers/ccagency/pkg/trustee"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
	Commit  = "unknown"
)

// Exit codes: 0 success, 1 runtime failure, 2 configuration or usage error.
const (
	exitRuntime = 1
	exitConfig  = 2
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitRuntime)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ccagency",
	Short: "CC-Agency - multi-tenant batch execution for container hosts",
	Long: `CC-Agency accepts RED experiment documents over HTTP, schedules their
batches onto a fleet of container hosts and reports terminal states back
through webhooks. Secret values are held by an external trustee service and
never persist in the agency itself.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"CC-Agency version %s\nCommit: %s\n", Version, Commit,
	))
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/ccagency/config.yml", "path to the configuration file")

	createUserCmd.Flags().Bool("admin", false, "grant admin privileges")
	dropCollectionsCmd.Flags().Bool("yes", false, "confirm deletion")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(createUserCmd)
	rootCmd.AddCommand(setPasswordCmd)
	rootCmd.AddCommand(dropCollectionsCmd)
}

// loadConfig resolves and validates the configuration, exiting with the
// configuration code on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitConfig)
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.Log.Level),
		JSONOutput: cfg.Log.JSON,
	})
	return cfg
}

func openStore(cfg *config.Config) storage.Store {
	store, err := storage.NewBoltStore(cfg.Store.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open store: %v\n", err)
		os.Exit(exitRuntime)
	}
	return store
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agency: HTTP broker and schedule controller",
	Long: `Start the broker HTTP API and the schedule controller in one process.
The embedded store holds an exclusive lock, so exactly one agency process
runs per store directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		signingKey, err := auth.LoadSigningKey(cfg.Broker.Auth.JWT.SecretKey, cfg.Store.Path)
		if err != nil {
			return err
		}
		authn := auth.New(store, auth.Config{
			SigningKey:     signingKey,
			TokenMaxAge:    time.Duration(cfg.Broker.Auth.JWT.AccessTokenExpires) * time.Second,
			BlockWindow:    time.Duration(cfg.Broker.Auth.BlockWindowSec) * time.Second,
			BlockThreshold: cfg.Broker.Auth.BlockThreshold,
		})

		receiver, err := mailbox.Listen(cfg.Controller.BindSocketPath)
		if err != nil {
			return err
		}
		defer receiver.Close()

		trusteeClient := trustee.New(cfg.Trustee.URL, cfg.Trustee.Username, cfg.Trustee.Password)
		agentClient := agent.New()

		notify := notifier.New(func(batchIDs []string) {
			if err := store.MarkNotificationsSent(batchIDs); err != nil {
				logger := log.WithComponent("controller")
				logger.Error().Err(err).Msg("failed to mark notifications sent")
				return
			}
			receiver.Raise(mailbox.DestinationScheduler)
		})

		sched := scheduler.New(store, trusteeClient, agentClient, notify, scheduler.Config{
			NodeTimeout:       time.Duration(cfg.Controller.NodeTimeoutSec) * time.Second,
			MaxLaunchAttempts: cfg.Controller.MaxLaunchAttempts,
			RetryLimit:        cfg.Controller.RetryLimit,
			ExternalURL:       cfg.Broker.ExternalURL,
		})

		ctrl := controller.New(store, sched, notify, receiver,
			time.Duration(cfg.Controller.SchedulingIntervalSec)*time.Second)
		if err := ctrl.SeedNodes(cfg.Nodes()); err != nil {
			return err
		}

		server := broker.New(store, authn, trusteeClient, broker.Config{
			BindAddr:          cfg.Broker.BindAddr,
			ControllerSocket:  cfg.Controller.BindSocketPath,
			TrustProxyHeaders: cfg.Broker.TrustProxyHeaders,
		})

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		errCh := make(chan error, 2)
		go func() {
			errCh <- server.ListenAndServe()
		}()
		go func() {
			errCh <- ctrl.Run(ctx)
		}()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

		logger := log.WithComponent("main")
		select {
		case s := <-sig:
			logger.Info().Str("signal", s.String()).Msg("shutting down")
		case err := <-errCh:
			if err != nil {
				cancel()
				return err
			}
		}

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("broker shutdown incomplete")
		}
		return nil
	},
}

var createUserCmd = &cobra.Command{
	Use:   "create-broker-user <username> <password>",
	Short: "Create a broker account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		isAdmin, _ := cmd.Flags().GetBool("admin")
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		authn := auth.New(store, auth.Config{})
		if err := authn.CreateUser(args[0], args[1], isAdmin); err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		fmt.Printf("user %s created\n", args[0])
		return nil
	},
}

var setPasswordCmd = &cobra.Command{
	Use:   "set-password <username> <password>",
	Short: "Replace a broker account's password",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		authn := auth.New(store, auth.Config{})
		if err := authn.SetPassword(args[0], args[1]); err != nil {
			return fmt.Errorf("failed to set password: %w", err)
		}
		fmt.Printf("password for %s updated\n", args[0])
		return nil
	},
}

var dropCollectionsCmd = &cobra.Command{
	Use:   "drop-collections",
	Short: "Delete all stored documents",
	Long: `Delete every stored document: users, experiments, batches, nodes,
block entries and callback tokens. Intended for test rigs, not production.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return fmt.Errorf("refusing to drop collections without --yes")
		}
		cfg := loadConfig()
		store := openStore(cfg)
		defer store.Close()

		if err := store.DropCollections(); err != nil {
			return fmt.Errorf("failed to drop collections: %w", err)
		}
		fmt.Println("collections dropped")
		return nil
	},
}
