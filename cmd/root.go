package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"bigxfer/internal/checkpoint"
	"bigxfer/internal/config"
	"bigxfer/internal/signalling"
	"bigxfer/internal/transport"
	"bigxfer/internal/ui"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfg     *config.Config
	cfgFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bigxfer",
	Short: "bigxfer - resumable large-file transfer over WebRTC",
	Long: `bigxfer sends one file directly to a peer over a WebRTC data channel.

Progress is committed in checkpoints on both sides, so an interrupted
transfer picks up from the last committed checkpoint when the same command
is run again, even after a restart.

Usage:
  Send a file:       bigxfer send --file /path/to/file
  Receive a file:    bigxfer receive --dst /path/to/dir
  Inspect progress:  bigxfer checkpoints list

The peers exchange SDP through Firebase (a short session code) or by
copying the encoded offer and answer by hand (--signal manual).`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		initConfig()

		loaded, err := config.Load(viper.GetViper())
		if err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		cfg = loaded
		return setupLogging(cfg.Log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.bigxfer.yaml)")
	rootCmd.PersistentFlags().String("signal", config.SignalFirebase, "SDP exchange: firebase or manual")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("checkpoint-backend", "sqlite", "checkpoint store: sqlite, file or memory")
	rootCmd.PersistentFlags().String("checkpoint-path", "", "checkpoint database file or directory")

	viper.BindPFlag("signal.mode", rootCmd.PersistentFlags().Lookup("signal"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("checkpoint.backend", rootCmd.PersistentFlags().Lookup("checkpoint-backend"))
	viper.BindPFlag("checkpoint.path", rootCmd.PersistentFlags().Lookup("checkpoint-path"))

	viper.SetEnvPrefix("BIGXFER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// initConfig reads in config file and ENV variables
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			logrus.WithError(err).Warn("Could not find home directory")
			return
		}

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".bigxfer")
	}

	if err := viper.ReadInConfig(); err == nil {
		logrus.WithField("file", viper.ConfigFileUsed()).Debug("Using config file")
	}
}

func setupLogging(lc config.LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)
	if lc.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// createContext creates a context that cancels on interrupt signals
func createContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
			logrus.Info("Received interrupt signal, suspending transfer...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()

	return ctx, cancel
}

// openStore opens the configured checkpoint store and drops records
// older than the retention period. Relative paths live under the user
// config directory.
func openStore(ctx context.Context) (checkpoint.Store, error) {
	path := cfg.Checkpoint.Path
	if path != "" && !filepath.IsAbs(path) {
		base, err := os.UserConfigDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate config directory: %w", err)
		}
		dir := filepath.Join(base, "bigxfer")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
		path = filepath.Join(dir, path)
	}

	store, err := checkpoint.Open(checkpoint.Config{Backend: cfg.Checkpoint.Backend, Path: path})
	if err != nil {
		return nil, err
	}

	if cfg.Checkpoint.Retention > 0 {
		n, err := store.Prune(ctx, cfg.Checkpoint.Retention)
		if err != nil {
			logrus.WithError(err).Warn("Failed to prune stale checkpoints")
		} else if n > 0 {
			logrus.WithField("removed", n).Info("Pruned stale checkpoints")
		}
	}
	return store, nil
}

// services bundles what both transfer commands need.
type services struct {
	peer      *transport.PeerService
	signaling *signalling.SignalingService
	store     checkpoint.Store
	console   *ui.ConsoleUI
}

// createServices creates and wires up all the application services
func createServices(ctx context.Context) (*services, error) {
	console := ui.NewConsoleUI(os.Stdin, os.Stdout)

	signalingService, err := signalling.NewDefaultSignalingService(ctx, cfg, console, os.Stdout)
	if err != nil {
		return nil, err
	}

	store, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	return &services{
		peer:      transport.NewPeerService(cfg),
		signaling: signalingService,
		store:     store,
		console:   console,
	}, nil
}
