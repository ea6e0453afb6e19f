package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"voltbridge/internal/broker"
	"voltbridge/internal/config"
	"voltbridge/internal/logger"
	"voltbridge/internal/protocol"
	"voltbridge/internal/relay"
	"voltbridge/internal/server"
	"voltbridge/internal/store"
)

var (
	serveConfigPath string
	serveDBPath     string
	serveListenAddr string
	serveAPIAddr    string
	serveDebugFlag  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker daemon",
	Long: `Start the voltbridge daemon: the charge point websocket listener, the
admin REST API, and the forwarding relay.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		logger.Configure(cfg.Logging.Level, cfg.Logging.Format)
		log := logger.New()

		log.Info().
			Str("config_file", serveConfigPath).
			Str("db_path", cfg.Database.Path).
			Str("listen_address", cfg.Server.Address).
			Str("api_address", cfg.Server.APIAddress).
			Str("log_level", cfg.Logging.Level).
			Msg("Starting voltbridge daemon")

		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open database")
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer st.Close()

		signer, err := broker.NewHMACSigner(cfg.Security.SigningSecret)
		if err != nil {
			return fmt.Errorf("failed to create signer: %w", err)
		}

		b := broker.New(st, signer, broker.Options{
			CallTimeout:          cfg.GetCallTimeout(),
			FollowUpWindow:       cfg.GetFollowUpWindow(),
			MaxConnectionsPerSrc: cfg.Broker.MaxConnectionsPerSource,
		})

		r := relay.New(b, st, relay.Options{
			SyncInterval:   cfg.GetRelaySyncInterval(),
			KeepaliveIdle:  cfg.GetRelayKeepaliveIdle(),
			ConnectTimeout: cfg.GetRelayConnectTimeout(),
			WriteTimeout:   cfg.GetRelayWriteTimeout(),
		})
		b.Dispatcher().SetRelayReturn(r)
		b.Dispatcher().SetInboundCallObserver(func(conn *broker.Conn, frame *protocol.Frame, raw []byte) {
			r.Mirror(conn.Serial, frame.Action, raw)
		})
		r.Start()

		auth := server.NewAuthenticator(st)
		wsServer := server.New(b, auth)
		apiServer := server.NewAPIServer(st, b, r, cfg)

		var wg sync.WaitGroup
		errChan := make(chan error, 2)

		wg.Add(1)
		go func() {
			defer wg.Done()
			var serveErr error
			if cfg.Server.TLS.Enabled {
				serveErr = wsServer.StartTLS(cfg.Server.Address, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
			} else {
				serveErr = wsServer.Start(cfg.Server.Address)
			}
			if serveErr != nil {
				errChan <- fmt.Errorf("charge point server error: %w", serveErr)
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := apiServer.Start(cfg.Server.APIAddress); err != nil && err != http.ErrServerClosed {
				errChan <- fmt.Errorf("API server error: %w", err)
			}
		}()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigChan:
			log.Info().
				Str("signal", sig.String()).
				Msg("Received shutdown signal")
		case err := <-errChan:
			log.Error().Err(err).Msg("Service error")
			return err
		}

		log.Info().Msg("Shutting down services")

		if err := wsServer.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping charge point server")
		}
		if err := apiServer.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping API server")
		}
		r.Stop()
		b.Shutdown()

		log.Info().Msg("Daemon stopped")
		return nil
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration and database",
	Long:  `Create a default configuration file, initialize the database, and create the default admin user.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := serveConfigPath
		if configPath == "" {
			configPath = "voltbridge.yml"
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			cmd.Printf("Creating default configuration: %s\n", configPath)
			if err := config.Save(config.NewDefault(), configPath); err != nil {
				return fmt.Errorf("failed to save config file: %w", err)
			}
		} else {
			cmd.Printf("Configuration file already exists: %s\n", configPath)
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		if serveDBPath != "" {
			cfg.Database.Path = serveDBPath
		}

		cmd.Printf("Initializing database: %s\n", cfg.Database.Path)
		st, err := store.Open(cfg.Database.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer st.Close()

		passwords := server.NewPasswordService()
		defaultPassword := "admin123"
		hash, err := passwords.HashPassword(defaultPassword)
		if err != nil {
			return fmt.Errorf("failed to hash default password: %w", err)
		}
		if user, err := st.CreateUser("admin", hash, "admin"); err != nil {
			cmd.Printf("Default user creation: %v\n", err)
		} else {
			cmd.Printf("Default user created: %s\n", user.Username)
			cmd.Printf("Default password: %s (change after first login)\n", defaultPassword)
		}

		cmd.Printf("\nInitialization complete\n")
		cmd.Printf("Start the daemon with: voltbridge serve -c %s\n", configPath)
		cmd.Printf("Charge point address: %s\n", cfg.Server.Address)
		cmd.Printf("API address: %s\n", cfg.Server.APIAddress)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check daemon status",
	Long:  `Check the status of the running daemon via its HTTP API.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfiguration()
		if err != nil {
			cfg = config.NewDefault()
		}

		apiAddr := cfg.Server.APIAddress
		if !strings.HasPrefix(apiAddr, "http://") && !strings.HasPrefix(apiAddr, "https://") {
			apiAddr = "http://localhost" + apiAddr
		}

		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get(apiAddr + "/api/v1/health")
		if err != nil {
			cmd.Printf("Status: OFFLINE\n")
			cmd.Printf("Connection error: %v\n", err)
			return nil
		}
		defer resp.Body.Close()

		var health map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			return fmt.Errorf("failed to parse health response: %w", err)
		}

		cmd.Printf("Status: RUNNING\n")
		cmd.Printf("API address: %s\n", apiAddr)
		if connections, ok := health["connections"].(float64); ok {
			cmd.Printf("Connections: %.0f\n", connections)
		}
		if pending, ok := health["pending_calls"].(float64); ok {
			cmd.Printf("Pending calls: %.0f\n", pending)
		}
		return nil
	},
}

// loadConfiguration loads the config file and applies CLI flag overrides.
func loadConfiguration() (*config.Config, error) {
	configPath := serveConfigPath
	if configPath == "" {
		configPath = "voltbridge.yml"
	}

	var cfg *config.Config
	if _, statErr := os.Stat(configPath); statErr == nil {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
		cfg = loaded
	} else if !os.IsNotExist(statErr) {
		return nil, fmt.Errorf("failed to check config file: %w", statErr)
	} else {
		cfg = config.NewDefault()
	}

	if serveDBPath != "" {
		cfg.Database.Path = serveDBPath
	}
	if serveListenAddr != "" {
		cfg.Server.Address = serveListenAddr
	}
	if serveAPIAddr != "" {
		cfg.Server.APIAddress = serveAPIAddr
	}
	if serveDebugFlag {
		cfg.Logging.Level = "debug"
	}

	return cfg, nil
}

func init() {
	for _, c := range []*cobra.Command{serveCmd, initCmd, statusCmd} {
		c.Flags().StringVarP(&serveConfigPath, "config", "c", "", "path to configuration file")
	}
	serveCmd.Flags().StringVar(&serveDBPath, "db", "", "override database path")
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "override charge point listen address")
	serveCmd.Flags().StringVar(&serveAPIAddr, "api", "", "override API listen address")
	serveCmd.Flags().BoolVar(&serveDebugFlag, "debug", false, "enable debug logging")
	initCmd.Flags().StringVar(&serveDBPath, "db", "", "override database path")
}
