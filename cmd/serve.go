package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mattmorgis/github-token-exchange/internal/api"
	"github.com/mattmorgis/github-token-exchange/internal/auth"
	"github.com/mattmorgis/github-token-exchange/internal/config"
	"github.com/mattmorgis/github-token-exchange/internal/githubapp"
	"github.com/mattmorgis/github-token-exchange/internal/service"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the token exchange server",
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		cfgFile, _ := cmd.Flags().GetString("config")
		githubURL, _ := cmd.Flags().GetString("github-url")

		var cfg *config.Config
		if cfgFile != "" {
			loaded, err := config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			cfg = loaded
		} else {
			cfg = config.FromEnv()
		}

		// An incomplete config is reported but not fatal: the server still
		// starts and answers every exchange request with a proper error.
		if err := cfg.Validate(); err != nil {
			log.Warn().Err(err).Msg("configuration incomplete, exchanges will fail")
		}

		verifier := auth.NewVerifier(cmd.Context())

		var broker service.TokenBroker
		keyBytes, err := cfg.PrivateKeyBytes()
		if err == nil {
			broker, err = githubapp.New(githubapp.Options{
				AppName:    cfg.AppName,
				ClientID:   cfg.ClientID,
				PrivateKey: keyBytes,
				BaseURL:    githubURL,
			})
			if err != nil {
				return fmt.Errorf("creating github app broker: %w", err)
			}
		} else {
			broker = unavailableBroker{err}
		}

		srv := api.NewServer(service.NewExchangeService(cfg, verifier, broker))

		server := &http.Server{
			Addr:              addr,
			Handler:           srv.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Info().Msgf("Starting server on %s...", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatal().Err(err).Msg("Server crashed")
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info().Msg("Shutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}

		log.Info().Msg("Server exited")
		return nil
	},
}

// unavailableBroker stands in when no usable private key is configured, so
// the service's per-request config validation produces the error instead of
// a nil dereference.
type unavailableBroker struct {
	err error
}

func (b unavailableBroker) Exchange(context.Context, string) (string, error) {
	return "", fmt.Errorf("github app broker unavailable: %w", b.err)
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("addr", ":8080", "address to listen on")
	serveCmd.Flags().StringP("config", "f", "", "YAML config file (environment variables take precedence)")
	serveCmd.Flags().String("github-url", "", "GitHub Enterprise base URL (empty for github.com)")
}
