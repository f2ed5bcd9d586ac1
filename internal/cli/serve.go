package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/voiced/internal/adapters/http"
)

var errGatewayLost = errors.New("gateway connection lost")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator behind the HTTP control API",
	Long: `Run the coordinator behind the HTTP control API.

The microphone is an audio file played in a loop (input_device, or one of
the files under input_dir picked via PUT /api/voice/devices/input). A .wav
file must be 16 bit 8 kHz PCM; it is sent as G.711 and drives local speaking
detection. An .ogg file is sent as Opus unchanged, but carries no PCM, so
the local user never shows as speaking.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	rt, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           router.SetupRouter(cfg, rt.voice, rt.devices),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "cli").Str("addr", addr).Msg("control API started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-rt.lost:
			return errGatewayLost
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Str("module", "cli").Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("module", "cli").Msg("server forced to shutdown")
		}
		return nil
	})

	err = g.Wait()
	log.Info().Str("module", "cli").Msg("server exited")
	return err
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
