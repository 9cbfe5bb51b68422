package main

import (
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/quailyquaily/voicerelay/internal/directory"
	"github.com/quailyquaily/voicerelay/internal/logutil"
	"github.com/quailyquaily/voicerelay/internal/notify"
	"github.com/quailyquaily/voicerelay/internal/pipeline"
	"github.com/quailyquaily/voicerelay/internal/relay"
	"github.com/quailyquaily/voicerelay/internal/storagefile"
	"github.com/quailyquaily/voicerelay/internal/telegram"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay: poll Telegram and serve the notify HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logutil.LoggerFromViper()
			if err != nil {
				return err
			}

			token := strings.TrimSpace(viper.GetString("telegram.bot_token"))
			if token == "" {
				return fmt.Errorf("missing telegram.bot_token (set via config or %s_TELEGRAM_BOT_TOKEN)", envPrefix)
			}

			allowed, err := parseAllowedUserIDs(viper.GetStringSlice("telegram.allowed_user_ids"))
			if err != nil {
				return err
			}

			store, err := storagefile.New(viper.GetString("storage.dir"))
			if err != nil {
				return fmt.Errorf("storage dir: %w", err)
			}
			if err := store.Cleanup(
				viper.GetDuration("storage.max_age"),
				viper.GetInt("storage.max_files"),
				viper.GetInt64("storage.max_total_bytes"),
			); err != nil {
				logger.Warn("storage_cleanup_error", "error", err.Error())
			}

			api := telegram.NewClient(nil, viper.GetString("telegram.base_url"), token)
			pipe := pipeline.NewClient(
				&http.Client{Timeout: viper.GetDuration("pipeline.request_timeout")},
				viper.GetString("pipeline.base_url"),
			)
			dir := directory.NewClient(
				&http.Client{Timeout: viper.GetDuration("directory.request_timeout")},
				viper.GetString("directory.base_url"),
			)

			r := relay.New(relay.Config{
				AllowedUserIDs: allowed,
				PollTimeout:    viper.GetDuration("telegram.poll_timeout"),
				TaskTimeout:    viper.GetDuration("telegram.task_timeout"),
				MaxConcurrency: viper.GetInt("telegram.max_concurrency"),
				SearchLimit:    viper.GetInt("pipeline.search_limit"),
			}, api, pipe, dir, store, logger)

			server := notify.New(r, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return r.Run(gctx) })
			g.Go(func() error { return server.Run(gctx, viper.GetString("notify.listen")) })
			return g.Wait()
		},
	}
	return cmd
}

func parseAllowedUserIDs(raw []string) ([]int64, error) {
	var out []int64
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid telegram.allowed_user_ids entry %q: %w", s, err)
		}
		out = append(out, id)
	}
	return out, nil
}
