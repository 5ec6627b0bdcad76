package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ethank2222/TriniTeam/internal/events"
	"github.com/ethank2222/TriniTeam/internal/service"
)

var (
	watchSubject string
	watchURL     string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the events a server publishes to NATS",
	Long: `Follows the JetStream event stream of a running server and prints one
JSON event per line. The server must use a shared NATS server
(nats.embedded: false); an embedded server is private to its process.`,
	Example: `  triniteam watch
  triniteam watch --subject "triniteam.task.>" --url nats://nats:4222`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		url := cfg.NATS.URL
		if watchURL != "" {
			url = watchURL
		}
		nc, err := dialNATS(url, cfg.NATS, cfg.App.Name+"-watch", logger)
		if err != nil {
			return err
		}
		defer nc.Close()

		js, err := nc.JetStream()
		if err != nil {
			return fmt.Errorf("failed to create JetStream context: %w", err)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return watchEvents(ctx, js, watchSubject, cmd.OutOrStdout(), logger)
	},
}

func init() {
	watchCmd.Flags().StringVarP(&watchSubject, "subject", "s", service.SubjectPrefix+".>", "subject to follow, NATS wildcards allowed")
	watchCmd.Flags().StringVar(&watchURL, "url", "", "NATS server URL (default nats.url from the config)")
}

// watchEvents writes every event published on subject to w until ctx is done
func watchEvents(ctx context.Context, js nats.JetStreamContext, subject string, w io.Writer, logger *zap.Logger) error {
	publisher, err := service.NewEventPublisher(js, logger)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	err = publisher.Subscribe(ctx, subject, func(event events.Event) {
		if err := enc.Encode(event); err != nil {
			logger.Warn("Failed to write event", zap.String("type", event.Type), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	logger.Info("Watching events", zap.String("subject", subject))
	<-ctx.Done()
	return nil
}
