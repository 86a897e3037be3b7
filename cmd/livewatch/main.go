// Command livewatch subscribes to a realtime-service instance and prints the
// events it receives, one JSON object per line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/weiawesome/wes-io-live/realtime-service/pkg/domain"
	"github.com/weiawesome/wes-io-live/realtime-service/pkg/liveclient"
	pkglog "github.com/weiawesome/wes-io-live/realtime-service/pkg/log"
)

var (
	serverURL   string
	streamID    string
	listStreams bool
	category    string
	token       string
	watchCount  bool
	maxAttempts int
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "livewatch",
	Short: "Watch realtime events from a realtime-service instance",
	Long: `livewatch opens an event stream and prints every event as JSON.

Subscription:
  --stream ID       events of one stream
  --list            the live-stream directory (optionally --category)
  (neither)         every lifecycle and presence event`,
	SilenceUsage: true,
	RunE:         runWatch,
}

func init() {
	rootCmd.Flags().StringVar(&serverURL, "server", "http://localhost:8095", "realtime-service base URL")
	rootCmd.Flags().StringVar(&streamID, "stream", "", "subscribe to one stream")
	rootCmd.Flags().BoolVar(&listStreams, "list", false, "subscribe to the live-stream directory")
	rootCmd.Flags().StringVar(&category, "category", "", "directory category filter (with --list)")
	rootCmd.Flags().StringVar(&token, "token", "", "bearer token")
	rootCmd.Flags().BoolVar(&watchCount, "count", false, "print only viewer count changes (with --stream)")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "reconnect attempts before giving up (0 = default)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	rootCmd.MarkFlagsMutuallyExclusive("stream", "list")
}

func subscription() (domain.Subscription, error) {
	switch {
	case streamID != "":
		return domain.Subscription{Kind: domain.KindStream, StreamID: streamID}, nil
	case listStreams:
		return domain.Subscription{Kind: domain.KindDirectory, Category: category}, nil
	case category != "":
		return domain.Subscription{}, errors.New("--category requires --list")
	default:
		return domain.Subscription{Kind: domain.KindGlobal}, nil
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	sub, err := subscription()
	if err != nil {
		return err
	}
	if watchCount && sub.Kind != domain.KindStream {
		return errors.New("--count requires --stream")
	}

	logger := pkglog.NewWithWriter(os.Stderr, pkglog.Config{Level: logLevel, ServiceName: "livewatch"})
	out := json.NewEncoder(cmd.OutOrStdout())

	backoff := liveclient.DefaultBackoff()
	if maxAttempts > 0 {
		backoff.MaxAttempts = maxAttempts
	}

	opts := liveclient.Options{
		Dialer:  &liveclient.HTTPDialer{BaseURL: serverURL, Token: token},
		Backoff: backoff,
		Logger:  &logger,
		OnStateChange: func(s liveclient.Snapshot) {
			ev := logger.Info().Str("state", s.State.String()).Int("attempt", s.ReconnectAttempt)
			if s.Err != nil {
				ev = ev.Err(s.Err)
			}
			ev.Msg("connection state changed")
		},
	}
	if !watchCount {
		opts.OnEvent = func(e *domain.Event) {
			if err := out.Encode(e); err != nil {
				logger.Error().Err(err).Msg("failed to write event")
			}
		}
	}

	client := liveclient.New(sub, opts)
	if watchCount {
		client.WatchViewerCount(sub.StreamID, func(count int) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s viewers=%d\n", sub.StreamID, count)
		})
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client.Connect()
	done := client.Done()
	select {
	case <-ctx.Done():
		client.Disconnect()
		<-done
		return nil
	case <-done:
		return client.Snapshot().Err
	}
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
