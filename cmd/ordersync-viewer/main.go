package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/logging"
	"github.com/agentworkforce/ordersync/internal/ordersync"
	"github.com/agentworkforce/ordersync/internal/viewsync"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	BaseURL   string
	LogLevel  string
	LogFormat string
	Timeout   time.Duration
	out       io.Writer
}

func (o *rootOptions) logger() (*zap.Logger, error) {
	return logging.NewWithWriter(o.LogLevel, o.LogFormat, os.Stderr)
}

func (o *rootOptions) client() *viewsync.HTTPClient {
	return viewsync.NewHTTPClient(o.BaseURL, &http.Client{Timeout: o.Timeout})
}

func newRootCommand(out io.Writer) *cobra.Command {
	opts := &rootOptions{out: out}
	cmd := &cobra.Command{
		Use:           "ordersync-viewer",
		Short:         "Follow and edit orders on an ordersync server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.BaseURL, "base-url", envOrDefault("ORDERSYNC_BASE_URL", "http://127.0.0.1:9000"), "ordersync base URL")
	flags.StringVar(&opts.LogLevel, "log-level", envOrDefault("ORDERSYNC_LOG_LEVEL", "info"), "debug|info|warn|error")
	flags.StringVar(&opts.LogFormat, "log-format", envOrDefault("ORDERSYNC_LOG_FORMAT", "console"), "json|console")
	flags.DurationVar(&opts.Timeout, "timeout", durationEnv("ORDERSYNC_VIEWER_TIMEOUT", 15*time.Second), "per-request timeout")

	cmd.AddCommand(newFollowCommand(opts))
	cmd.AddCommand(newListCommand(opts))
	cmd.AddCommand(newEditCommand(opts))
	return cmd
}

type followOptions struct {
	*rootOptions
	OrderID        string
	MaxEvents      int
	Reconnect      time.Duration
	ReconnectMax   time.Duration
	ReconnectRatio float64
}

func newFollowCommand(root *rootOptions) *cobra.Command {
	opts := &followOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Print every sync event as a JSON line",
		Long: `Streams ORDER_SYNCED events from /sync, one JSON object per line.
The connection is re-established with jittered backoff until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runFollow(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.OrderID, "order", "", "only print events for this order id")
	cmd.Flags().IntVar(&opts.MaxEvents, "max-events", 0, "exit after this many events, 0 follows forever")
	cmd.Flags().DurationVar(&opts.Reconnect, "reconnect", durationEnv("ORDERSYNC_VIEWER_RECONNECT", time.Second), "initial reconnect delay")
	cmd.Flags().DurationVar(&opts.ReconnectMax, "reconnect-max", durationEnv("ORDERSYNC_VIEWER_RECONNECT_MAX", 30*time.Second), "reconnect delay cap")
	cmd.Flags().Float64Var(&opts.ReconnectRatio, "reconnect-jitter", floatEnv("ORDERSYNC_VIEWER_RECONNECT_JITTER", 0.2), "reconnect jitter ratio (0.0-1.0)")
	return cmd
}

func runFollow(ctx context.Context, opts *followOptions) error {
	logger, err := opts.logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	syncURL := opts.client().SyncURL()
	encoder := json.NewEncoder(opts.out)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	printed := 0
	attempt := 0
	for {
		conn, err := viewsync.DialSync(ctx, syncURL)
		if err == nil {
			attempt = 0
			logger.Info("following", zap.String("url", syncURL))
			err = streamEvents(ctx, conn, opts.OrderID, func(event ordersync.SyncEvent) error {
				if err := encoder.Encode(event); err != nil {
					return err
				}
				printed++
				if opts.MaxEvents > 0 && printed >= opts.MaxEvents {
					return errFollowDone
				}
				return nil
			})
			_ = conn.Close()
			if errors.Is(err, errFollowDone) {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		delay := jitteredIntervalWithSample(backoffDelay(opts.Reconnect, opts.ReconnectMax, attempt), clampJitterRatio(opts.ReconnectRatio), rng.Float64())
		logger.Warn("sync connection lost", zap.Error(err), zap.Duration("retry_in", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

var errFollowDone = errors.New("follow done")

func streamEvents(ctx context.Context, frames viewsync.FrameReader, orderID string, emit func(ordersync.SyncEvent) error) error {
	for {
		msg, err := frames.Receive(ctx)
		if err != nil {
			return err
		}
		if msg.Type != ordersync.MessageOrderSynced {
			continue
		}
		var event ordersync.SyncEvent
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			return fmt.Errorf("%w: %v", ordersync.ErrInvalidInput, err)
		}
		if orderID != "" && event.OrderID != orderID {
			continue
		}
		if err := emit(event); err != nil {
			return err
		}
	}
}

type listOptions struct {
	*rootOptions
	Cursor string
	Limit  int
	All    bool
}

func newListCommand(root *rootOptions) *cobra.Command {
	opts := &listOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print orders newest first using cursor pagination",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), opts)
		},
	}
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "resume after this cursor")
	cmd.Flags().IntVar(&opts.Limit, "limit", ordersync.DefaultPageSize, "page size")
	cmd.Flags().BoolVar(&opts.All, "all", false, "follow nextCursor until the last page")
	return cmd
}

func runList(ctx context.Context, opts *listOptions) error {
	client := opts.client()
	encoder := json.NewEncoder(opts.out)
	cursor := opts.Cursor
	for {
		page, err := client.ListOrdersCursor(ctx, cursor, opts.Limit)
		if err != nil {
			return err
		}
		for _, order := range page.Data {
			if err := encoder.Encode(order); err != nil {
				return err
			}
		}
		if !opts.All || !page.HasMore || page.NextCursor == "" {
			if page.HasMore && !opts.All {
				fmt.Fprintf(os.Stderr, "next cursor: %s\n", page.NextCursor)
			}
			return nil
		}
		cursor = page.NextCursor
	}
}

type editOptions struct {
	*rootOptions
	Status      string
	ShippingFee string
	Force       bool
	Wait        time.Duration
}

func newEditCommand(root *rootOptions) *cobra.Command {
	opts := &editOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "edit <order-id>",
		Short: "Edit an order's status or shipping fee",
		Long: `Loads the order, applies the requested changes to a draft and submits
it against the loaded version. If another write got there first the edit is
rejected and the server's copy is printed; pass --force to overwrite it.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runEdit(ctx, opts, args[0])
		},
	}
	cmd.Flags().StringVar(&opts.Status, "status", "", "new status (pending|confirmed|shipped|cancelled)")
	cmd.Flags().StringVar(&opts.ShippingFee, "shipping-fee", "", "new shipping fee")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite a newer server version")
	cmd.Flags().DurationVar(&opts.Wait, "wait", 10*time.Second, "how long to wait for the server's answer")
	return cmd
}

func runEdit(ctx context.Context, opts *editOptions, orderID string) error {
	logger, err := opts.logger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	ctx, cancel := context.WithTimeout(ctx, opts.Wait)
	defer cancel()

	client := opts.client()
	order, err := client.GetOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("load order %s: %w", orderID, err)
	}
	fields, err := applyEditFlags(order, opts.Status, opts.ShippingFee)
	if err != nil {
		return err
	}

	conn, err := viewsync.DialSync(ctx, client.SyncURL())
	if err != nil {
		return err
	}
	defer conn.Close()

	session := viewsync.NewEditSession(order, conn, client, logger.Sugar())
	if err := session.Edit(fields); err != nil {
		return err
	}
	event, err := session.Commit(ctx, conn)
	if errors.Is(err, viewsync.ErrEditRejected) && opts.Force {
		logger.Info("edit rejected, overwriting", zap.Int64("server_version", session.View().Server.Version))
		if err := session.ForceOverwrite(); err != nil {
			return err
		}
		event, err = session.Commit(ctx, conn)
	}
	if errors.Is(err, viewsync.ErrEditRejected) {
		view := session.View()
		return fmt.Errorf("%w; server has version %d (%s, %s), rerun with --force to overwrite",
			err, view.Server.Version, view.Server.Fields.Status, view.Server.Fields.ShippingFee.StringFixed(2))
	}
	if err != nil {
		return err
	}
	return json.NewEncoder(opts.out).Encode(event)
}

// applyEditFlags builds the draft from order with the flags that were set.
func applyEditFlags(order ordersync.Order, status, shippingFee string) (ordersync.OrderFields, error) {
	fields := ordersync.OrderFields{Status: order.Status, ShippingFee: order.ShippingFee}
	if strings.TrimSpace(status) == "" && strings.TrimSpace(shippingFee) == "" {
		return fields, fmt.Errorf("%w: nothing to change, pass --status or --shipping-fee", ordersync.ErrInvalidInput)
	}
	if strings.TrimSpace(status) != "" {
		parsed, ok := ordersync.ParseStatus(status)
		if !ok {
			return fields, fmt.Errorf("%w: unknown status %q", ordersync.ErrInvalidInput, status)
		}
		fields.Status = parsed
	}
	if strings.TrimSpace(shippingFee) != "" {
		fee, err := decimal.NewFromString(strings.TrimSpace(shippingFee))
		if err != nil || fee.IsNegative() {
			return fields, fmt.Errorf("%w: invalid shipping fee %q", ordersync.ErrInvalidInput, shippingFee)
		}
		fields.ShippingFee = fee
	}
	return fields, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

// backoffDelay doubles base per failed attempt up to maxDelay.
func backoffDelay(base, maxDelay time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if maxDelay < base {
		maxDelay = base
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	return delay
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
