package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/objectproxy/internal/health"
	"github.com/dyluth/objectproxy/internal/printer"
	"github.com/dyluth/objectproxy/internal/watch"
	"github.com/dyluth/objectproxy/pkg/proxy"
	"github.com/dyluth/objectproxy/pkg/record"
)

var (
	watchOutputFormat string
	watchSchema       string
	watchEvents       []string
	watchLists        []string
	watchMetricsAddr  string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor proxy events in real time",
	Long: `Run a proxy subscribed to the instance's record events and print every
event it publishes: records cached or refreshed, lists loaded, records
evicted, and lifecycle events such as User.Login.

Output Formats:
  default - Human-readable output with timestamps and emojis
  json    - Line-delimited JSON for programmatic processing

Examples:
  # Watch everything
  objproxy watch

  # Load the layer list, then follow changes to it
  objproxy watch --list layer --schema layer

  # Export lifecycle events as JSON
  objproxy watch --event User.Login --event User.Logout --output=json > events.jsonl`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().StringVar(&watchSchema, "schema", "", "Only show events for schemas matching this glob")
	watchCmd.Flags().StringArrayVar(&watchEvents, "event", nil, "Only show events with this name (repeatable)")
	watchCmd.Flags().StringArrayVar(&watchLists, "list", nil, "Load this schema's list on start (repeatable)")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve /healthz and /metrics here (overrides metrics.addr)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	var outputFormat watch.OutputFormat
	switch watchOutputFormat {
	case "default":
		outputFormat = watch.OutputFormatDefault
	case "json":
		outputFormat = watch.OutputFormatJSON
	default:
		return printer.Error(
			"invalid output format",
			"Unknown format: "+watchOutputFormat,
			[]string{"Valid formats: default, json"},
		)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	addr := s.cfg.Metrics.Addr
	if watchMetricsAddr != "" {
		addr = watchMetricsAddr
	}
	if addr != "" {
		hs := health.NewServer(s.store, s.registry, s.logger)
		if err := hs.Start(addr); err != nil {
			return printer.Error("failed to start metrics server", err.Error(), nil)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			hs.Shutdown(shutdownCtx)
		}()
	}

	var filter *watch.Criteria
	if watchSchema != "" || len(watchEvents) > 0 {
		filter = &watch.Criteria{SchemaGlob: watchSchema, Events: watchEvents}
	}

	stream, err := watch.NewStream(s.proxy.Events(), outputFormat, filter, printer.Out())
	if err != nil {
		return err
	}

	if err := s.proxy.Start(ctx); err != nil {
		return printer.Error("failed to subscribe to record events", err.Error(), nil)
	}

	for _, schema := range watchLists {
		h := s.proxy.GetList(schema, proxy.ListOptions{})
		go func(schema string, h *proxy.Handle[*record.List]) {
			if _, err := h.Wait(ctx); err != nil && ctx.Err() == nil {
				printer.Warning("failed to load %s list: %v\n", schema, err)
			}
		}(schema, h)
	}

	return stream.Wait(ctx)
}
