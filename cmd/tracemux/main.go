package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"sort"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/yandex/tracemux/agent/collector/pkg/config"
	"github.com/yandex/tracemux/internal/producerevents"
	"github.com/yandex/tracemux/internal/replay"
	"github.com/yandex/tracemux/internal/xmetrics"
	"github.com/yandex/tracemux/pkg/capture"
	"github.com/yandex/tracemux/pkg/profile"
	"github.com/yandex/tracemux/pkg/tracing"
	"github.com/yandex/tracemux/pkg/xlog"
)

var (
	rootCmd = &cobra.Command{
		Use:           "tracemux",
		Short:         "Merge producer event streams of a profiling capture",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	replayCmd = &cobra.Command{
		Use:   "replay SCRIPT",
		Short: "Run a YAML capture script through a capture session",
		Long: "Replay sends the events and raw tracer observations listed in the script " +
			"through a capture session and prints what the merged stream contained",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0], cmd.OutOrStdout())
		},
	}

	debugMode     bool
	configPath    string
	logLevel      string
	pprofOut      string
	dumpMetrics   bool
	metricsListen string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&debugMode, "debug", "D", false, "force debug mode")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level (default - `info`, must be one of `debug`, `info`, `warn`, `error`)")

	replayCmd.Flags().StringVarP(&pprofOut, "pprof-out", "o", "", "write sampled callstacks as a pprof profile")
	replayCmd.Flags().BoolVar(&dumpMetrics, "dump-metrics", false, "print metrics to stderr after the replay")
	replayCmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve prometheus metrics on this address during the replay")

	if err := rootCmd.MarkPersistentFlagFilename("config"); err != nil {
		panic(err)
	}
	rootCmd.AddCommand(replayCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}

func parseYaml(l xlog.Logger, path string, conf interface{}) error {
	if path == "" {
		l.Warn(context.TODO(), "No config file specified, using default")
		return nil
	}

	l.Info(context.TODO(), "Loading config file", zap.String("path", path))
	configFile, err := os.Open(path)
	if err != nil {
		return err
	}
	defer configFile.Close()

	yamlConfString, err := io.ReadAll(configFile)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(yamlConfString, conf)
}

func newLogger(level zapcore.Level) (xlog.Logger, error) {
	conf := zap.NewProductionConfig()
	conf.Level = zap.NewAtomicLevelAt(level)
	conf.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	conf.OutputPaths = []string{"stderr"}
	return xlog.TryNew(conf.Build())
}

func version() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "devel"
}

func run(ctx context.Context, scriptPath string, out io.Writer) error {
	logLevelZap, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	l, err := newLogger(logLevelZap)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = l.Zap().Sync()
	}()

	c := &config.Config{}
	err = parseYaml(l, configPath, c)
	if err != nil {
		return err
	}
	if debugMode {
		c.Debug = debugMode
	}
	c.FillDefault()

	exporter, err := tracing.NewExporter(c.Tracing)
	if err != nil {
		return err
	}
	shutdown, _, err := tracing.Initialize(ctx, l.WithName("tracing"), exporter, "tracemux", version())
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if shutdownErr := shutdown(context.Background()); shutdownErr != nil {
			l.Error(ctx, "Failed to flush traces", zap.Error(shutdownErr))
		}
	}()

	f, err := os.Open(scriptPath)
	if err != nil {
		return err
	}
	defer f.Close()

	script, err := replay.Parse(f)
	if err != nil {
		return err
	}

	r := xmetrics.NewRegistry()
	if metricsListen != "" {
		stopMetrics := serveMetrics(ctx, l, r, metricsListen)
		defer stopMetrics()
	}

	builder := profile.NewBuilder()
	var sinks []producerevents.EventSink
	if pprofOut != "" {
		sinks = append(sinks, builder)
	}

	start := time.Now()
	res, err := replay.Run(ctx, l, r, c, script, sinks...)
	if res != nil {
		printSummary(out, res, time.Since(start))
	}
	if dumpMetrics {
		printMetrics(l, r)
	}
	if err != nil {
		return err
	}

	if pprofOut != "" {
		return writeProfile(l, builder, pprofOut)
	}
	return nil
}

func serveMetrics(ctx context.Context, l xlog.Logger, r xmetrics.Registry, addr string) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.HTTPHandler(ctx, l))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		err := srv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error(ctx, "Failed to run http server", zap.Error(err))
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}

func printSummary(out io.Writer, res *replay.Result, elapsed time.Duration) {
	kinds := make([]capture.Kind, 0, len(res.Kinds))
	total := uint64(0)
	for kind, count := range res.Kinds {
		kinds = append(kinds, kind)
		total += count
	}
	sort.Slice(kinds, func(i, j int) bool {
		return kinds[i] < kinds[j]
	})

	fmt.Fprintf(out, "Session %s: %s merged events in %s\n", res.SessionID, humanize.Comma(int64(total)), elapsed.Round(time.Microsecond))
	for _, kind := range kinds {
		fmt.Fprintf(out, "  %-28s %s\n", kind, humanize.Comma(int64(res.Kinds[kind])))
	}
	fmt.Fprintf(out, "Definitions: %s, deduplicated: %s, unknown keys: %s\n",
		humanize.Comma(int64(res.Stats.Definitions)),
		humanize.Comma(int64(res.Stats.Deduplicated)),
		humanize.Comma(int64(res.Stats.UnknownKeys)),
	)
	if res.UnmatchedExits > 0 || res.IncompleteGpuJobs > 0 {
		fmt.Fprintf(out, "Unmatched function exits: %d, incomplete GPU jobs: %d\n", res.UnmatchedExits, res.IncompleteGpuJobs)
	}
}

func printMetrics(l xlog.Logger, r xmetrics.Registry) {
	metrics, err := r.Gather()
	if err != nil {
		l.Error(context.TODO(), "Failed to gather metrics", zap.Error(err))
		return
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "%s %v\n", name, metrics[name])
	}
}

func writeProfile(l xlog.Logger, builder *profile.Builder, path string) error {
	if skipped := builder.UndefinedCallstacks(); skipped > 0 {
		l.Warn(context.TODO(), "Skipped samples with undefined callstacks", zap.Int("count", skipped))
	}

	p, err := builder.Finish()
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := p.Write(f); err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}

	info, err := f.Stat()
	if err == nil {
		l.Info(context.TODO(), "Wrote profile",
			zap.String("path", path),
			zap.Int("samples", len(p.Sample)),
			zap.String("size", humanize.Bytes(uint64(info.Size()))),
		)
	}
	return f.Close()
}
