package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/extension-analysis/extension-analysis-go/internal/classifier"
	"github.com/extension-analysis/extension-analysis-go/internal/config"
	"github.com/extension-analysis/extension-analysis-go/internal/crx"
	"github.com/extension-analysis/extension-analysis-go/internal/engine"
	"github.com/extension-analysis/extension-analysis-go/internal/queue"
	"github.com/extension-analysis/extension-analysis-go/internal/source"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	configPath      string
	jsonOutput      bool
	failOn          string
	calibrationPath string
	verbose         bool
	noColor         bool
)

// ExitError 非常规退出码（--fail-on 命中时为 2）
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string { return e.Message }

func main() {
	rootCmd := &cobra.Command{
		Use:   "extscan",
		Short: "Analyze browser extensions for malicious behavior",
		Long: fmt.Sprintf(`extscan analyzes browser extensions (CRX packages, unpacked directories,
manifest.json files or single scripts) entirely on this machine and prints a threat verdict.

Build Info: Commit %s

Examples:
  extscan scan ./suspicious.crx
  extscan scan ./unpacked-ext --json
  extscan scan a.crx b.crx --fail-on high
  extscan enqueue uploads/ext.crx --config configs/config.yaml`, commit),
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (limits, cache, RabbitMQ)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging to stderr")

	scanCmd := &cobra.Command{
		Use:   "scan <path>...",
		Short: "Analyze one or more extensions",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runScan,
	}
	scanCmd.Flags().BoolVar(&jsonOutput, "json", false, "output full reports as JSON")
	scanCmd.Flags().StringVar(&failOn, "fail-on", "", "exit with code 2 if any verdict meets/exceeds level (low, medium, high, critical)")
	scanCmd.Flags().StringVar(&calibrationPath, "calibration", "", "classifier calibration YAML")
	scanCmd.Flags().BoolVar(&noColor, "no-color", false, "disable colored output")

	enqueueCmd := &cobra.Command{
		Use:   "enqueue <artifact-id>...",
		Short: "Publish scan requests to the RabbitMQ queue",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runEnqueue,
	}

	rootCmd.AddCommand(scanCmd, enqueueCmd)

	if err := rootCmd.Execute(); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			fmt.Fprintln(os.Stderr, exitErr.Message)
			os.Exit(exitErr.Code)
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newLogger() *logrus.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return config.NewLogger(&config.LogConfig{Level: level, Format: "text"}, os.Stderr)
}

// loadConfig 未指定 --config 时使用默认值
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

func runScan(cmd *cobra.Command, args []string) error {
	var threshold classifier.Level
	if failOn != "" {
		l, err := classifier.ParseLevel(failOn)
		if err != nil {
			return err
		}
		threshold = l
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	opts := engine.Options{CacheSize: cfg.Analysis.CacheSize, Limits: cfg.Analysis.Limits(), Logger: logger}
	calPath := calibrationPath
	if calPath == "" {
		calPath = cfg.Analysis.CalibrationFile
	}
	if calPath != "" {
		cal, err := classifier.LoadCalibration(calPath)
		if err != nil {
			return err
		}
		opts.Calibration = &cal
	}
	eng, err := engine.New(opts)
	if err != nil {
		return err
	}

	reports, failed := scanPaths(cmd.Context(), eng, args, opts.Limits, cmd.ErrOrStderr())

	out := cmd.OutOrStdout()
	if jsonOutput {
		if err := writeJSON(out, reports); err != nil {
			return err
		}
	} else {
		r := newRenderer(out, noColor)
		for _, report := range reports {
			r.Report(report)
		}
	}

	if failed > 0 {
		return &ExitError{Code: 1, Message: fmt.Sprintf("%d of %d artifacts could not be analyzed", failed, len(args))}
	}
	if threshold != "" {
		if hits := countAtLeast(reports, threshold); hits > 0 {
			return &ExitError{Code: 2, Message: fmt.Sprintf("%d artifact(s) at or above %s", hits, threshold)}
		}
	}
	return nil
}

// scanPaths 逐个分析；读取失败的路径计入 failed，分析器降级仍输出报告
func scanPaths(ctx context.Context, eng *engine.Engine, paths []string, limits crx.Limits, errOut io.Writer) ([]*engine.Report, int) {
	if ctx == nil {
		ctx = context.Background()
	}
	var reports []*engine.Report
	failed := 0
	for _, path := range paths {
		req, err := source.Load(path, limits)
		if err != nil {
			fmt.Fprintf(errOut, "%s: %v\n", path, err)
			failed++
			continue
		}
		req.ArtifactID = path

		report, err := eng.Analyze(ctx, *req)
		if report == nil {
			fmt.Fprintf(errOut, "%s: %v\n", path, err)
			failed++
			continue
		}
		reports = append(reports, report)
	}
	return reports, failed
}

func countAtLeast(reports []*engine.Report, threshold classifier.Level) int {
	n := 0
	for _, r := range reports {
		if r.Level().AtLeast(threshold) {
			n++
		}
	}
	return n
}

func writeJSON(w io.Writer, reports []*engine.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if len(reports) == 1 {
		return enc.Encode(reports[0])
	}
	return enc.Encode(reports)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger()

	mq, err := queue.NewRabbitMQ(queue.OptionsFromConfig(&cfg.RabbitMQ, 1), logger)
	if err != nil {
		return fmt.Errorf("failed to connect RabbitMQ: %w", err)
	}
	defer mq.Close()

	producer := queue.NewProducer(mq, logger)
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	for _, id := range args {
		msg := &queue.ScanMessage{ArtifactID: id, SubmittedAt: time.Now().UTC()}
		if err := producer.PublishScan(ctx, msg); err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", id, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", id)
	}
	return nil
}
