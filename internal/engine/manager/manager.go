// Package manager runs one analysis end to end: decode, reconstruct, detect,
// persist and deliver.
package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"PcapSentry/internal/alerter"
	"PcapSentry/internal/config"
	"PcapSentry/internal/detector"
	"PcapSentry/internal/engine/protocol"
	"PcapSentry/internal/engine/tracker"
	"PcapSentry/internal/factory"
	"PcapSentry/internal/logging"
	"PcapSentry/internal/metrics"
	"PcapSentry/internal/model"
	"PcapSentry/internal/notification"
	"PcapSentry/internal/writer"
	"PcapSentry/pkg/pcap"

	"go.uber.org/zap"
)

const (
	// ReasonTruncated labels a record the reader could not read whole.
	ReasonTruncated = "truncated_record"

	MetricsFile = "metrics.prom"

	cancelCheckEvery = 4096
)

// Options select the input and override parts of the configuration for one run.
type Options struct {
	Capture string
	// OutputDir overrides output.dir.
	OutputDir string
	// NoBackend disables delivery; every alert goes to the fallback store.
	NoBackend bool
	// ConsoleWriter receives console log lines; nil means stderr.
	ConsoleWriter io.Writer
	// Now defaults to time.Now.
	Now func() time.Time
}

// Result describes a completed run.
type Result struct {
	Capture      string
	Started      time.Time
	ScanID       string
	RunDir       string
	Format       string
	Frames       int
	Decoded      int
	DecodeErrors map[string]int
	Connections  []model.Connection
	DNS          []model.DNSTransaction
	Alerts       []model.Alert
	Rules        []string
	Deliveries   map[alerter.Outcome]int
	Tracker      tracker.Stats
	Duration     time.Duration
}

// TotalDecodeErrors sums the decode errors over all reasons.
func (r *Result) TotalDecodeErrors() int {
	n := 0
	for _, c := range r.DecodeErrors {
		n += c
	}
	return n
}

// Manager runs analyses with a fixed configuration. Runs share nothing, so
// one Manager may serve concurrent runs.
type Manager struct {
	cfg *config.Config
}

// NewManager validates cfg and creates a Manager.
func NewManager(cfg *config.Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Manager{cfg: cfg}, nil
}

// Run analyzes one capture. Invalid input, a corrupt capture header or an
// unwritable output directory fail the run before scan_metadata.json is
// written; per-frame and per-message problems and delivery failures are
// counted and do not.
func (m *Manager) Run(ctx context.Context, opts Options) (*Result, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	started := now()
	cfg := *m.cfg
	if opts.OutputDir != "" {
		cfg.Output.Dir = opts.OutputDir
	}
	if opts.NoBackend {
		cfg.Sink.Enabled = false
		cfg.Sink.LocalFallback = true
	}

	det, err := detector.New(cfg.Detection, nil)
	if err != nil {
		return nil, err
	}
	reader, err := pcap.NewReader(opts.Capture)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	defer reader.Close()

	runDir, err := createRunDir(cfg.Output.Dir, writer.RunDirName(opts.Capture, started))
	if err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:         cfg.Logging.Level,
		Console:       cfg.Logging.Console,
		File:          filepath.Join(runDir, cfg.Logging.File),
		ConsoleWriter: opts.ConsoleWriter,
	})
	if err != nil {
		return nil, err
	}
	defer closeLog()
	det = det.WithLogger(logger.Named("detector"))

	res := &Result{
		Capture:      opts.Capture,
		Started:      started,
		ScanID:       writer.ScanID(runDir),
		RunDir:       runDir,
		Format:       reader.Format().String(),
		DecodeErrors: make(map[string]int),
		Rules:        det.Rules(),
	}
	logger.Info("starting analysis",
		zap.String("capture", opts.Capture),
		zap.String("format", res.Format),
		zap.String("run_dir", runDir),
		zap.Strings("rules", res.Rules))

	run := metrics.NewRun()
	tr := tracker.New(cfg.Flow, logger.Named("tracker"))
	if err := decodeAll(ctx, reader, tr, res, run, logger); err != nil {
		return nil, err
	}

	res.Connections, res.DNS = tr.Finish()
	res.Tracker = tr.Stats()
	res.Alerts = det.Evaluate(res.Connections, res.DNS)
	observe(run, res)

	if err := m.persist(&cfg, runDir, res, logger); err != nil {
		return nil, err
	}

	res.Deliveries = deliver(ctx, cfg.Sink, res.Alerts, run, logger.Named("sink"))

	if cfg.SMTP.Enabled {
		summary := alerter.RunSummary{
			Capture:     filepath.Base(opts.Capture),
			ScanDir:     runDir,
			Frames:      res.Frames,
			Connections: len(res.Connections),
			DNS:         len(res.DNS),
			Alerts:      res.Alerts,
		}
		if err := alerter.Notify(notification.NewEmailNotifier(cfg.SMTP), summary, logger); err != nil {
			logger.Warn("run summary not sent", zap.Error(err))
		}
	}

	res.Duration = now().Sub(started)
	run.Duration.Set(res.Duration.Seconds())
	if err := run.WriteFile(filepath.Join(runDir, MetricsFile)); err != nil {
		return nil, fmt.Errorf("failed to write metrics: %w", err)
	}

	meta := writer.ScanMetadata{
		ScanID:       res.ScanID,
		Filename:     filepath.Base(opts.Capture),
		Timestamp:    started.Format(time.RFC3339),
		Frames:       res.Frames,
		DecodeErrors: res.TotalDecodeErrors(),
		Connections:  len(res.Connections),
		DNSQueries:   len(res.DNS),
		Alerts:       len(res.Alerts),
		DurationSec:  res.Duration.Seconds(),
		ScanFolder:   runDir,
		Status:       writer.StatusCompleted,
	}
	if err := writer.WriteMetadata(runDir, meta); err != nil {
		return nil, fmt.Errorf("failed to write completion marker: %w", err)
	}

	logger.Info("analysis complete",
		zap.Duration("duration", res.Duration),
		zap.Int("frames", res.Frames),
		zap.Int("decode_errors", res.TotalDecodeErrors()),
		zap.Int("connections", len(res.Connections)),
		zap.Int("dns_transactions", len(res.DNS)),
		zap.Int("alerts", len(res.Alerts)))
	return res, nil
}

// createRunDir creates base/name, adding a numeric suffix when a run with
// the same name already exists.
func createRunDir(base, name string) (string, error) {
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", err
	}
	dir := filepath.Join(base, name)
	for i := 2; ; i++ {
		err := os.Mkdir(dir, 0o755)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return "", err
		}
		dir = filepath.Join(base, fmt.Sprintf("%s_%d", name, i))
	}
}

// decodeAll feeds every frame of the capture to the tracker. Each frame is
// either decoded or counted as a decode error.
func decodeAll(ctx context.Context, reader *pcap.Reader, tr *tracker.Tracker, res *Result, run *metrics.Run, logger *zap.Logger) error {
	parser := protocol.NewParser()
	for {
		if res.Frames%cancelCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		frame, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		res.Frames++
		run.Frames.Inc()
		if err != nil {
			res.DecodeErrors[ReasonTruncated]++
			run.DecodeErrors.WithLabelValues(ReasonTruncated).Inc()
			logger.Warn("damaged capture record", zap.Error(err))
			continue
		}

		info, err := parser.Parse(frame)
		if err != nil {
			reason := protocol.ReasonMalformed
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				reason = de.Reason
			}
			res.DecodeErrors[reason]++
			run.DecodeErrors.WithLabelValues(reason).Inc()
			logger.Debug("frame skipped", zap.Error(err))
			continue
		}
		res.Decoded++
		tr.Process(info)
	}
	if n := res.TotalDecodeErrors(); n > 0 {
		logger.Warn("frames could not be decoded", zap.Int("count", n), zap.Any("by_reason", res.DecodeErrors))
	}
	return nil
}

func observe(run *metrics.Run, res *Result) {
	st := res.Tracker
	run.DNSErrors.Add(float64(st.DNSErrors))
	run.OrphanResponses.Add(float64(st.OrphanResponses))
	run.Unanswered.Add(float64(st.Unanswered))
	run.DNSDropped.Add(float64(st.DroppedTransactions))
	run.PeakOpenFlows.Set(float64(st.PeakOpenFlows))
	run.DNSTransactions.Add(float64(len(res.DNS)))
	for _, c := range res.Connections {
		run.Connections.WithLabelValues(model.ProtocolName(c.Protocol), string(c.State)).Inc()
	}
	for _, a := range res.Alerts {
		run.Alerts.WithLabelValues(string(a.Type)).Inc()
	}
}

type optional interface {
	Optional() bool
}

// persist writes the record sets with every registered writer and the
// summary file. Failures of optional writers are only logged.
func (m *Manager) persist(cfg *config.Config, runDir string, res *Result, logger *zap.Logger) error {
	writers, err := factory.Create(cfg, runDir, logger.Named("writer"))
	if err != nil {
		return err
	}
	for _, w := range writers {
		if err := w.Write(res.Connections, res.DNS, res.Alerts); err != nil {
			if o, ok := w.(optional); ok && o.Optional() {
				logger.Warn("optional writer failed", zap.String("writer", w.Name()), zap.Error(err))
				continue
			}
			return fmt.Errorf("writer %s: %w", w.Name(), err)
		}
	}
	return writer.WriteScanInfo(runDir, writer.ScanInfo{
		Capture:      res.Capture,
		AnalyzedAt:   res.Started,
		Frames:       res.Frames,
		DecodeErrors: res.TotalDecodeErrors(),
		Connections:  len(res.Connections),
		DNSQueries:   len(res.DNS),
		Alerts:       res.Alerts,
	})
}

// deliver sends every alert through the sink. Delivery problems never fail
// the run; they are counted by outcome and undelivered alerts are logged.
func deliver(ctx context.Context, cfg config.SinkConfig, alerts []model.Alert, run *metrics.Run, logger *zap.Logger) map[alerter.Outcome]int {
	sink, err := alerter.NewSink(cfg, logger)
	if err != nil {
		logger.Error("alert sink unavailable", zap.Error(err))
		counts := map[alerter.Outcome]int{}
		if len(alerts) > 0 {
			counts[alerter.Undelivered] = len(alerts)
			run.Deliveries.WithLabelValues(alerter.Undelivered.String()).Add(float64(len(alerts)))
		}
		return counts
	}
	defer func() {
		if err := sink.Close(); err != nil {
			logger.Warn("failed to close alert sink", zap.Error(err))
		}
	}()

	if cfg.Enabled && len(alerts) > 0 && !sink.TestConnection(ctx) {
		logger.Warn("backend not reachable, alerts will use the local fallback", zap.String("endpoint", sink.Endpoint()))
	}
	for _, a := range alerts {
		outcome, err := sink.Send(ctx, a)
		run.Deliveries.WithLabelValues(outcome.String()).Inc()
		if err != nil {
			logger.Error("alert lost", zap.String("alert_type", string(a.Type)), zap.Error(err))
		}
	}
	counts := sink.Counts()
	fields := []zap.Field{zap.String("endpoint", sink.Endpoint())}
	for o, n := range counts {
		fields = append(fields, zap.Int(o.String(), n))
	}
	logger.Info("alerts delivered", fields...)
	return counts
}
