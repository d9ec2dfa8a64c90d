package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"PcapSentry/internal/alerter"
	"PcapSentry/internal/config"
	"PcapSentry/internal/factory"
	"PcapSentry/internal/model"

	"go.uber.org/zap"
)

const AlertsJSONFile = "alerts.json"

func init() {
	factory.RegisterWriter("json", func(cfg *config.Config, runDir string, _ *zap.Logger) (model.RecordWriter, error) {
		return NewJSONWriter(runDir, cfg.Sink), nil
	})
}

// JSONWriter writes the alerts of a run as an array of Wazuh envelopes.
type JSONWriter struct {
	dir string
	cfg config.SinkConfig
}

// NewJSONWriter creates a writer for dir; cfg supplies the agent identity.
func NewJSONWriter(dir string, cfg config.SinkConfig) *JSONWriter {
	return &JSONWriter{dir: dir, cfg: cfg}
}

func (w *JSONWriter) Name() string { return "json" }

func (w *JSONWriter) Write(_ []model.Connection, _ []model.DNSTransaction, alerts []model.Alert) error {
	envs := make([]alerter.Envelope, len(alerts))
	for i, a := range alerts {
		envs[i] = alerter.NewEnvelope(a, w.cfg)
	}
	data, err := json.MarshalIndent(envs, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(w.dir, AlertsJSONFile), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", AlertsJSONFile, err)
	}
	return nil
}
