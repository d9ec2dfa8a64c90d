// Package writer persists the record sets of a run: CSV logs, the
// alerts.json envelope array, an optional ClickHouse export, and the scan
// summary files.
package writer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/factory"
	"PcapSentry/internal/model"

	"go.uber.org/zap"
)

const (
	ConnLogFile   = "conn_log.csv"
	DNSLogFile    = "dns_log.csv"
	AlertsCSVFile = "alerts.csv"

	// TimeLayout is used for every timestamp column.
	TimeLayout = "2006-01-02T15:04:05.000000Z"
	missing    = "-"
)

var (
	connHeader  = []string{"start", "end", "duration", "protocol", "orig_ip", "orig_port", "resp_ip", "resp_port", "orig_bytes", "resp_bytes", "orig_pkts", "resp_pkts", "state"}
	dnsHeader   = []string{"timestamp", "client_ip", "client_port", "resolver_ip", "resolver_port", "trans_id", "query", "qtype", "rcode", "answers", "latency_ms"}
	alertHeader = []string{"timestamp", "alert_type", "src_ip", "dst_ip", "severity", "details"}
)

func init() {
	factory.RegisterWriter("csv", func(_ *config.Config, runDir string, logger *zap.Logger) (model.RecordWriter, error) {
		return NewCSVWriter(runDir, logger), nil
	})
}

// CSVWriter writes conn_log.csv, dns_log.csv and alerts.csv.
type CSVWriter struct {
	dir    string
	logger *zap.Logger
}

// NewCSVWriter creates a writer for the logs in dir.
func NewCSVWriter(dir string, logger *zap.Logger) *CSVWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CSVWriter{dir: dir, logger: logger}
}

func (w *CSVWriter) Name() string { return "csv" }

func (w *CSVWriter) Write(conns []model.Connection, dns []model.DNSTransaction, alerts []model.Alert) error {
	if err := writeCSV(filepath.Join(w.dir, ConnLogFile), connHeader, len(conns), func(i int) []string {
		return ConnRow(conns[i])
	}); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(w.dir, DNSLogFile), dnsHeader, len(dns), func(i int) []string {
		return DNSRow(dns[i])
	}); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(w.dir, AlertsCSVFile), alertHeader, len(alerts), func(i int) []string {
		return AlertRow(alerts[i])
	}); err != nil {
		return err
	}
	w.logger.Info("wrote csv logs", zap.String("dir", w.dir),
		zap.Int("connections", len(conns)), zap.Int("dns", len(dns)), zap.Int("alerts", len(alerts)))
	return nil
}

func writeCSV(path string, header []string, n int, row func(int) []string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filepath.Base(path), err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	cw := csv.NewWriter(f)
	if err := cw.Write(header); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := cw.Write(row(i)); err != nil {
			return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func uitoa(v uint64) string { return strconv.FormatUint(v, 10) }

// ConnRow renders a connection as a conn_log.csv row.
func ConnRow(c model.Connection) []string {
	return []string{
		formatTime(c.Start),
		formatTime(c.End),
		strconv.FormatFloat(c.Duration().Seconds(), 'f', 6, 64),
		model.ProtocolName(c.Protocol),
		c.Orig.Addr().String(),
		strconv.Itoa(int(c.Orig.Port())),
		c.Resp.Addr().String(),
		strconv.Itoa(int(c.Resp.Port())),
		uitoa(c.OrigBytes),
		uitoa(c.RespBytes),
		uitoa(c.OrigPkts),
		uitoa(c.RespPkts),
		string(c.State),
	}
}

// DNSRow renders a transaction as a dns_log.csv row. Unanswered queries
// carry "-" for the response columns.
func DNSRow(tx model.DNSTransaction) []string {
	rcode, answers, latency := missing, missing, missing
	if tx.Answered {
		rcode = tx.RCode
		if len(tx.Answers) > 0 {
			answers = strings.Join(tx.Answers, ";")
		}
		latency = strconv.FormatFloat(float64(tx.Latency)/float64(time.Millisecond), 'f', 3, 64)
	}
	return []string{
		formatTime(tx.Timestamp),
		tx.Client.Addr().String(),
		strconv.Itoa(int(tx.Client.Port())),
		tx.Resolver.Addr().String(),
		strconv.Itoa(int(tx.Resolver.Port())),
		strconv.Itoa(int(tx.ID)),
		tx.Query,
		tx.QType,
		rcode,
		answers,
		latency,
	}
}

// AlertRow renders an alert as an alerts.csv row.
func AlertRow(a model.Alert) []string {
	return []string{
		formatTime(a.Timestamp),
		string(a.Type),
		model.AddrString(a.SrcIP),
		model.AddrString(a.DstIP),
		strconv.Itoa(a.Severity),
		a.Details,
	}
}
