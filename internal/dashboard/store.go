// Package dashboard serves a read-only view over the artifacts of finished
// runs and accepts uploads that start new runs.
package dashboard

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"PcapSentry/internal/alerter"
	"PcapSentry/internal/writer"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StatusIncomplete marks a run directory without a completion marker.
const StatusIncomplete = "incomplete"

const (
	readConcurrency = 8
	previewRows     = 100
)

var (
	ErrScanNotFound  = errors.New("scan not found")
	ErrAlertNotFound = errors.New("alert not found")
)

// alertNamespace scopes alert ids derived from their position in the
// fallback store.
var alertNamespace = uuid.MustParse("6f1c2d55-9a3e-4c1b-8f0a-2b7d4e9c1a30")

// Store reads run directories under the output directory and the shared
// fallback store.
type Store struct {
	logsDir      string
	fallbackFile string
	logger       *zap.Logger
}

func NewStore(logsDir, fallbackFile string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{logsDir: logsDir, fallbackFile: fallbackFile, logger: logger}
}

// Scans lists every run directory, newest first. Directories whose marker
// is missing or unreadable are reported as incomplete.
func (s *Store) Scans(ctx context.Context) ([]writer.ScanMetadata, error) {
	entries, err := os.ReadDir(s.logsDir)
	if errors.Is(err, os.ErrNotExist) {
		return []writer.ScanMetadata{}, nil
	}
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	scans := make([]writer.ScanMetadata, len(dirs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, name := range dirs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			scans[i] = s.readScan(name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.SliceStable(scans, func(i, j int) bool {
		if scans[i].Timestamp != scans[j].Timestamp {
			return scans[i].Timestamp > scans[j].Timestamp
		}
		return scans[i].ScanID > scans[j].ScanID
	})
	return scans, nil
}

func (s *Store) readScan(name string) writer.ScanMetadata {
	dir := filepath.Join(s.logsDir, name)
	meta, err := writer.ReadMetadata(dir)
	if err == nil {
		return meta
	}
	if !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("unreadable scan metadata", zap.String("dir", dir), zap.Error(err))
	}
	meta = writer.ScanMetadata{
		ScanID:     name,
		Filename:   name,
		ScanFolder: dir,
		Status:     StatusIncomplete,
	}
	if info, err := os.Stat(dir); err == nil {
		meta.Timestamp = info.ModTime().Format(time.RFC3339)
	}
	return meta
}

// ScanDetail is a run with a preview of its record files.
type ScanDetail struct {
	writer.ScanMetadata
	Files ScanFiles `json:"files"`
}

type ScanFiles struct {
	Connections []map[string]string `json:"connections"`
	DNSQueries  []map[string]string `json:"dns_queries"`
	Alerts      []map[string]string `json:"alerts"`
}

// Scan returns one run with the first rows of its connection and DNS logs
// and all of its alerts.
func (s *Store) Scan(ctx context.Context, id string) (*ScanDetail, error) {
	if id == "" || id != filepath.Base(id) || strings.HasPrefix(id, ".") {
		return nil, ErrScanNotFound
	}
	dir := filepath.Join(s.logsDir, id)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, ErrScanNotFound
	}

	detail := &ScanDetail{ScanMetadata: s.readScan(id)}
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		detail.Files.Connections, err = readCSV(filepath.Join(dir, writer.ConnLogFile), previewRows)
		return err
	})
	g.Go(func() (err error) {
		detail.Files.DNSQueries, err = readCSV(filepath.Join(dir, writer.DNSLogFile), previewRows)
		return err
	})
	g.Go(func() (err error) {
		detail.Files.Alerts, err = readCSV(filepath.Join(dir, writer.AlertsCSVFile), -1)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return detail, nil
}

// readCSV returns up to limit rows keyed by the header; a negative limit
// reads everything and a missing file yields no rows.
func readCSV(path string, limit int) ([]map[string]string, error) {
	rows := []map[string]string{}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return rows, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return rows, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	for limit < 0 || len(rows) < limit {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
		}
		row := make(map[string]string, len(header))
		for i, name := range header {
			if i < len(rec) {
				row[name] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// AlertRecord is a fallback-store alert as the API returns it.
type AlertRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	AlertType string    `json:"alert_type"`
	SrcIP     string    `json:"src_ip"`
	DstIP     string    `json:"dst_ip"`
	Severity  int       `json:"severity"`
	Details   string    `json:"details"`
}

// AlertFilter selects a page of alerts.
type AlertFilter struct {
	Limit     int
	Offset    int
	AlertType string
}

// Alerts returns the alerts of the fallback store, newest first, filtered
// and paged.
func (s *Store) Alerts(f AlertFilter) ([]AlertRecord, error) {
	all, err := s.allAlerts()
	if err != nil {
		return nil, err
	}
	matched := all[:0]
	for _, a := range all {
		if f.AlertType == "" || a.AlertType == f.AlertType {
			matched = append(matched, a)
		}
	}
	if f.Offset >= len(matched) {
		return []AlertRecord{}, nil
	}
	matched = matched[f.Offset:]
	if f.Limit >= 0 && f.Limit < len(matched) {
		matched = matched[:f.Limit]
	}
	return matched, nil
}

// Alert looks an alert up by id.
func (s *Store) Alert(id string) (AlertRecord, error) {
	all, err := s.allAlerts()
	if err != nil {
		return AlertRecord{}, err
	}
	for _, a := range all {
		if a.ID == id {
			return a, nil
		}
	}
	return AlertRecord{}, ErrAlertNotFound
}

func (s *Store) allAlerts() ([]AlertRecord, error) {
	envs, invalid, err := alerter.ReadFallback(s.fallbackFile)
	if err != nil {
		return nil, err
	}
	if invalid > 0 {
		s.logger.Warn("skipped invalid fallback lines", zap.String("file", s.fallbackFile), zap.Int("count", invalid))
	}

	records := make([]AlertRecord, 0, len(envs))
	for i := len(envs) - 1; i >= 0; i-- {
		env := envs[i]
		ts, err := env.Time()
		if err != nil {
			s.logger.Debug("alert with unparsable timestamp", zap.Int("line", i+1), zap.Error(err))
		}
		records = append(records, AlertRecord{
			ID:        alertID(i, env),
			Timestamp: ts,
			AlertType: env.Data.AlertType,
			SrcIP:     env.Data.SrcIP,
			DstIP:     env.Data.DstIP,
			Severity:  env.Data.Severity,
			Details:   env.Rule.Description,
		})
	}
	return records, nil
}

// alertID is stable for as long as the fallback store is only appended to.
func alertID(index int, env alerter.Envelope) string {
	key := fmt.Sprintf("%d|%s|%s|%s", index, env.Timestamp, env.Data.AlertType, env.Data.SrcIP)
	return uuid.NewSHA1(alertNamespace, []byte(key)).String()
}

// IPCount is one entry of a top-talkers list.
type IPCount struct {
	IP    string `json:"ip"`
	Count int    `json:"count"`
}

// Stats is the dashboard overview.
type Stats struct {
	TotalAlerts      int                   `json:"total_alerts"`
	AlertsBySeverity map[int]int           `json:"alerts_by_severity"`
	AlertsByType     map[string]int        `json:"alerts_by_type"`
	TotalScans       int                   `json:"total_scans"`
	RecentScans      []writer.ScanMetadata `json:"recent_scans"`
	TopSourceIPs     []IPCount             `json:"top_source_ips"`
	TopTargetIPs     []IPCount             `json:"top_target_ips"`
	RecentAlerts     []AlertRecord         `json:"recent_alerts"`
}

// Stats aggregates the fallback store and the run directories.
func (s *Store) Stats(ctx context.Context, recentScans, recentAlerts, top int) (*Stats, error) {
	var (
		alerts []AlertRecord
		scans  []writer.ScanMetadata
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		alerts, err = s.allAlerts()
		return err
	})
	g.Go(func() (err error) {
		scans, err = s.Scans(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	st := &Stats{
		TotalAlerts:      len(alerts),
		AlertsBySeverity: make(map[int]int),
		AlertsByType:     make(map[string]int),
		TotalScans:       len(scans),
		RecentScans:      scans[:clamp(recentScans, len(scans))],
		RecentAlerts:     alerts[:clamp(recentAlerts, len(alerts))],
	}
	src := make(map[string]int)
	dst := make(map[string]int)
	for _, a := range alerts {
		st.AlertsBySeverity[a.Severity]++
		st.AlertsByType[a.AlertType]++
		src[a.SrcIP]++
		if a.DstIP != "" {
			dst[a.DstIP]++
		}
	}
	st.TopSourceIPs = topN(src, top)
	st.TopTargetIPs = topN(dst, top)
	return st, nil
}

func topN(counts map[string]int, n int) []IPCount {
	out := make([]IPCount, 0, len(counts))
	for ip, c := range counts {
		out = append(out, IPCount{IP: ip, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].IP < out[j].IP
	})
	return out[:clamp(n, len(out))]
}

func clamp(n, length int) int {
	return max(0, min(n, length))
}
