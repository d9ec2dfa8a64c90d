package writer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"PcapSentry/internal/model"
)

const (
	ScanInfoFile     = "scan_info.txt"
	ScanMetadataFile = "scan_metadata.json"

	StatusCompleted = "completed"
	StatusFailed    = "failed"

	runDirLayout = "20060102_150405"
)

// RunDirName names the directory of one analysis: the capture stem followed
// by the local start time.
func RunDirName(capturePath string, started time.Time) string {
	base := filepath.Base(capturePath)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	return stem + "_" + started.Format(runDirLayout)
}

// ScanID identifies a run by its directory name.
func ScanID(runDir string) string {
	return filepath.Base(filepath.Clean(runDir))
}

// ScanInfo is the human-readable summary of a run.
type ScanInfo struct {
	Capture      string
	AnalyzedAt   time.Time
	Frames       int
	DecodeErrors int
	Connections  int
	DNSQueries   int
	Alerts       []model.Alert
}

// WriteScanInfo writes scan_info.txt into dir.
func WriteScanInfo(dir string, info ScanInfo) error {
	var b strings.Builder
	b.WriteString("PCAP Analysis Summary\n")
	b.WriteString("====================\n\n")
	fmt.Fprintf(&b, "File analyzed: %s\n", info.Capture)
	fmt.Fprintf(&b, "Analysis date: %s\n", info.AnalyzedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "Total frames: %d\n", info.Frames)
	fmt.Fprintf(&b, "Decode errors: %d\n", info.DecodeErrors)
	fmt.Fprintf(&b, "Total connections: %d\n", info.Connections)
	fmt.Fprintf(&b, "Total DNS queries: %d\n", info.DNSQueries)
	fmt.Fprintf(&b, "Detected threats: %d\n", len(info.Alerts))

	if len(info.Alerts) > 0 {
		counts := make(map[model.AlertType]int)
		var order []model.AlertType
		for _, a := range info.Alerts {
			if counts[a.Type] == 0 {
				order = append(order, a.Type)
			}
			counts[a.Type]++
		}
		sort.SliceStable(order, func(i, j int) bool { return order[i] < order[j] })
		b.WriteString("\nAlert summary:\n")
		for _, t := range order {
			fmt.Fprintf(&b, "- %s: %d\n", t, counts[t])
		}
	}
	return os.WriteFile(filepath.Join(dir, ScanInfoFile), []byte(b.String()), 0o644)
}

// ScanMetadata is the completion marker of a run. Its presence with status
// "completed" means every artifact of the run was written.
type ScanMetadata struct {
	ScanID       string  `json:"scan_id"`
	Filename     string  `json:"filename"`
	Timestamp    string  `json:"timestamp"`
	Frames       int     `json:"frames"`
	DecodeErrors int     `json:"decode_errors"`
	Connections  int     `json:"connections"`
	DNSQueries   int     `json:"dns_queries"`
	Alerts       int     `json:"alerts"`
	DurationSec  float64 `json:"duration_seconds"`
	ScanFolder   string  `json:"scan_folder"`
	Status       string  `json:"status"`
}

// WriteMetadata writes scan_metadata.json atomically, so a reader never sees
// a partial marker.
func WriteMetadata(dir string, meta ScanMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".scan_metadata-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, ScanMetadataFile))
}

// ReadMetadata loads the marker of the run in dir.
func ReadMetadata(dir string) (ScanMetadata, error) {
	var meta ScanMetadata
	data, err := os.ReadFile(filepath.Join(dir, ScanMetadataFile))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("invalid %s: %w", ScanMetadataFile, err)
	}
	return meta, nil
}
