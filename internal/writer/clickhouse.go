package writer

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"PcapSentry/internal/config"
	"PcapSentry/internal/factory"
	"PcapSentry/internal/model"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

const (
	createConnTable = `
CREATE TABLE IF NOT EXISTS %sconnections (
    ScanID     String,
    StartTime  DateTime64(6),
    EndTime    DateTime64(6),
    Protocol   UInt8,
    OrigIP     String,
    OrigPort   UInt16,
    RespIP     String,
    RespPort   UInt16,
    OrigBytes  UInt64,
    RespBytes  UInt64,
    OrigPkts   UInt64,
    RespPkts   UInt64,
    State      LowCardinality(String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(StartTime)
ORDER BY (ScanID, StartTime);
`
	createDNSTable = `
CREATE TABLE IF NOT EXISTS %sdns (
    ScanID       String,
    Timestamp    DateTime64(6),
    ClientIP     String,
    ClientPort   UInt16,
    ResolverIP   String,
    ResolverPort UInt16,
    TransID      UInt16,
    Query        String,
    QType        LowCardinality(String),
    Answered     Bool,
    RCode        Nullable(String),
    Answers      Array(String),
    LatencyUs    Nullable(Int64)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (ScanID, Timestamp);
`
	createAlertTable = `
CREATE TABLE IF NOT EXISTS %salerts (
    ScanID    String,
    Timestamp DateTime64(6),
    AlertType LowCardinality(String),
    SrcIP     String,
    DstIP     Nullable(String),
    Severity  UInt8,
    Details   String
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(Timestamp)
ORDER BY (ScanID, Timestamp);
`
)

func init() {
	factory.RegisterWriter("clickhouse", func(cfg *config.Config, runDir string, logger *zap.Logger) (model.RecordWriter, error) {
		if !cfg.Storage.ClickHouse.Enabled {
			return nil, nil
		}
		w, err := NewClickHouseWriter(cfg.Storage.ClickHouse, ScanID(runDir), logger)
		if err != nil {
			logger.Warn("clickhouse export disabled for this run", zap.Error(err))
			return nil, nil
		}
		return w, nil
	})
}

// ClickHouseWriter exports the record sets of one scan to ClickHouse.
type ClickHouseWriter struct {
	conn   driver.Conn
	prefix string
	scanID string
	logger *zap.Logger
}

// NewClickHouseWriter connects and ensures the tables exist.
func NewClickHouseWriter(cfg config.ClickHouseConfig, scanID string, logger *zap.Logger) (*ClickHouseWriter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	ctx := context.Background()
	for _, stmt := range []string{createConnTable, createDNSTable, createAlertTable} {
		if err := conn.Exec(ctx, fmt.Sprintf(stmt, cfg.TablePrefix)); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create table: %w", err)
		}
	}
	logger.Info("connected to clickhouse", zap.String("database", cfg.Database))
	return &ClickHouseWriter{conn: conn, prefix: cfg.TablePrefix, scanID: scanID, logger: logger}, nil
}

func connect(cfg config.ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func (w *ClickHouseWriter) Name() string { return "clickhouse" }

// Optional marks the export as best effort: a failed write does not fail
// the run.
func (w *ClickHouseWriter) Optional() bool { return true }

// Write inserts the three record sets and releases the connection.
func (w *ClickHouseWriter) Write(conns []model.Connection, dns []model.DNSTransaction, alerts []model.Alert) error {
	defer w.conn.Close()

	if err := w.insert("connections", len(conns), func(i int) []any { return connValues(w.scanID, conns[i]) }); err != nil {
		return err
	}
	if err := w.insert("dns", len(dns), func(i int) []any { return dnsValues(w.scanID, dns[i]) }); err != nil {
		return err
	}
	if err := w.insert("alerts", len(alerts), func(i int) []any { return alertValues(w.scanID, alerts[i]) }); err != nil {
		return err
	}
	w.logger.Info("exported records to clickhouse", zap.String("scan_id", w.scanID),
		zap.Int("connections", len(conns)), zap.Int("dns", len(dns)), zap.Int("alerts", len(alerts)))
	return nil
}

func (w *ClickHouseWriter) insert(table string, n int, values func(int) []any) error {
	if n == 0 {
		return nil
	}
	batch, err := w.conn.PrepareBatch(context.Background(), "INSERT INTO "+w.prefix+table)
	if err != nil {
		return fmt.Errorf("failed to prepare %s batch: %w", table, err)
	}
	for i := 0; i < n; i++ {
		if err := batch.Append(values(i)...); err != nil {
			return fmt.Errorf("failed to append to %s batch: %w", table, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send %s batch: %w", table, err)
	}
	return nil
}

func connValues(scanID string, c model.Connection) []any {
	return []any{
		scanID, c.Start.UTC(), c.End.UTC(), c.Protocol,
		c.Orig.Addr().String(), c.Orig.Port(), c.Resp.Addr().String(), c.Resp.Port(),
		c.OrigBytes, c.RespBytes, c.OrigPkts, c.RespPkts, string(c.State),
	}
}

func dnsValues(scanID string, tx model.DNSTransaction) []any {
	var (
		rcode   *string
		latency *int64
	)
	if tx.Answered {
		r, l := tx.RCode, tx.Latency.Microseconds()
		rcode, latency = &r, &l
	}
	answers := tx.Answers
	if answers == nil {
		answers = []string{}
	}
	return []any{
		scanID, tx.Timestamp.UTC(),
		tx.Client.Addr().String(), tx.Client.Port(), tx.Resolver.Addr().String(), tx.Resolver.Port(),
		tx.ID, tx.Query, tx.QType, tx.Answered, rcode, answers, latency,
	}
}

func alertValues(scanID string, a model.Alert) []any {
	var dst *string
	if a.DstIP.IsValid() {
		s := a.DstIP.String()
		dst = &s
	}
	return []any{
		scanID, a.Timestamp.UTC(), string(a.Type), model.AddrString(a.SrcIP), dst, uint8(a.Severity), a.Details,
	}
}
