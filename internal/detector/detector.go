// Package detector runs the threat detection rules over finalized
// connection and DNS records.
package detector

import (
	"fmt"
	"sort"

	"PcapSentry/internal/config"
	"PcapSentry/internal/model"

	"go.uber.org/zap"
)

// Rule is one detection rule. Rules only look at record timestamps, so the
// same input always yields the same alerts.
type Rule interface {
	Name() string
	Evaluate(conns []model.Connection, dns []model.DNSTransaction) []model.Alert
}

// Detector evaluates a fixed list of rules.
type Detector struct {
	rules  []Rule
	logger *zap.Logger
}

// New builds the enabled rules in a fixed order. Loading a blocklist file
// is the only way it can fail.
func New(cfg config.DetectionConfig, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var rules []Rule
	if cfg.PortScan.Enabled {
		rules = append(rules, &PortScan{cfg: cfg.PortScan})
	}
	if cfg.DNSTunneling.Enabled {
		rules = append(rules, &DNSTunneling{cfg: cfg.DNSTunneling})
	}
	if cfg.NXDomain.Enabled {
		rules = append(rules, &NXDomain{cfg: cfg.NXDomain})
	}
	if cfg.Blocklist.Enabled {
		bl, err := NewBlocklist(cfg.Blocklist)
		if err != nil {
			return nil, fmt.Errorf("failed to load blocklist: %w", err)
		}
		rules = append(rules, bl)
	}
	if cfg.Beaconing.Enabled {
		rules = append(rules, &Beaconing{cfg: cfg.Beaconing})
	}
	if cfg.Exfiltration.Enabled {
		rules = append(rules, &Exfiltration{cfg: cfg.Exfiltration})
	}
	return &Detector{rules: rules, logger: logger}, nil
}

// WithLogger returns a copy of d that logs to logger.
func (d *Detector) WithLogger(logger *zap.Logger) *Detector {
	c := *d
	c.logger = logger
	return &c
}

// Rules returns the names of the active rules in evaluation order.
func (d *Detector) Rules() []string {
	names := make([]string, len(d.rules))
	for i, r := range d.rules {
		names[i] = r.Name()
	}
	return names
}

// Evaluate runs every rule and returns the union of their alerts sorted by
// timestamp. Alerts with equal timestamps keep rule order.
func (d *Detector) Evaluate(conns []model.Connection, dns []model.DNSTransaction) []model.Alert {
	var alerts []model.Alert
	for _, r := range d.rules {
		found := r.Evaluate(conns, dns)
		d.logger.Debug("rule evaluated", zap.String("rule", r.Name()), zap.Int("alerts", len(found)))
		alerts = append(alerts, found...)
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	d.logger.Info("detection finished", zap.Int("rules", len(d.rules)), zap.Int("alerts", len(alerts)))
	return alerts
}
