package main

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"PcapSentry/internal/alerter"
	"PcapSentry/internal/logging"
	"PcapSentry/internal/model"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newTestSinkCmd() *cobra.Command {
	var sendSample bool
	cmd := &cobra.Command{
		Use:   "test-sink",
		Short: "Check that the alert backend is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runTestSink(cmd, sendSample)
		},
	}
	cmd.Flags().BoolVar(&sendSample, "send-sample", false, "Also deliver a TEST_ALERT through the sink")
	return cmd
}

// sampleAlert is the alert test-sink delivers.
func sampleAlert(now time.Time) model.Alert {
	return model.Alert{
		Timestamp: now.UTC(),
		Type:      model.AlertTest,
		SrcIP:     netip.MustParseAddr("192.168.1.100"),
		DstIP:     netip.MustParseAddr("10.0.0.1"),
		Severity:  8,
		Details:   "Test alert from pcap-analyzer",
	}
}

func runTestSink(cmd *cobra.Command, sendSample bool) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, closeLog, err := logging.New(logging.Options{Level: cfg.Logging.Level, Console: cfg.Logging.Console})
	if err != nil {
		return err
	}
	defer closeLog()

	sink, err := alerter.NewSink(cfg.Sink, logger.Named("sink"))
	if err != nil {
		return err
	}
	defer sink.Close()

	out := cmd.OutOrStdout()
	ctx := context.Background()
	if !cfg.Sink.Enabled {
		fmt.Fprintln(out, "Backend delivery is disabled (sink.enabled: false)")
	} else if sink.TestConnection(ctx) {
		fmt.Fprintf(out, "Backend %s is reachable\n", sink.Endpoint())
	} else {
		fmt.Fprintf(out, "Backend %s is NOT reachable\n", sink.Endpoint())
	}

	if !sendSample {
		return nil
	}
	outcome, err := sink.Send(ctx, sampleAlert(time.Now()))
	if err != nil {
		return fmt.Errorf("sample alert was lost: %w", err)
	}
	logger.Info("sample alert sent", zap.String("outcome", outcome.String()))
	fmt.Fprintf(out, "Sample alert: %s\n", outcome)
	if outcome != alerter.Acknowledged && cfg.Sink.Enabled {
		return fmt.Errorf("backend did not acknowledge the sample alert (%s)", outcome)
	}
	return nil
}
