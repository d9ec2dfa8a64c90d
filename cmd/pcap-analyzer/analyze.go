package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"PcapSentry/internal/engine/manager"

	"github.com/spf13/cobra"
)

type analyzeFlags struct {
	outputDir string
	noBackend bool
}

func newAnalyzeCmd() *cobra.Command {
	var f analyzeFlags
	cmd := &cobra.Command{
		Use:   "analyze <capture>",
		Short: "Analyze a pcap or pcapng capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVarP(&f.outputDir, "output-dir", "o", "", "Directory for run artifacts (overrides output.dir)")
	cmd.Flags().BoolVar(&f.noBackend, "no-backend", false, "Do not contact the backend; write every alert to the local fallback store")
	return cmd
}

func runAnalyze(cmd *cobra.Command, capture string, f analyzeFlags) error {
	if _, err := os.Stat(capture); err != nil {
		return fmt.Errorf("capture not readable: %w", err)
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	m, err := manager.NewManager(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := m.Run(ctx, manager.Options{
		Capture:   capture,
		OutputDir: f.outputDir,
		NoBackend: f.noBackend,
	})
	if err != nil {
		return fmt.Errorf("analysis of %s failed: %w", capture, err)
	}

	fmt.Fprint(cmd.OutOrStdout(), renderSummary(res, useColor(colorMode)))
	return nil
}
