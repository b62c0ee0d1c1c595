package cli

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/yourorg/apiscan-orchestrator/internal/coordinator"
)

var (
	scanTarget    string
	scanEngines   []string
	scanBudget    int
	scanDangerous bool
	scanSpecRef   string
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single scan and wait for it to finish",
	RunE:  runScan,
}

func init() {
	scanCmd.Flags().StringVar(&scanTarget, "target", "", "target URL (required)")
	scanCmd.Flags().StringSliceVar(&scanEngines, "engines", []string{"prober", "webscan", "tplscan"}, "engines to run")
	scanCmd.Flags().IntVar(&scanBudget, "budget", 0, "request budget (0 = configured default)")
	scanCmd.Flags().BoolVar(&scanDangerous, "dangerous", false, "enable active/intrusive checks")
	scanCmd.Flags().StringVar(&scanSpecRef, "spec", "", "optional API spec reference")
	_ = scanCmd.MarkFlagRequired("target")
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.store.Close()

	a.coord.RecoverOrphans(ctx)

	scan, err := a.coord.StartScan(ctx, coordinator.ScanRequest{
		TargetURL:     scanTarget,
		Engines:       scanEngines,
		RequestBudget: scanBudget,
		DangerousMode: scanDangerous,
		SpecRef:       scanSpecRef,
	})
	if err != nil {
		return err
	}
	a.log.Infow("scan started", "scan_id", scan.ID, "engines", scan.Engines)

	if err := a.coord.Wait(ctx, scan.ID); err != nil {
		// Interrupted: cancel the scan so its containers are torn down.
		_ = a.coord.Cancel(context.Background(), scan.ID)
		return err
	}

	final, err := a.coord.GetScan(ctx, scan.ID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(final)
}
