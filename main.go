package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"zkpipe/pkg/agglayer"
	"zkpipe/pkg/backend"
	"zkpipe/pkg/config"
	"zkpipe/pkg/guest"
	"zkpipe/pkg/ledger"
	"zkpipe/pkg/orchestrator"
	"zkpipe/pkg/runner"
	"zkpipe/pkg/telemetry"
	"zkpipe/pkg/workspace"
)

var (
	configPath string

	provePrecompiles bool
	proveTelemetry   bool
	proveGPU         bool
	proveSubmit      bool

	runsLimit int

	rootCmd = &cobra.Command{
		Use:   "zkpipe",
		Short: "Prove zkVM guest programs and settle them on an aggregation layer",
		Long: `zkpipe materializes a Rust guest program into a backend proving
workspace, builds and runs the prover, verifies the proof locally and
optionally submits it to an aggregation layer, polling until the proof
is included in a batch and re-checking the returned inclusion proof.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	proveCmd = &cobra.Command{
		Use:   "prove <sp1|risc0> <guest-dir>",
		Short: "Build a guest program, generate a proof and verify it",
		Args:  cobra.ExactArgs(2),
		RunE:  runProve,
	}

	runsCmd = &cobra.Command{
		Use:   "runs",
		Short: "Inspect recorded pipeline runs",
	}

	runsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		Args:  cobra.NoArgs,
		RunE:  runRunsList,
	}

	runsShowCmd = &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run (unique id prefixes work)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRunsShow,
	}

	doctorCmd = &cobra.Command{
		Use:   "doctor",
		Short: "Check toolchains, directories and configuration",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file")

	proveCmd.Flags().BoolVar(&provePrecompiles, "precompiles", false, "Patch accelerated crates into the guest build")
	proveCmd.Flags().BoolVar(&proveTelemetry, "telemetry", false, "Sample CPU and memory usage during build and prove")
	proveCmd.Flags().BoolVar(&proveGPU, "gpu", false, "Prove with the backend's CUDA feature")
	proveCmd.Flags().BoolVar(&proveSubmit, "submit", false, "Submit the proof to the aggregation layer after local verification")

	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum number of runs to list")

	runsCmd.AddCommand(runsListCmd, runsShowCmd)
	rootCmd.AddCommand(proveCmd, runsCmd, doctorCmd)
}

func main() {
	// Configure logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.DefaultConfig(), nil
}

func runProve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	tag, err := workspace.ParseBackend(args[0])
	if err != nil {
		return err
	}
	prog, err := guest.Load(args[1])
	if err != nil {
		return err
	}

	driver, err := backend.ForBackend(tag, cfg.Build.CargoBin)
	if err != nil {
		return err
	}

	var collector *telemetry.Collector
	if proveTelemetry || cfg.Telemetry.Enabled {
		collector = telemetry.NewCollector(cfg.Telemetry.SampleInterval)
	}

	var client *agglayer.Client
	if proveSubmit {
		client, err = submissionClient(cfg)
		if err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	led, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		log.Warn().Err(err).Msg("Run ledger unavailable, continuing without history")
	} else {
		defer led.Close()
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Runner:       runner.New(workspace.NewMaterializer(cfg.WorkspaceRoot), driver, collector),
		Client:       client,
		Ledger:       led,
		ReportDir:    cfg.TelemetryDir,
		PollDeadline: cfg.Agglayer.PollDeadline,
	})
	if err != nil {
		return err
	}

	outcome, err := orch.Execute(ctx, prog, orchestrator.Options{
		Options: runner.Options{
			Precompiles:  provePrecompiles,
			GPU:          proveGPU,
			BuildTimeout: cfg.Build.BuildTimeout,
			ProveTimeout: cfg.Build.ProveTimeout,
		},
		Submit: proveSubmit,
	})
	if err != nil {
		if outcome != nil && outcome.ReportPath != "" {
			fmt.Printf("Failure report: %s\n", outcome.ReportPath)
		}
		return err
	}

	artifact := outcome.Result.Artifact
	exportDir := filepath.Join(cfg.ProofDataDir, string(tag))
	if err := artifact.Export(exportDir); err != nil {
		log.Warn().Err(err).Str("dir", exportDir).Msg("Failed to export proof artifacts")
		exportDir = artifact.Dir
	}

	fmt.Println("Proving run complete")
	fmt.Println("--------------------")
	fmt.Printf("Program:    %s\n", prog.Name)
	fmt.Printf("Backend:    %s\n", tag)
	fmt.Printf("Proof size: %d bytes\n", artifact.SizeBytes)
	fmt.Printf("Key ID:     %s\n", artifact.VerifyingKeyID)
	fmt.Printf("Build time: %s\n", artifact.BuildDuration.Round(time.Millisecond))
	fmt.Printf("Prove time: %s\n", artifact.ProveDuration.Round(time.Millisecond))
	fmt.Printf("Artifacts:  %s\n", exportDir)
	if outcome.ReportPath != "" {
		fmt.Printf("Report:     %s\n", outcome.ReportPath)
	}
	if outcome.Receipt != nil {
		fmt.Printf("Submission: %s (%s)\n", outcome.SubmissionID, outcome.Receipt.Status)
	}
	if outcome.RunID != "" {
		fmt.Printf("Run ID:     %s\n", outcome.RunID)
	}
	return nil
}

// submissionClient builds the aggregation layer client from the config,
// including the optional on-chain root provider and attestation key.
func submissionClient(cfg *config.Config) (*agglayer.Client, error) {
	if cfg.Agglayer.URL == "" {
		return nil, fmt.Errorf("--submit requires agglayer.url in the config")
	}

	opts := agglayer.ClientOptions{
		BaseURL: cfg.Agglayer.URL,
		APIKey:  cfg.Agglayer.APIKey,
		Backoff: agglayer.BackoffPolicy{
			Base:        cfg.Agglayer.PollBase,
			Cap:         cfg.Agglayer.PollCap,
			Multiplier:  cfg.Agglayer.PollMultiplier,
			Jitter:      cfg.Agglayer.PollJitter,
			MaxFailures: cfg.Agglayer.MaxFailures,
		},
	}

	if cfg.Agglayer.EthereumRPC != "" && cfg.Agglayer.RootContract != "" {
		slot := common.BigToHash(new(big.Int).SetUint64(cfg.Agglayer.RootSlot))
		roots, err := agglayer.NewChainRootProvider(cfg.Agglayer.EthereumRPC, common.HexToAddress(cfg.Agglayer.RootContract), slot)
		if err != nil {
			return nil, err
		}
		opts.Roots = roots
	}

	if cfg.Agglayer.AttestationKeyFile != "" {
		vk, err := agglayer.LoadAttestationVK(cfg.Agglayer.AttestationKeyFile)
		if err != nil {
			return nil, err
		}
		opts.AttestationVK = vk
	}

	return agglayer.NewClient(opts)
}

func runRunsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	led, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer led.Close()

	runs, err := led.List(ctx, runsLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded yet")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"ID", "When", "Program", "Backend", "Status", "Prove"})
	table.SetBorder(false)
	for _, r := range runs {
		status := r.Status
		if r.Status == ledger.StatusFailed && r.FailurePhase != "" {
			status = fmt.Sprintf("%s (%s)", r.Status, r.FailurePhase)
		}
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		table.Append([]string{
			id,
			r.CreatedAt.Local().Format("2006-01-02 15:04"),
			r.Program,
			r.Backend,
			status,
			r.ProveDuration.Round(time.Millisecond).String(),
		})
	}
	table.Render()
	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	led, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer led.Close()

	r, err := led.Get(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:         %s\n", r.ID)
	fmt.Printf("When:        %s\n", r.CreatedAt.Local().Format(time.RFC3339))
	fmt.Printf("Program:     %s\n", r.Program)
	fmt.Printf("Backend:     %s\n", r.Backend)
	fmt.Printf("Precompiles: %t\n", r.Precompiles)
	fmt.Printf("Status:      %s\n", r.Status)
	if r.Status == ledger.StatusFailed {
		fmt.Printf("Failed at:   %s\n", r.FailurePhase)
		fmt.Printf("Error:       %s\n", r.Error)
		return nil
	}
	fmt.Printf("Build time:  %s\n", r.BuildDuration.Round(time.Millisecond))
	fmt.Printf("Prove time:  %s\n", r.ProveDuration.Round(time.Millisecond))
	fmt.Printf("Proof size:  %d bytes\n", r.ArtifactBytes)
	fmt.Printf("Key ID:      %s\n", r.VerifyingKeyID)
	if r.SubmissionID != "" {
		fmt.Printf("Submission:  %s (%s)\n", r.SubmissionID, r.ReceiptStatus)
	}
	return nil
}

func runDoctor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if configPath == "" {
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	failed := 0
	check := func(name string, err error) {
		if err != nil {
			failed++
			fmt.Printf("FAIL  %-20s %v\n", name, err)
			return
		}
		fmt.Printf("ok    %s\n", name)
	}

	for _, tag := range []workspace.Backend{workspace.SP1, workspace.RISC0} {
		driver, err := backend.ForBackend(tag, cfg.Build.CargoBin)
		if err != nil {
			check(string(tag)+" toolchain", err)
			continue
		}
		check(string(tag)+" toolchain", driver.Probe(ctx))
	}

	check("workspace root", os.MkdirAll(cfg.WorkspaceRoot, 0755))
	check("proof data dir", os.MkdirAll(cfg.ProofDataDir, 0755))
	check("telemetry dir", os.MkdirAll(cfg.TelemetryDir, 0755))

	led, err := ledger.Open(ctx, cfg.LedgerPath)
	check("run ledger", err)
	if err == nil {
		led.Close()
	}

	if cfg.Agglayer.URL == "" {
		fmt.Println("skip  aggregation layer (no agglayer.url configured)")
	} else {
		_, err := submissionClient(cfg)
		check("aggregation layer", err)
	}

	if failed > 0 {
		return fmt.Errorf("%d checks failed", failed)
	}
	fmt.Println("\nAll checks passed")
	return nil
}
