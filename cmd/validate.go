package cmd

import (
	"fmt"
	"io"
	"sort"

	"vigil/bootstrap"
	"vigil/detect"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newValidateCmd() *cobra.Command {
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Check configuration and seed files without starting the service",
	}
	validateCmd.AddCommand(newValidateConfigCmd())
	validateCmd.AddCommand(newValidateSeedCmd())
	return validateCmd
}

func newValidateConfigCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Load and validate the service configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.InitConfig(configFile)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				return outputAsJSON(out, map[string]interface{}{"valid": true, "config": cfg})
			}
			if quiet {
				return nil
			}
			successColor.Fprintln(out, "✓ Configuration is valid")
			printField(out, "API address", cfg.Addr())
			printField(out, "SQLite path", cfg.Storage.SQLitePath)
			printField(out, "Throttle backend", cfg.Throttle.Backend)
			printField(out, "Engine workers", fmt.Sprintf("%d", cfg.Engine.WorkerCount))
			printField(out, "Dispatch workers", fmt.Sprintf("%d", cfg.Dispatch.WorkerCount))
			if cfg.Seed.Path != "" {
				printField(out, "Seed file", cfg.Seed.Path)
			}
			return nil
		},
	}
}

// seedReport is the outcome of validating a seed file.
type seedReport struct {
	Valid     bool              `json:"valid"`
	Rules     int               `json:"rules"`
	Policies  int               `json:"policies"`
	Providers int               `json:"providers"`
	Skipped   map[string]string `json:"skipped,omitempty"`
}

func newValidateSeedCmd() *cobra.Command {
	var regexTimeoutMS int

	cmd := &cobra.Command{
		Use:   "seed <file>",
		Short: "Validate a seed file of rules, policies and providers",
		Long: `Validate a YAML or JSON seed file against the seed schema, check every
record and compile the resulting snapshot. Records the engine would skip,
such as regular expressions that fail to compile, are reported as errors.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := checkSeed(args[0], regexTimeoutMS)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				if err := outputAsJSON(out, report); err != nil {
					return err
				}
			} else if !quiet || !report.Valid {
				renderSeedReport(out, args[0], report)
			}
			if !report.Valid {
				return fmt.Errorf("%d record(s) would be skipped", len(report.Skipped))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&regexTimeoutMS, "regex-timeout-ms", 100, "Regex evaluation timeout used when compiling rules")
	return cmd
}

func checkSeed(path string, regexTimeoutMS int) (*seedReport, error) {
	seed, err := detect.LoadSeed(path, zap.NewNop().Sugar())
	if err != nil {
		return nil, err
	}

	cache, err := newRegexCache(regexTimeoutMS)
	if err != nil {
		return nil, err
	}
	snap := detect.BuildSnapshot(0, seed.Rules, seed.Policies, seed.Providers, cache)

	return &seedReport{
		Valid:     len(snap.Skipped) == 0,
		Rules:     len(seed.Rules),
		Policies:  len(seed.Policies),
		Providers: len(seed.Providers),
		Skipped:   snap.Skipped,
	}, nil
}

func renderSeedReport(out io.Writer, path string, report *seedReport) {
	headerColor.Fprintf(out, "Seed: %s\n", path)
	printField(out, "Rules", fmt.Sprintf("%d", report.Rules))
	printField(out, "Policies", fmt.Sprintf("%d", report.Policies))
	printField(out, "Providers", fmt.Sprintf("%d", report.Providers))

	if report.Valid {
		successColor.Fprintln(out, "✓ Seed is valid")
		return
	}

	ids := make([]string, 0, len(report.Skipped))
	for id := range report.Skipped {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	errorColor.Fprintln(out, "✗ Records that would be skipped:")
	for _, id := range ids {
		warningColor.Fprintf(out, "  - %s: %s\n", id, report.Skipped[id])
	}
}
