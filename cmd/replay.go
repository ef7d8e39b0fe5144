package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"vigil/bootstrap"
	"vigil/core"
	"vigil/detect"
	"vigil/ingest"
	"vigil/service"
	"vigil/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// replayReport is the outcome of a replay run.
type replayReport struct {
	Events     int                  `json:"events"`
	Alerts     []*core.Alert        `json:"alerts"`
	Suppressed []detect.Suppression `json:"suppressed"`
}

func newReplayCmd() *cobra.Command {
	var (
		seedPath       string
		logLevel       string
		regexTimeoutMS int
		keepOrder      bool
	)

	cmd := &cobra.Command{
		Use:   "replay <events-file>",
		Short: "Evaluate recorded events against a seed without delivering notifications",
		Long: `Replay reads newline-delimited JSON events ("-" for stdin) and runs them
through the policy engine with the rules, policies and providers of a seed
file. Throttling and time windows are applied at each event's own timestamp.
Nothing is persisted and no notification is sent.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if seedPath == "" {
				cfg, err := bootstrap.InitConfig(configFile)
				if err != nil {
					return err
				}
				seedPath = cfg.Seed.Path
			}
			if seedPath == "" {
				return fmt.Errorf("no seed file: pass --seed or set seed.path in the config")
			}

			sugar := zap.NewNop().Sugar()
			if logLevel != "" {
				_, s, err := bootstrap.InitLogger(logLevel)
				if err != nil {
					return err
				}
				sugar = s
			}

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("failed to open events file: %w", err)
				}
				defer f.Close()
				in = f
			}

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
			defer cancel()

			report, err := replay(ctx, seedPath, in, regexTimeoutMS, keepOrder, sugar)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if outputJSON {
				return outputAsJSON(out, report)
			}
			renderReplayTable(out, report)
			return nil
		},
	}

	cmd.Flags().StringVar(&seedPath, "seed", "", "Seed file with rules, policies and providers (default: seed.path from the config)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Enable engine logging at this level")
	cmd.Flags().IntVar(&regexTimeoutMS, "regex-timeout-ms", 100, "Regex evaluation timeout")
	cmd.Flags().BoolVar(&keepOrder, "keep-order", false, "Replay in file order instead of sorting by timestamp")
	return cmd
}

// replay runs events through an in-memory copy of the pipeline.
func replay(ctx context.Context, seedPath string, in io.Reader, regexTimeoutMS int, keepOrder bool, sugar *zap.SugaredLogger) (*replayReport, error) {
	seed, err := detect.LoadSeed(seedPath, sugar)
	if err != nil {
		return nil, err
	}

	cache, err := newRegexCache(regexTimeoutMS)
	if err != nil {
		return nil, err
	}
	holder := detect.NewSnapshotHolder()
	throttle := detect.NewMemoryThrottleStore(0)
	defer throttle.Close()

	configs := service.NewConfigService(storage.NewMemoryConfigStorage(), holder, cache, throttle, sugar)
	if err := configs.Import(ctx, seed); err != nil {
		return nil, fmt.Errorf("failed to import seed: %w", err)
	}

	alerts := service.NewAlertService(storage.NewMemoryAlertStorage(), holder, sugar)
	engine := detect.NewPolicyEngine(throttle, sugar)
	detector := detect.NewDetector(engine, holder, alerts, detect.DetectorConfig{BufferSize: 1, WorkerCount: 1}, sugar)

	events, err := ingest.DecodeLines(in, time.Now())
	if err != nil {
		return nil, err
	}
	if !keepOrder {
		sort.SliceStable(events, func(i, j int) bool {
			return events[i].Timestamp.Before(events[j].Timestamp)
		})
	}

	report := &replayReport{
		Events:     len(events),
		Alerts:     []*core.Alert{},
		Suppressed: []detect.Suppression{},
	}
	for _, e := range events {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raised, res := detector.ProcessEvent(ctx, e)
		report.Alerts = append(report.Alerts, raised...)
		report.Suppressed = append(report.Suppressed, res.Suppressed...)
	}
	return report, nil
}
