package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"volconv/internal/run"
	"volconv/pkg/config"
)

func main() {
	cmd := &cli.Command{
		Name:      "volconv",
		Usage:     "Convert DICOM slice sets into NIfTI or GIPL volumes",
		ArgsUsage: "[paths...]",
		Action:    convert,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "volconv.yaml",
				Sources: cli.EnvVars("VOLCONV_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "out",
				Aliases: []string{"o"},
				Usage:   "Output directory",
			},
			&cli.StringFlag{
				Name:  "format",
				Usage: "Output format: nifti or gipl",
			},
			&cli.BoolFlag{
				Name:    "gzip",
				Aliases: []string{"z"},
				Usage:   "Gzip-compress output volumes",
			},
			&cli.StringFlag{
				Name:    "match",
				Aliases: []string{"m"},
				Usage:   "Alias rule file (TOML)",
			},
			&cli.BoolFlag{
				Name:  "only-matched",
				Usage: "Write only series matched by an alias rule",
			},
			&cli.BoolFlag{
				Name:  "flat",
				Usage: "Name outputs by a flat running counter",
			},
			&cli.StringFlag{
				Name:  "pattern",
				Usage: "Filename pattern files must match to be scanned",
			},
			&cli.BoolFlag{
				Name:  "single",
				Usage: "Collapse all scanned study and series identities into one",
			},
			&cli.BoolFlag{
				Name:  "thickness",
				Usage: "Use nominal slice thickness instead of the measured gap",
			},
			&cli.BoolFlag{
				Name:  "reslice",
				Usage: "Reslice volumes to the axial plane where possible",
			},
			&cli.BoolFlag{
				Name:  "flip-h",
				Usage: "Flip volumes horizontally",
			},
			&cli.BoolFlag{
				Name:  "flip-v",
				Usage: "Flip volumes vertically",
			},
			&cli.StringFlag{
				Name:  "form",
				Usage: "Orientation form to emit: qform or aform",
			},
			&cli.StringFlag{
				Name:  "rescale",
				Usage: "Rescale mode: none, integer or float",
			},
			&cli.IntFlag{
				Name:  "mosaic",
				Usage: "Force mosaic tile count (0 = auto-detect)",
			},
			&cli.BoolFlag{
				Name:  "tolerate-missing",
				Usage: "Zero-fill missing slices instead of skipping the volume",
			},
			&cli.IntFlag{
				Name:    "jobs",
				Aliases: []string{"j"},
				Usage:   "Number of volumes to extract in parallel",
			},
			&cli.BoolFlag{
				Name:  "no-index",
				Usage: "Skip writing the index.json sidecar",
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Report every warning with its file instead of totals",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "init",
				Usage:  "Write a default config file",
				Action: writeDefaultConfig,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("conversion failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func convert(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.LoadConfig(cmd.String("config"))
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	applyFlags(cfg, cmd)

	if args := cmd.Args().Slice(); len(args) > 0 {
		cfg.Input.Paths = args
	}
	if len(cfg.Input.Paths) == 0 {
		return fmt.Errorf("no input paths given")
	}

	level := slog.LevelInfo
	if cmd.Bool("debug") {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	totals, err := run.New(cfg, logger).Run(ctx)
	if err != nil {
		return err
	}
	if totals.Attempted > 0 && totals.Written == 0 {
		return fmt.Errorf("no volumes written (%d skipped)", totals.Skipped)
	}
	return nil
}

// applyFlags overrides loaded config values with any flag the user set
// on the command line.
func applyFlags(cfg *config.Config, cmd *cli.Command) {
	if cmd.IsSet("out") {
		cfg.Output.Dir = cmd.String("out")
	}
	if cmd.IsSet("format") {
		cfg.Output.Format = config.Format(cmd.String("format"))
	}
	if cmd.IsSet("gzip") {
		cfg.Output.Gzip = cmd.Bool("gzip")
	}
	if cmd.IsSet("match") {
		cfg.Output.MatchFile = cmd.String("match")
	}
	if cmd.IsSet("only-matched") {
		cfg.Output.WriteAll = !cmd.Bool("only-matched")
	}
	if cmd.IsSet("flat") {
		cfg.Output.FlatNames = cmd.Bool("flat")
	}
	if cmd.IsSet("pattern") {
		cfg.Input.Pattern = cmd.String("pattern")
	}
	if cmd.IsSet("single") {
		cfg.Input.Single = cmd.Bool("single")
	}
	if cmd.IsSet("thickness") && cmd.Bool("thickness") {
		cfg.Geometry.Spacing = config.SpacingThickness
	}
	if cmd.IsSet("reslice") {
		cfg.Geometry.Reslice = cmd.Bool("reslice")
	}
	if cmd.IsSet("flip-h") {
		cfg.Geometry.FlipH = cmd.Bool("flip-h")
	}
	if cmd.IsSet("flip-v") {
		cfg.Geometry.FlipV = cmd.Bool("flip-v")
	}
	if cmd.IsSet("form") {
		cfg.Geometry.Form = config.Form(cmd.String("form"))
	}
	if cmd.IsSet("rescale") {
		cfg.Rescale = config.RescaleMode(cmd.String("rescale"))
	}
	if cmd.IsSet("mosaic") {
		cfg.Extract.Mosaic = int(cmd.Int("mosaic"))
	}
	if cmd.IsSet("tolerate-missing") {
		cfg.Extract.TolerateMissing = cmd.Bool("tolerate-missing")
	}
	if cmd.IsSet("jobs") {
		cfg.Output.Jobs = int(cmd.Int("jobs"))
	}
	if cmd.IsSet("no-index") {
		cfg.Output.IndexJSON = !cmd.Bool("no-index")
	}
	if cmd.IsSet("verbose") {
		cfg.Output.Verbose = cmd.Bool("verbose")
	}
}

func writeDefaultConfig(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := config.SaveConfig(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Printf("Wrote default config to %s\n", path)
	return nil
}
