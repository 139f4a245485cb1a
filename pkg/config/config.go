// Package config provides configuration loading and validation for volconv.
// Options are read from an optional YAML file and overridden by command-line
// flags; every policy with more than one legal value is an explicit
// enumerated type so an illegal combination cannot be expressed.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"

	"volconv/internal/volerr"
)

// SpacingSource selects where the through-plane spacing comes from.
type SpacingSource string

const (
	// SpacingGap measures the displacement between the first two ordered
	// slice positions.
	SpacingGap SpacingSource = "gap"

	// SpacingThickness uses the recorded nominal slice thickness.
	SpacingThickness SpacingSource = "thickness"
)

// OrderSource selects the stack-position key used to order slices.
type OrderSource string

const (
	// OrderLocation uses the recorded orthogonal slice-location field.
	OrderLocation OrderSource = "location"

	// OrderProjected projects the 3D patient position onto the slice
	// normal.
	OrderProjected OrderSource = "projected"

	// OrderInstance orders by acquisition instance number.
	OrderInstance OrderSource = "instance"

	// OrderStack stacks geometrically-unknown slices in file order
	// instead of rejecting them.
	OrderStack OrderSource = "stack"
)

// RescaleMode selects how the stored slope/intercept pair is applied.
type RescaleMode string

const (
	RescaleNone    RescaleMode = "none"
	RescaleInteger RescaleMode = "integer"
	RescaleFloat   RescaleMode = "float"
)

// Form selects the orientation encoding written to output headers.
type Form string

const (
	// FormQ writes the quaternion rotation and translation.
	FormQ Form = "qform"

	// FormA clears the orientation encoding entirely.
	FormA Form = "aform"

	// FormS is accepted by the parser but not implemented; volumes
	// requesting it are skipped with a diagnostic.
	FormS Form = "sform"
)

// Format selects the output container.
type Format string

const (
	FormatNIfTI Format = "nifti"
	FormatGIPL  Format = "gipl"
)

// Config represents the full option surface of a conversion run.
type Config struct {
	Input struct {
		// Paths are the files or directory trees to scan.
		Paths []string `yaml:"paths"`

		// Pattern is an optional regular expression a file path must
		// match to be scanned.
		Pattern string `yaml:"pattern"`

		// DescInclude and DescExclude filter files on the series
		// description, as regular expressions.
		DescInclude string `yaml:"descInclude"`
		DescExclude string `yaml:"descExclude"`

		// TypeInclude and TypeExclude filter files on the image type
		// field.
		TypeInclude string `yaml:"typeInclude"`
		TypeExclude string `yaml:"typeExclude"`

		// Single collapses all study and subject identities into the
		// first one seen, for exports with inconsistent identifiers.
		Single bool `yaml:"single"`
	} `yaml:"input"`

	Geometry struct {
		// Spacing selects the through-plane spacing source.
		Spacing SpacingSource `yaml:"spacing"`

		// Order selects the slice ordering key.
		Order OrderSource `yaml:"order"`

		// SplitOrient partitions series whose slice orientations
		// diverge beyond MergeThreshold into separate sub-series.
		// Disabling it concatenates everything into one stack whose
		// geometry cannot be trusted.
		SplitOrient bool `yaml:"splitOrient"`

		// MergeOrient folds near-duplicate orientations together.
		MergeOrient bool `yaml:"mergeOrient"`

		// MergeThreshold is the orientation equality threshold in
		// degrees. Both in-plane axes must differ by strictly less
		// than this for two orientations to merge.
		MergeThreshold float64 `yaml:"mergeThreshold"`

		// ZSubseries forces z0000-style sub-series labels.
		ZSubseries bool `yaml:"zSubseries"`

		// Reslice permutes storage axes so the nearest anatomical
		// plane becomes axial. Permutation only, never resampling.
		Reslice bool `yaml:"reslice"`

		// FlipH and FlipV reverse pixel storage along the in-plane
		// axes. Origin-corner selection is a combination of the two.
		FlipH bool `yaml:"flipH"`
		FlipV bool `yaml:"flipV"`

		// Form selects the orientation encoding in output headers.
		Form Form `yaml:"form"`
	} `yaml:"geometry"`

	// Rescale selects how the slope/intercept pair is applied to pixel
	// values.
	Rescale RescaleMode `yaml:"rescale"`

	Extract struct {
		// TolerateMissing zero-fills missing planes instead of
		// skipping the volume.
		TolerateMissing bool `yaml:"tolerateMissing"`

		// Mosaic forces a tile count for mosaic files whose headers
		// do not declare one. Zero means autodetect.
		Mosaic int `yaml:"mosaic"`
	} `yaml:"extract"`

	Output struct {
		// Dir is the output directory for volumes and the index.
		Dir string `yaml:"dir"`

		// Format selects the output container.
		Format Format `yaml:"format"`

		// Gzip compresses each written volume.
		Gzip bool `yaml:"gzip"`

		// MatchFile is the declarative alias and naming rule file.
		MatchFile string `yaml:"matchFile"`

		// WriteAll writes series not selected by any rule under their
		// default names instead of skipping them.
		WriteAll bool `yaml:"writeAll"`

		// FlatNames uses a bare counter naming scheme. Mutually
		// exclusive with MatchFile.
		FlatNames bool `yaml:"flatNames"`

		// IndexJSON writes an index.json run summary next to the
		// volumes.
		IndexJSON bool `yaml:"indexJSON"`

		// Verbose reports every per-file warning as it happens
		// instead of collapsing repeats into the end-of-run summary.
		Verbose bool `yaml:"verbose"`

		// Jobs bounds parallel volume extraction. One keeps the
		// fully sequential behaviour.
		Jobs int `yaml:"jobs"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Geometry.Spacing = SpacingGap
	cfg.Geometry.Order = OrderLocation
	cfg.Geometry.SplitOrient = true
	cfg.Geometry.MergeOrient = true
	cfg.Geometry.MergeThreshold = 0.001
	cfg.Geometry.Form = FormQ

	cfg.Rescale = RescaleInteger

	cfg.Output.Dir = "."
	cfg.Output.Format = FormatNIfTI
	cfg.Output.WriteAll = true
	cfg.Output.IndexJSON = true
	cfg.Output.Jobs = 1

	return cfg
}

// LoadConfig loads configuration from a YAML file over the defaults.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// Validate checks the whole option surface before any processing begins.
// Every failure wraps volerr.ErrConfig and aborts the run.
func (c *Config) Validate() error {
	err := validation.Errors{
		"geometry.spacing": validation.Validate(string(c.Geometry.Spacing),
			validation.Required,
			validation.In(string(SpacingGap), string(SpacingThickness))),
		"geometry.order": validation.Validate(string(c.Geometry.Order),
			validation.Required,
			validation.In(string(OrderLocation), string(OrderProjected),
				string(OrderInstance), string(OrderStack))),
		"geometry.form": validation.Validate(string(c.Geometry.Form),
			validation.Required,
			validation.In(string(FormQ), string(FormA), string(FormS))),
		"geometry.mergeThreshold": validation.Validate(c.Geometry.MergeThreshold,
			validation.Min(0.0),
			validation.Required.When(c.Geometry.MergeOrient)),
		"rescale": validation.Validate(string(c.Rescale),
			validation.Required,
			validation.In(string(RescaleNone), string(RescaleInteger), string(RescaleFloat))),
		"output.format": validation.Validate(string(c.Output.Format),
			validation.Required,
			validation.In(string(FormatNIfTI), string(FormatGIPL))),
		"output.jobs": validation.Validate(c.Output.Jobs,
			validation.Required, validation.Min(1)),
	}.Filter()
	if err != nil {
		return fmt.Errorf("%w: %v", volerr.ErrConfig, err)
	}

	if c.Output.FlatNames && c.Output.MatchFile != "" {
		return fmt.Errorf("%w: flat naming and a match file are mutually exclusive", volerr.ErrConfig)
	}
	if c.Extract.Mosaic < 0 {
		return fmt.Errorf("%w: mosaic tile count cannot be negative", volerr.ErrConfig)
	}

	return nil
}
