package config

import (
	"os"
	"strings"

	koanfyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/laurenctang/MOFA2/pkg/errors"
)

// EnvPrefix is the prefix of environment variables that override training
// options, e.g. MOFA2_TRAINING__MAX_ITERATIONS.
const EnvPrefix = "MOFA2_"

// fileOptions is the on-disk layout of an options file. All sections are
// optional; absent keys keep their defaults.
type fileOptions struct {
	Data     DataOptions     `koanf:"data"`
	Model    ModelOptions    `koanf:"model"`
	Training TrainingOptions `koanf:"training"`
}

// LoadBuilder returns a Builder from three layered sources, lowest to
// highest priority: documented defaults, an optional YAML options file,
// and MOFA2_* environment variables. Pass an empty path to skip the file
// layer.
//
// Example file:
//
//	model:
//	  num_factors: 10
//	  sparsity_prior: true
//	training:
//	  convergence_mode: fast
//	  seed: 123
func LoadBuilder(path string) (*Builder, error) {
	k := koanf.New(".")

	defaults := fileOptions{
		Data:     DefaultDataOptions(),
		Model:    DefaultModelOptions(),
		Training: DefaultTrainingOptions(),
	}
	if err := k.Load(structs.Provider(defaults, "koanf"), nil); err != nil {
		return nil, errors.Wrap(err, "config: loading defaults")
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, errors.Wrapf(err, "config: options file %q", path)
		}
		if err := k.Load(file.Provider(path), koanfyaml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "config: parsing options file %q", path)
		}
	}

	// Double underscore separates nesting levels so key names may keep
	// single underscores: MOFA2_TRAINING__MAX_ITERATIONS=2000 sets
	// training.max_iterations.
	envProvider := env.Provider(EnvPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, errors.Wrap(err, "config: loading environment overrides")
	}

	var opts fileOptions
	if err := k.Unmarshal("", &opts); err != nil {
		return nil, errors.Wrap(err, "config: unmarshalling options")
	}

	return &Builder{Data: opts.Data, Model: opts.Model, Training: opts.Training}, nil
}
