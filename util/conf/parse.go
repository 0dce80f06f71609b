package conf

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/dotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/lambda-feedback/sandcastle/util/cliflags"
)

// DefaultConfig is a flat map of config keys to default values.
type DefaultConfig = map[string]any

type ParseOptions struct {
	// Cli is the cli.Context from urfave/cli
	Cli *cli.Context

	// CliMap is a map of cli flag names to config keys
	CliMap map[string]string

	// Defaults is a map of default values
	Defaults DefaultConfig

	// EnvPrefix is the prefix for env vars
	EnvPrefix string

	// FileName is the name of the configuration file to load
	FileName string

	// EnvFileName is the name of a dotenv file to load. Its variables
	// are subject to EnvPrefix, like the process environment.
	EnvFileName string

	// Log is the logger to use
	Log *zap.Logger
}

// Parse loads C from, in increasing precedence: Defaults, the JSON file,
// the dotenv file, the process environment and finally the cli flags.
// Keys are matched against `conf` struct tags.
func Parse[C any](opt ParseOptions) (C, error) {
	var config C

	log := opt.Log
	if log == nil {
		log = zap.NewNop()
	}

	k := koanf.New(".")

	for _, load := range []func(*koanf.Koanf, ParseOptions) error{
		loadDefaults,
		loadFile,
		loadEnvFile,
		loadEnv,
		loadCli,
	} {
		if err := load(k, opt); err != nil {
			log.Error("error loading config", zap.Error(err))
			return config, err
		}
	}

	if err := k.UnmarshalWithConf("", &config, koanf.UnmarshalConf{Tag: "conf"}); err != nil {
		log.Error("error unmarshalling config", zap.Error(err))
		return config, err
	}

	return config, nil
}

func loadDefaults(k *koanf.Koanf, opt ParseOptions) error {
	if opt.Defaults == nil {
		return nil
	}

	return k.Load(confmap.Provider(opt.Defaults, "."), nil)
}

func loadFile(k *koanf.Koanf, opt ParseOptions) error {
	if opt.FileName == "" {
		return nil
	}

	if err := k.Load(file.Provider(opt.FileName), json.Parser()); err != nil {
		return fmt.Errorf("error parsing config file %s: %w", opt.FileName, err)
	}

	return nil
}

func loadEnvFile(k *koanf.Koanf, opt ParseOptions) error {
	if opt.EnvFileName == "" {
		return nil
	}

	parser := dotenv.ParserEnv(opt.EnvPrefix, ".", func(s string) string {
		return transformEnv(s, opt.EnvPrefix)
	})

	if err := k.Load(file.Provider(opt.EnvFileName), parser); err != nil {
		return fmt.Errorf("error parsing env file %s: %w", opt.EnvFileName, err)
	}

	return nil
}

func loadEnv(k *koanf.Koanf, opt ParseOptions) error {
	provider := env.Provider(opt.EnvPrefix, ".", func(s string) string {
		return transformEnv(s, opt.EnvPrefix)
	})

	if err := k.Load(provider, nil); err != nil {
		return fmt.Errorf("error parsing env vars: %w", err)
	}

	return nil
}

func loadCli(k *koanf.Koanf, opt ParseOptions) error {
	if opt.Cli == nil {
		return nil
	}

	transform := func(s string) string {
		if name, ok := opt.CliMap[s]; ok {
			return name
		}

		return strings.ReplaceAll(strings.ToLower(s), "-", "_")
	}

	if err := k.Load(cliflags.Provider(opt.Cli, ".", transform), nil); err != nil {
		return fmt.Errorf("error parsing cli flags: %w", err)
	}

	return nil
}

// transformEnv maps PREFIX_A__B_C to a.b_c.
func transformEnv(s, prefix string) string {
	s = strings.TrimPrefix(s, prefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}
