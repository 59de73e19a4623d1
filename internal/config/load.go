package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides: BORN_TRAIN_NUM_EPOCHS.
const EnvPrefix = "BORN_TRAIN"

// Identity environment variables, in precedence order.
var (
	rankEnv      = []string{"RANK", "PMI_RANK", "SLURM_PROCID", "OMPI_COMM_WORLD_RANK"}
	localRankEnv = []string{"LOCAL_RANK", "MPI_LOCALRANKID", "SLURM_LOCALID", "OMPI_COMM_WORLD_LOCAL_RANK"}
	worldSizeEnv = []string{"WORLD_SIZE", "PMI_SIZE", "SLURM_NTASKS", "OMPI_COMM_WORLD_SIZE"}
)

// Loader layers defaults, a config file, the environment and flags.
type Loader struct {
	v *viper.Viper
}

// NewLoader returns a loader with defaults and environment bindings set.
func NewLoader() *Loader {
	v := viper.New()
	for _, f := range flagSpecs {
		v.SetDefault(f.name, f.def)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("rank", 0)
	v.SetDefault("local-rank", 0)
	v.SetDefault("world-size", 1)
	_ = v.BindEnv(append([]string{"rank"}, rankEnv...)...)
	_ = v.BindEnv(append([]string{"local-rank"}, localRankEnv...)...)
	_ = v.BindEnv(append([]string{"world-size"}, worldSizeEnv...)...)
	_ = v.BindEnv("master-addr", "MASTER_ADDR")
	_ = v.BindEnv("master-port", "MASTER_PORT")
	return &Loader{v: v}
}

// RegisterFlags defines every configuration flag on fs and binds it.
func (l *Loader) RegisterFlags(fs *pflag.FlagSet) {
	for _, f := range flagSpecs {
		switch def := f.def.(type) {
		case string:
			fs.String(f.name, def, f.usage)
		case bool:
			fs.Bool(f.name, def, f.usage)
		case int:
			fs.Int(f.name, def, f.usage)
		case int64:
			fs.Int64(f.name, def, f.usage)
		case float64:
			fs.Float64(f.name, def, f.usage)
		default:
			panic(fmt.Sprintf("config: unsupported default type %T for %s", def, f.name))
		}
		_ = l.v.BindPFlag(f.name, fs.Lookup(f.name))
	}
}

// Load reads configFile (if non-empty), unmarshals, resolves the rendezvous
// address and validates. Validation failures are returned as *Error.
func (l *Loader) Load(configFile string) (*Config, error) {
	if configFile != "" {
		l.v.SetConfigFile(configFile)
		l.v.SetConfigType("yaml")
		if err := l.v.ReadInConfig(); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &Error{Problems: []string{fmt.Sprintf("config file %s does not exist", configFile)}}
			}
			return nil, &Error{Problems: []string{fmt.Sprintf("read config file: %v", err)}}
		}
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, &Error{Problems: []string{fmt.Sprintf("decode configuration: %v", err)}}
	}
	cfg.RendezvousAddr = resolveRendezvous(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the config file read by Load, if any.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

func resolveRendezvous(c *Config) string {
	switch {
	case c.DistURL == "env://":
		if c.MasterAddr == "" || c.MasterPort == "" {
			return ""
		}
		return c.MasterAddr + ":" + c.MasterPort
	case strings.HasPrefix(c.DistURL, "tcp://"):
		return strings.TrimPrefix(c.DistURL, "tcp://")
	default:
		return c.DistURL
	}
}
