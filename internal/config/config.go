package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"Mokpell/internal/backend"
	"Mokpell/internal/inferbench"
	"Mokpell/internal/sampling"
	"Mokpell/internal/session"
)

// Config captures runtime, session, sampling, bench, server and logging
// settings for Mokpell.
type Config struct {
	Runtime  RuntimeConfig  `yaml:"runtime" toml:"runtime" json:"runtime"`
	Session  ContextConfig  `yaml:"session" toml:"session" json:"session"`
	Sampling SamplingConfig `yaml:"sampling" toml:"sampling" json:"sampling"`
	Bench    BenchConfig    `yaml:"bench" toml:"bench" json:"bench"`
	Server   ServerConfig   `yaml:"server" toml:"server" json:"server"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging" json:"logging"`
	History  HistoryConfig  `yaml:"history" toml:"history" json:"history"`
}

// RuntimeConfig selects the backend and the model it loads.
type RuntimeConfig struct {
	Backend   string `yaml:"backend" toml:"backend" json:"backend"`
	ModelPath string `yaml:"model_path" toml:"model_path" json:"model_path"`
	GPULayers int    `yaml:"gpu_layers" toml:"gpu_layers" json:"gpu_layers"`
	UseMmap   *bool  `yaml:"use_mmap" toml:"use_mmap" json:"use_mmap"`
	UseMlock  bool   `yaml:"use_mlock" toml:"use_mlock" json:"use_mlock"`
}

// ContextConfig sizes the inference context and bounds generation.
type ContextConfig struct {
	NCtx          int    `yaml:"n_ctx" toml:"n_ctx" json:"n_ctx"`
	NBatch        int    `yaml:"n_batch" toml:"n_batch" json:"n_batch"`
	NSeqMax       int    `yaml:"n_seq_max" toml:"n_seq_max" json:"n_seq_max"`
	Threads       int    `yaml:"threads" toml:"threads" json:"threads"`
	ThreadsBatch  int    `yaml:"threads_batch" toml:"threads_batch" json:"threads_batch"`
	MaxTokens     int    `yaml:"max_tokens" toml:"max_tokens" json:"max_tokens"`
	AddBOS        *bool  `yaml:"add_bos" toml:"add_bos" json:"add_bos"`
	Overflow      string `yaml:"overflow" toml:"overflow" json:"overflow"`
	ChatTemplate  string `yaml:"chat_template" toml:"chat_template" json:"chat_template"`
	SystemMessage string `yaml:"system_message" toml:"system_message" json:"system_message"`
}

// SamplingConfig mirrors sampling.Params. Pointer fields distinguish an
// explicit zero from an unset value.
type SamplingConfig struct {
	Temperature    *float32 `yaml:"temperature" toml:"temperature" json:"temperature"`
	TopK           int      `yaml:"top_k" toml:"top_k" json:"top_k"`
	TopP           float32  `yaml:"top_p" toml:"top_p" json:"top_p"`
	MinP           float32  `yaml:"min_p" toml:"min_p" json:"min_p"`
	PenaltyLastN   int      `yaml:"penalty_last_n" toml:"penalty_last_n" json:"penalty_last_n"`
	PenaltyRepeat  float32  `yaml:"penalty_repeat" toml:"penalty_repeat" json:"penalty_repeat"`
	PenaltyFreq    *float32 `yaml:"penalty_freq" toml:"penalty_freq" json:"penalty_freq"`
	PenaltyPresent float32  `yaml:"penalty_present" toml:"penalty_present" json:"penalty_present"`
	Seed           *uint32  `yaml:"seed" toml:"seed" json:"seed"`
}

// BenchConfig holds default benchmark shape and report location.
type BenchConfig struct {
	PP        int    `yaml:"pp" toml:"pp" json:"pp"`
	TG        int    `yaml:"tg" toml:"tg" json:"tg"`
	PL        int    `yaml:"pl" toml:"pl" json:"pl"`
	NR        int    `yaml:"nr" toml:"nr" json:"nr"`
	ReportDir string `yaml:"report_dir" toml:"report_dir" json:"report_dir"`
}

// ServerConfig defines HTTP server settings.
type ServerConfig struct {
	Host        string   `yaml:"host" toml:"host" json:"host"`
	Port        int      `yaml:"port" toml:"port" json:"port"`
	CORSOrigins []string `yaml:"cors_origins" toml:"cors_origins" json:"cors_origins"`
}

// LoggingConfig configures the zerolog output.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" json:"level"`
	Format string `yaml:"format" toml:"format" json:"format"`
	ToFile bool   `yaml:"to_file" toml:"to_file" json:"to_file"`
}

// HistoryConfig locates the benchmark history database.
type HistoryConfig struct {
	Driver string `yaml:"driver" toml:"driver" json:"driver"`
	Path   string `yaml:"path" toml:"path" json:"path"`
}

const defaultConfigFile = "mokpell.yaml"

// Default returns a Config populated with the engine defaults.
func Default() Config {
	sp := sampling.DefaultParams()
	sc := session.DefaultConfig()
	bp := inferbench.DefaultParams()
	return Config{
		Runtime: RuntimeConfig{
			Backend:   "llama",
			GPULayers: backend.DefaultModelOptions().GPULayers,
			UseMmap:   boolPtr(true),
		},
		Session: ContextConfig{
			NCtx:         sc.NCtx,
			NBatch:       sc.NBatch,
			NSeqMax:      sc.NSeqMax,
			Threads:      sc.Threads,
			ThreadsBatch: sc.ThreadsBatch,
			MaxTokens:    sc.MaxTokens,
			AddBOS:       boolPtr(sc.AddBOS),
			Overflow:     string(sc.Overflow),
		},
		Sampling: SamplingConfig{
			Temperature:    float32Ptr(sp.Temperature),
			TopK:           sp.TopK,
			TopP:           sp.TopP,
			MinP:           sp.MinP,
			PenaltyLastN:   sp.PenaltyLastN,
			PenaltyRepeat:  sp.PenaltyRepeat,
			PenaltyFreq:    float32Ptr(sp.PenaltyFreq),
			PenaltyPresent: sp.PenaltyPresent,
			Seed:           uint32Ptr(sp.Seed),
		},
		Bench: BenchConfig{PP: bp.PP, TG: bp.TG, PL: bp.PL, NR: bp.NR},
		Server: ServerConfig{
			Host:        "127.0.0.1",
			Port:        42068,
			CORSOrigins: []string{"*"},
		},
		Logging: LoggingConfig{Level: "info", Format: "console"},
		History: HistoryConfig{Driver: "sqlite", Path: "mokpell_bench.db"},
	}
}

// Resolve loads configuration from file and environment variables. The file
// is APP_CONFIG when set, otherwise mokpell.yaml in the working directory if
// present.
func Resolve() (Config, error) {
	return ResolvePath(strings.TrimSpace(os.Getenv("APP_CONFIG")))
}

// ResolvePath is Resolve with an explicit file; an empty path falls back to
// mokpell.yaml when it exists.
func ResolvePath(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	} else if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, fmt.Errorf("config file %q not found", path)
	}

	if path != "" {
		loaded, err := Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = merge(cfg, loaded)
	}

	applyEnvOverrides(&cfg)

	return cfg, nil
}

// Load reads a configuration file based on its extension: .yaml/.yml, .toml
// or .json. Unset fields stay zero.
func Load(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %q: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension %q", ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to parse config %q: %w", path, err)
	}
	return cfg, nil
}

func merge(base, override Config) Config {
	result := base

	r := override.Runtime
	if r.Backend != "" {
		result.Runtime.Backend = r.Backend
	}
	if r.ModelPath != "" {
		result.Runtime.ModelPath = r.ModelPath
	}
	if r.GPULayers != 0 {
		result.Runtime.GPULayers = r.GPULayers
	}
	if r.UseMmap != nil {
		result.Runtime.UseMmap = boolPtr(*r.UseMmap)
	}
	if r.UseMlock {
		result.Runtime.UseMlock = true
	}

	s := override.Session
	if s.NCtx != 0 {
		result.Session.NCtx = s.NCtx
	}
	if s.NBatch != 0 {
		result.Session.NBatch = s.NBatch
	}
	if s.NSeqMax != 0 {
		result.Session.NSeqMax = s.NSeqMax
	}
	if s.Threads != 0 {
		result.Session.Threads = s.Threads
	}
	if s.ThreadsBatch != 0 {
		result.Session.ThreadsBatch = s.ThreadsBatch
	}
	if s.MaxTokens != 0 {
		result.Session.MaxTokens = s.MaxTokens
	}
	if s.AddBOS != nil {
		result.Session.AddBOS = boolPtr(*s.AddBOS)
	}
	if s.Overflow != "" {
		result.Session.Overflow = s.Overflow
	}
	if s.ChatTemplate != "" {
		result.Session.ChatTemplate = s.ChatTemplate
	}
	if s.SystemMessage != "" {
		result.Session.SystemMessage = s.SystemMessage
	}

	p := override.Sampling
	if p.Temperature != nil {
		result.Sampling.Temperature = float32Ptr(*p.Temperature)
	}
	if p.TopK != 0 {
		result.Sampling.TopK = p.TopK
	}
	if p.TopP != 0 {
		result.Sampling.TopP = p.TopP
	}
	if p.MinP != 0 {
		result.Sampling.MinP = p.MinP
	}
	if p.PenaltyLastN != 0 {
		result.Sampling.PenaltyLastN = p.PenaltyLastN
	}
	if p.PenaltyRepeat != 0 {
		result.Sampling.PenaltyRepeat = p.PenaltyRepeat
	}
	if p.PenaltyFreq != nil {
		result.Sampling.PenaltyFreq = float32Ptr(*p.PenaltyFreq)
	}
	if p.PenaltyPresent != 0 {
		result.Sampling.PenaltyPresent = p.PenaltyPresent
	}
	if p.Seed != nil {
		result.Sampling.Seed = uint32Ptr(*p.Seed)
	}

	b := override.Bench
	if b.PP != 0 {
		result.Bench.PP = b.PP
	}
	if b.TG != 0 {
		result.Bench.TG = b.TG
	}
	if b.PL != 0 {
		result.Bench.PL = b.PL
	}
	if b.NR != 0 {
		result.Bench.NR = b.NR
	}
	if b.ReportDir != "" {
		result.Bench.ReportDir = b.ReportDir
	}

	if override.Server.Host != "" {
		result.Server.Host = override.Server.Host
	}
	if override.Server.Port != 0 {
		result.Server.Port = override.Server.Port
	}
	if len(override.Server.CORSOrigins) != 0 {
		result.Server.CORSOrigins = append([]string(nil), override.Server.CORSOrigins...)
	}

	if override.Logging.Level != "" {
		result.Logging.Level = override.Logging.Level
	}
	if override.Logging.Format != "" {
		result.Logging.Format = override.Logging.Format
	}
	if override.Logging.ToFile {
		result.Logging.ToFile = true
	}

	if override.History.Driver != "" {
		result.History.Driver = override.History.Driver
	}
	if override.History.Path != "" {
		result.History.Path = override.History.Path
	}

	return result
}

func applyEnvOverrides(cfg *Config) {
	if v := env("APP_BACKEND"); v != "" {
		cfg.Runtime.Backend = v
	}
	if v := env("APP_MODEL_PATH"); v != "" {
		cfg.Runtime.ModelPath = v
	}
	if v := env("APP_GPU_LAYERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.Runtime.GPULayers = n
		}
	}
	if v := env("APP_N_CTX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.NCtx = n
		}
	}
	if v := env("APP_N_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.NBatch = n
		}
	}
	if v := env("APP_THREADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.Threads = n
		}
	}
	if v := env("APP_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Session.MaxTokens = n
		}
	}
	if v := env("APP_OVERFLOW"); v != "" {
		cfg.Session.Overflow = v
	}
	if v := env("APP_SYSMSG"); v != "" {
		cfg.Session.SystemMessage = v
	}
	if v := env("APP_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 32); err == nil {
			cfg.Sampling.Temperature = float32Ptr(float32(f))
		}
	}
	if v := env("APP_SEED"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Sampling.Seed = uint32Ptr(uint32(n))
		}
	}
	if v := env("APP_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := env("APP_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := env("APP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := env("APP_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := env("APP_LOG_TO_FILE"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.ToFile = enabled
		}
	}
	if v := env("APP_HISTORY_DRIVER"); v != "" {
		cfg.History.Driver = v
	}
	if v := env("APP_HISTORY_PATH"); v != "" {
		cfg.History.Path = v
	}
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// Validate checks every section and joins the problems found.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Runtime.Backend) == "" {
		errs = append(errs, errors.New("runtime.backend is required"))
	}
	if err := c.SessionConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session: %w", err))
	}
	if b := c.Bench; b.PP <= 0 || b.TG <= 0 || b.PL <= 0 || b.NR <= 0 {
		errs = append(errs, fmt.Errorf("bench: pp, tg, pl and nr must be positive, got %d/%d/%d/%d", b.PP, b.TG, b.PL, b.NR))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q must be console or json", c.Logging.Format))
	}
	switch c.History.Driver {
	case "sqlite", "duckdb":
	default:
		errs = append(errs, fmt.Errorf("history.driver %q must be sqlite or duckdb", c.History.Driver))
	}
	return errors.Join(errs...)
}

// SessionConfig converts the session and sampling sections.
func (c Config) SessionConfig() session.Config {
	sc := session.Config{
		NCtx:         c.Session.NCtx,
		NBatch:       c.Session.NBatch,
		NSeqMax:      c.Session.NSeqMax,
		Threads:      c.Session.Threads,
		ThreadsBatch: c.Session.ThreadsBatch,
		MaxTokens:    c.Session.MaxTokens,
		AddBOS:       c.Session.AddBOS == nil || *c.Session.AddBOS,
		Overflow:     session.OverflowPolicy(c.Session.Overflow),
		ChatTemplate: c.Session.ChatTemplate,
		Sampling:     c.SamplingParams(),
	}
	return sc
}

// SamplingParams converts the sampling section, filling unset pointer fields
// from sampling.DefaultParams.
func (c Config) SamplingParams() sampling.Params {
	d := sampling.DefaultParams()
	s := c.Sampling
	p := sampling.Params{
		Temperature:    d.Temperature,
		TopK:           s.TopK,
		TopP:           s.TopP,
		MinP:           s.MinP,
		PenaltyLastN:   s.PenaltyLastN,
		PenaltyRepeat:  s.PenaltyRepeat,
		PenaltyFreq:    d.PenaltyFreq,
		PenaltyPresent: s.PenaltyPresent,
		Seed:           d.Seed,
	}
	if s.Temperature != nil {
		p.Temperature = *s.Temperature
	}
	if s.PenaltyFreq != nil {
		p.PenaltyFreq = *s.PenaltyFreq
	}
	if s.Seed != nil {
		p.Seed = *s.Seed
	}
	return p
}

// ModelOptions converts the runtime section.
func (c Config) ModelOptions() backend.ModelOptions {
	return backend.ModelOptions{
		GPULayers: c.Runtime.GPULayers,
		UseMmap:   c.Runtime.UseMmap == nil || *c.Runtime.UseMmap,
		UseMlock:  c.Runtime.UseMlock,
	}
}

// BenchParams converts the bench section.
func (c Config) BenchParams() inferbench.Params {
	return inferbench.Params{PP: c.Bench.PP, TG: c.Bench.TG, PL: c.Bench.PL, NR: c.Bench.NR}
}

// Addr is the host:port the HTTP server listens on.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func boolPtr(v bool) *bool          { return &v }
func float32Ptr(v float32) *float32 { return &v }
func uint32Ptr(v uint32) *uint32    { return &v }
