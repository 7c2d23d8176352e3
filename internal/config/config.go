package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	cronpkg "github.com/novapm/novapm/internal/cron"
	"github.com/novapm/novapm/internal/procgroup"
	"github.com/novapm/novapm/internal/procspec"
)

type Config struct {
	UseOSEnv          bool           `mapstructure:"use_os_env"`
	EnvFiles          []string       `mapstructure:"env_files"`
	Env               []string       `mapstructure:"env"`
	ProgramsDirectory string         `mapstructure:"programs_directory"`
	Groups            []GroupConfig  `mapstructure:"groups"`
	Store             *StoreConfig   `mapstructure:"store"`
	History           *HistoryConfig `mapstructure:"history"`
	Metrics           *MetricsConfig `mapstructure:"metrics"`
	Log               *LogConfig     `mapstructure:"log"`
	Server            *ServerConfig  `mapstructure:"server"`
	IPC               *IPCConfig     `mapstructure:"ipc"`

	// Inline processes parsed as discriminated union entries
	Processes []ProcessConfig `mapstructure:"processes"`

	// Computed/aggregated fields
	GlobalEnv  []string
	Specs      []procspec.Spec
	GroupSpecs []procgroup.GroupSpec
	CronJobs   []*cronpkg.Job

	configPath string
}

type GroupConfig struct {
	Name    string   `mapstructure:"name"`
	Members []string `mapstructure:"members"`
}

type StoreConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	DSN     string `mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	InStore         *bool  `mapstructure:"in_store"`
	OpenSearchURL   string `mapstructure:"opensearch_url"`
	OpenSearchIndex string `mapstructure:"opensearch_index"`
	ClickHouseURL   string `mapstructure:"clickhouse_url"`
	ClickHouseTable string `mapstructure:"clickhouse_table"`
	SQLiteDSN       string `mapstructure:"sqlite_dsn"`
	PostgresDSN     string `mapstructure:"postgres_dsn"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Stdout     string `mapstructure:"stdout"`
	Stderr     string `mapstructure:"stderr"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type ServerConfig struct {
	Listen        string     `mapstructure:"listen"`
	BasePath      string     `mapstructure:"base_path"`
	TLS           *TLSConfig `mapstructure:"tls"`
	TLSMinVersion string     `mapstructure:"tls_min_version"`
	TLSMaxVersion string     `mapstructure:"tls_max_version"`
}

// TLSConfig mirrors the shape internal/tls.Builder expects, so a daemon
// config file can request an autogenerated or file-backed certificate.
type TLSConfig struct {
	Enabled      bool        `mapstructure:"enabled"`
	CertFile     string      `mapstructure:"cert_file"`
	KeyFile      string      `mapstructure:"key_file"`
	Dir          string      `mapstructure:"dir"`
	AutoGenerate bool        `mapstructure:"auto_generate"`
	AutoGen      *AutoGenTLS `mapstructure:"auto_gen"`
}

// AutoGenTLS configures the self-signed certificate internal/tls generates
// when TLSConfig.AutoGenerate is set and no certificate exists yet.
type AutoGenTLS struct {
	CommonName   string   `mapstructure:"common_name"`
	Organization string   `mapstructure:"organization"`
	DNSNames     []string `mapstructure:"dns_names"`
	IPAddresses  []string `mapstructure:"ip_addresses"`
	ValidDays    int      `mapstructure:"valid_days"`
}

// IPCConfig configures the local Unix-socket control channel (see
// internal/ipc). The daemon always serves the control socket; Enabled is
// not consulted.
type IPCConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	SocketPath string `mapstructure:"socket_path"`
}

type ProcessConfig struct {
	Type string         `mapstructure:"type"` // process, cron
	Spec map[string]any `mapstructure:"spec"` // specific config
}

// durationType is the reflect.Type target stringToDurationHook fires on.
var durationType = reflect.TypeOf(time.Duration(0))

// decodeTo decodes a map[string]any to a target type using mapstructure,
// with custom hooks for Go duration strings extended with a "d" (day) unit,
// human-readable byte sizes ("512M", "1G"), and the instances "max"/"auto"
// sentinel.
func decodeTo[T any](m map[string]any) (T, error) {
	var out T
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			stringToDurationHook,
			stringToByteSizeHook,
			stringToInstancesHook,
		),
		Result: &out,
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(m); err != nil {
		return out, err
	}
	return out, nil
}

// stringToDurationHook parses duration strings into time.Duration, adding
// a trailing "d" (days) unit that time.ParseDuration does not understand
// on top of everything it already does (e.g. "30s", "5m", "1h", "2d").
func stringToDurationHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to != durationType {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return time.Duration(0), nil
	}
	if strings.HasSuffix(s, "d") {
		days, err := strconv.ParseFloat(strings.TrimSuffix(s, "d"), 64)
		if err == nil {
			return time.Duration(days * 24 * float64(time.Hour)), nil
		}
	}
	return time.ParseDuration(s)
}

// stringToByteSizeHook parses human-readable byte sizes ("512M", "1G")
// into an int64 byte count via dustin/go-humanize, for fields like
// MaxMemoryRestart. Falls through to WeaklyTypedInput's own numeric
// coercion when the string isn't a recognized byte-size literal.
func stringToByteSizeHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Int64 {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	if s == "" {
		return int64(0), nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return data, nil
	}
	return int64(n), nil
}

// stringToInstancesHook resolves the "max"/"auto" sentinels (any case) to
// procspec.AutoInstances; any other int-typed field decoded from a plain
// numeric string falls through to WeaklyTypedInput's own coercion.
func stringToInstancesHook(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String || to.Kind() != reflect.Int {
		return data, nil
	}
	s := strings.ToLower(strings.TrimSpace(data.(string)))
	if s == "max" || s == "auto" {
		return procspec.AutoInstances, nil
	}
	return data, nil
}

// decodeProcessEntry decodes and validates a ProcessConfig entry (process or cron).
// ctx is used to improve error messages with the source (e.g., filename or "inline processes").
func decodeProcessEntry(pc ProcessConfig, ctx string) (procspec.Spec, *cronpkg.Job, error) {
	var zero procspec.Spec
	typ := strings.ToLower(strings.TrimSpace(pc.Type))
	switch typ {
	case "", "process":
		sp, err := decodeTo[procspec.Spec](pc.Spec)
		if err != nil {
			return zero, nil, fmt.Errorf("decode process spec in %s: %w", ctx, err)
		}
		if strings.TrimSpace(sp.Name) == "" {
			return zero, nil, fmt.Errorf("%s: process requires name", ctx)
		}
		if strings.TrimSpace(sp.Script) == "" {
			return zero, nil, fmt.Errorf("%s: process %q requires script", ctx, sp.Name)
		}
		return sp, nil, nil
	case "cron":
		jb, err := decodeTo[cronpkg.Job](pc.Spec)
		if err != nil {
			return zero, nil, fmt.Errorf("decode cron job spec in %s: %w", ctx, err)
		}
		if strings.TrimSpace(jb.Name) == "" {
			jb.Name = strings.TrimSpace(jb.Spec.Name)
		}
		if strings.TrimSpace(jb.Name) == "" {
			return zero, nil, fmt.Errorf("%s: cron job requires name", ctx)
		}
		if strings.TrimSpace(jb.Spec.Script) == "" {
			return zero, nil, fmt.Errorf("%s: cron job %q requires script", ctx, jb.Name)
		}
		if strings.TrimSpace(jb.Schedule) == "" {
			return zero, nil, fmt.Errorf("%s: cron job %q requires schedule", ctx, jb.Name)
		}
		return jb.Spec, &jb, nil
	default:
		return zero, nil, fmt.Errorf("%s: unknown process type %q (allowed: process, cron)", ctx, pc.Type)
	}
}

func LoadConfig(configPath string) (*Config, error) {
	config := &Config{configPath: configPath}

	if err := parseConfigFile(configPath, config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.Specs = make([]procspec.Spec, 0)
	config.CronJobs = []*cronpkg.Job{}

	for _, pc := range config.Processes {
		spec, job, err := decodeProcessEntry(pc, "inline processes")
		if err != nil {
			return nil, err
		}
		config.Specs = append(config.Specs, spec)
		if job != nil {
			config.CronJobs = append(config.CronJobs, job)
		}
	}

	var programsDir string
	if config.ProgramsDirectory != "" {
		if filepath.IsAbs(config.ProgramsDirectory) {
			programsDir = config.ProgramsDirectory
		} else {
			programsDir = filepath.Join(filepath.Dir(configPath), config.ProgramsDirectory)
		}
	} else {
		programsDir = filepath.Join(filepath.Dir(configPath), "programs")
	}

	specs, jobs, err := loadProgramEntries(programsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load programs from %s: %w", programsDir, err)
	}
	config.Specs = append(config.Specs, specs...)
	config.CronJobs = append(config.CronJobs, jobs...)

	globalEnv, err := computeGlobalEnv(config.UseOSEnv, config.EnvFiles, config.Env)
	if err != nil {
		return nil, fmt.Errorf("failed to compute global env: %w", err)
	}
	config.GlobalEnv = globalEnv

	groupSpecs, err := buildGroups(config.Groups, config.Specs)
	if err != nil {
		return nil, fmt.Errorf("failed to build groups: %w", err)
	}
	config.GroupSpecs = groupSpecs

	if err := applyGlobalLogDefaults(config); err != nil {
		return nil, fmt.Errorf("failed to apply global log defaults: %w", err)
	}

	return config, nil
}

func parseConfigFile(configPath string, out interface{}) error {
	v := viper.New()
	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := v.Unmarshal(out); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return nil
}

// loadProgramEntries loads program entries from the programs directory using the same
// discriminated-union format as inline [[processes]] blocks: {type, spec}.
// Supported file extensions: toml, yaml/yml, json.
func loadProgramEntries(programsDir string) ([]procspec.Spec, []*cronpkg.Job, error) {
	infos, err := os.ReadDir(programsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	exts := []string{".toml", ".yaml", ".yml", ".json"}
	supported := make(map[string]struct{}, len(exts))
	for _, e := range exts {
		supported[e] = struct{}{}
	}

	var specs []procspec.Spec
	var jobs []*cronpkg.Job
	for _, de := range infos {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(programsDir, name)
		ext := strings.ToLower(filepath.Ext(name))
		if _, ok := supported[ext]; !ok {
			continue
		}

		v := viper.New()
		v.SetConfigFile(full)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", full, err)
		}

		var pc ProcessConfig
		if err := v.Unmarshal(&pc); err != nil {
			return nil, nil, fmt.Errorf("unmarshal %s: %w", full, err)
		}

		sp, jb, err := decodeProcessEntry(pc, full)
		if err != nil {
			return nil, nil, err
		}
		specs = append(specs, sp)
		if jb != nil {
			jobs = append(jobs, jb)
		}
	}
	return specs, jobs, nil
}

func computeGlobalEnv(useOSEnv bool, envFiles []string, env []string) ([]string, error) {
	envMap := make(map[string]string)

	if useOSEnv {
		for _, kv := range os.Environ() {
			if i := strings.IndexByte(kv, '='); i >= 0 {
				envMap[kv[:i]] = kv[i+1:]
			}
		}
	}

	for _, envFile := range envFiles {
		fileEnv, err := loadEnvFile(envFile)
		if err != nil {
			return nil, err
		}
		for key, value := range fileEnv {
			envMap[key] = value
		}
	}

	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			envMap[kv[:i]] = kv[i+1:]
		}
	}

	result := make([]string, 0, len(envMap))
	for key, value := range envMap {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)

	return result, nil
}

func applyGlobalLogDefaults(cfg *Config) error {
	if cfg.Log == nil {
		return nil
	}
	baseDir := filepath.Dir(cfg.configPath)
	makeAbs := func(p string) string {
		if p == "" {
			return ""
		}
		if filepath.IsAbs(p) {
			return filepath.Clean(p)
		}
		return filepath.Clean(filepath.Join(baseDir, p))
	}

	globalDir := makeAbs(cfg.Log.Dir)
	globalStdout := makeAbs(cfg.Log.Stdout)
	globalStderr := makeAbs(cfg.Log.Stderr)

	apply := func(sp *procspec.Spec) {
		noPathsSet := sp.Log.Dir == "" && sp.Log.StdoutPath == "" && sp.Log.StderrPath == ""
		if noPathsSet {
			if globalStdout != "" {
				sp.Log.StdoutPath = globalStdout
			}
			if globalStderr != "" {
				sp.Log.StderrPath = globalStderr
			}
			if sp.Log.StdoutPath == "" && sp.Log.StderrPath == "" {
				sp.Log.Dir = globalDir
			}
		}
		if sp.Log.MaxSizeMB == 0 && cfg.Log.MaxSizeMB > 0 {
			sp.Log.MaxSizeMB = cfg.Log.MaxSizeMB
		}
		if sp.Log.MaxBackups == 0 && cfg.Log.MaxBackups > 0 {
			sp.Log.MaxBackups = cfg.Log.MaxBackups
		}
		if sp.Log.MaxAgeDays == 0 && cfg.Log.MaxAgeDays > 0 {
			sp.Log.MaxAgeDays = cfg.Log.MaxAgeDays
		}
		if noPathsSet {
			sp.Log.Compress = cfg.Log.Compress
		}
	}

	for i := range cfg.Specs {
		apply(&cfg.Specs[i])
	}
	for _, j := range cfg.CronJobs {
		apply(&j.Spec)
	}
	return nil
}

func buildGroups(groupConfigs []GroupConfig, specs []procspec.Spec) ([]procgroup.GroupSpec, error) {
	specMap := make(map[string]procspec.Spec, len(specs))
	for _, spec := range specs {
		specMap[spec.Name] = spec
	}

	groups := make([]procgroup.GroupSpec, 0, len(groupConfigs))
	for _, gc := range groupConfigs {
		if gc.Name == "" {
			return nil, fmt.Errorf("group requires name")
		}
		if len(gc.Members) == 0 {
			return nil, fmt.Errorf("group %s requires members", gc.Name)
		}

		memberSpecs := make([]procspec.Spec, 0, len(gc.Members))
		for _, memberName := range gc.Members {
			spec, exists := specMap[memberName]
			if !exists {
				return nil, fmt.Errorf("group %s references unknown member %s", gc.Name, memberName)
			}
			memberSpecs = append(memberSpecs, spec)
		}

		groups = append(groups, procgroup.GroupSpec{
			Name:    gc.Name,
			Members: memberSpecs,
		})
	}

	return groups, nil
}

// LoadEnvFile reads a dotenv-style KEY=VALUE file into a slice of "KEY=VALUE"
// pairs, for callers that want the raw pairs rather than a merged global
// environment.
func LoadEnvFile(filePath string) ([]string, error) {
	m, err := loadEnvFile(filePath)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

func loadEnvFile(filePath string) (map[string]string, error) {
	// #nosec G304
	content, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	env := make(map[string]string)
	lines := strings.Split(string(content), "\n")
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if idx := strings.IndexByte(line, '='); idx >= 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') || (value[0] == '\'' && value[len(value)-1] == '\'')) {
				value = value[1 : len(value)-1]
			}
			env[key] = value
		} else {
			return nil, fmt.Errorf("invalid env line at %s:%d: %s", filePath, i+1, line)
		}
	}

	return env, nil
}
