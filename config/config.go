package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ngenohkevin/unitbus/internal/journal"
	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/unitfile"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

// GenerateAPIKey generates a secure random API key
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return hex.EncodeToString(bytes), nil
}

// Config holds all configuration for the agent
type Config struct {
	// Server settings
	Port         int
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Authentication
	APIKey    string
	JWTSecret string

	// Security
	AllowedOrigins []string
	RateLimitRPS   int

	// Logging
	LogLevel  string
	LogFormat string

	// Allowed operations; an empty AllowedUnits permits every unit
	AllowedUnits []string
	Tasks        map[string]Task

	// systemd client
	CallTimeout    time.Duration
	JournalTimeout time.Duration
	JobPollInitial time.Duration
	JobPollMax     time.Duration
	JobWaitTimeout time.Duration
	SystemDir      string
	JournalBackend string

	TasksFile string
	EnvFile   string
}

// Task is a named argv preset runnable as a transient unit
type Task struct {
	Name             string            `yaml:"name"`
	Argv             []string          `yaml:"argv"`
	Description      string            `yaml:"description"`
	Dangerous        bool              `yaml:"dangerous"`
	Timeout          time.Duration     `yaml:"timeout"`
	Env              map[string]string `yaml:"env"`
	WorkingDirectory string            `yaml:"working_directory"`
}

// DefaultTasks returns the built-in presets
func DefaultTasks() map[string]Task {
	return map[string]Task{
		"df": {
			Name:        "df",
			Argv:        []string{"/usr/bin/df", "-h"},
			Description: "Check disk space",
			Timeout:     30 * time.Second,
		},
		"free": {
			Name:        "free",
			Argv:        []string{"/usr/bin/free", "-m"},
			Description: "Check memory",
			Timeout:     30 * time.Second,
		},
		"uptime": {
			Name:        "uptime",
			Argv:        []string{"/usr/bin/uptime"},
			Description: "System uptime",
			Timeout:     30 * time.Second,
		},
		"failed-units": {
			Name:        "failed-units",
			Argv:        []string{"/usr/bin/systemctl", "--failed", "--no-pager"},
			Description: "List failed units",
			Timeout:     30 * time.Second,
		},
		"journal-vacuum": {
			Name:        "journal-vacuum",
			Argv:        []string{"/usr/bin/journalctl", "--vacuum-time=14d"},
			Description: "Drop journal files older than two weeks",
			Dangerous:   true,
			Timeout:     5 * time.Minute,
		},
		"reboot": {
			Name:        "reboot",
			Argv:        []string{"/usr/bin/systemctl", "reboot"},
			Description: "Reboot system",
			Dangerous:   true,
			Timeout:     time.Minute,
		},
	}
}

type tasksFile struct {
	Tasks []Task `yaml:"tasks"`
}

// LoadTasks reads a YAML preset catalog. Entries are keyed by name.
func LoadTasks(path string) (map[string]Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks file: %w", err)
	}

	var file tasksFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse tasks file %s: %w", path, err)
	}

	out := make(map[string]Task, len(file.Tasks))
	for i, t := range file.Tasks {
		if strings.TrimSpace(t.Name) == "" {
			return nil, fmt.Errorf("task %d in %s has no name", i, path)
		}
		if len(t.Argv) == 0 {
			return nil, fmt.Errorf("task %q in %s has no argv", t.Name, path)
		}
		if _, dup := out[t.Name]; dup {
			return nil, fmt.Errorf("task %q defined twice in %s", t.Name, path)
		}
		out[t.Name] = t
	}
	return out, nil
}

// Load reads configuration from the .env file and environment variables
func Load() (*Config, error) {
	// Determine .env file path
	envFile := getEnvFile()

	// Load .env file if it exists
	_ = godotenv.Load(envFile)

	cfg := &Config{
		Port:           getEnvInt("PORT", 8092),
		Host:           getEnv("HOST", "127.0.0.1"),
		ReadTimeout:    time.Duration(getEnvInt("READ_TIMEOUT_SECONDS", 30)) * time.Second,
		WriteTimeout:   time.Duration(getEnvInt("WRITE_TIMEOUT_SECONDS", 300)) * time.Second,
		APIKey:         getEnv("API_KEY", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 100),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		LogFormat:      getEnv("LOG_FORMAT", "console"),
		AllowedUnits:   getEnvSlice("ALLOWED_UNITS", nil),
		Tasks:          DefaultTasks(),
		CallTimeout:    getEnvDuration("DBUS_CALL_TIMEOUT", systemd.DefaultCallTimeout),
		JournalTimeout: getEnvDuration("JOURNAL_TIMEOUT", journal.DefaultTimeout),
		JobPollInitial: getEnvDuration("JOB_POLL_INITIAL", systemd.DefaultPollInitial),
		JobPollMax:     getEnvDuration("JOB_POLL_MAX", systemd.DefaultPollMax),
		JobWaitTimeout: getEnvDuration("JOB_WAIT_TIMEOUT", 30*time.Second),
		SystemDir:      getEnv("SYSTEMD_SYSTEM_DIR", unitfile.DefaultSystemDir),
		JournalBackend: getEnv("JOURNAL_BACKEND", journal.KindCLI),
		TasksFile:      getEnv("TASKS_FILE", ""),
		EnvFile:        envFile,
	}

	if cfg.APIKey == "" {
		return nil, errors.New("API_KEY is required")
	}

	if cfg.JWTSecret == "" {
		// Use API key as fallback for JWT secret
		cfg.JWTSecret = cfg.APIKey
	}

	if cfg.TasksFile != "" {
		presets, err := LoadTasks(cfg.TasksFile)
		if err != nil {
			return nil, err
		}
		for name, t := range presets {
			cfg.Tasks[name] = t
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that would otherwise fail much later
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.JobWaitTimeout <= 0 {
		return errors.New("JOB_WAIT_TIMEOUT must be > 0")
	}
	if c.JobPollMax < c.JobPollInitial {
		return errors.New("JOB_POLL_MAX must not be below JOB_POLL_INITIAL")
	}
	switch c.JournalBackend {
	case journal.KindCLI, journal.KindNative:
	default:
		return fmt.Errorf("unknown JOURNAL_BACKEND %q", c.JournalBackend)
	}
	for _, u := range c.AllowedUnits {
		if _, err := unitname.Canonicalize(u); err != nil {
			return fmt.Errorf("invalid unit %q in ALLOWED_UNITS: %w", u, err)
		}
	}
	return nil
}

// getEnvFile returns the path to the .env file
func getEnvFile() string {
	if envFile := os.Getenv("ENV_FILE"); envFile != "" {
		return envFile
	}

	// Try to find .env in current directory or executable directory
	if _, err := os.Stat(".env"); err == nil {
		return ".env"
	}

	exe, err := os.Executable()
	if err == nil {
		envPath := filepath.Join(filepath.Dir(exe), ".env")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	return ".env"
}

// UpdateEnvFile updates or adds environment variables in a .env file
func UpdateEnvFile(envFile string, updates map[string]string) error {
	// Read existing .env content
	existingContent := ""
	if data, err := os.ReadFile(envFile); err == nil {
		existingContent = string(data)
	}

	lines := strings.Split(existingContent, "\n")
	found := make(map[string]bool)

	// Update existing keys
	for i, line := range lines {
		for key, value := range updates {
			if strings.HasPrefix(line, key+"=") {
				lines[i] = key + "=" + value
				found[key] = true
				break
			}
		}
	}

	// Add missing keys at the beginning
	var newLines []string
	for key, value := range updates {
		if !found[key] {
			newLines = append(newLines, key+"="+value)
		}
	}
	if len(newLines) > 0 {
		lines = append(newLines, lines...)
	}

	// Remove empty lines at the end
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	content := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(envFile, []byte(content), 0600); err != nil {
		return fmt.Errorf("failed to write .env file: %w", err)
	}

	return nil
}

// LoadWithDefaults loads config with defaults for testing
func LoadWithDefaults() *Config {
	return &Config{
		Port:           8092,
		Host:           "127.0.0.1",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   300 * time.Second,
		APIKey:         "test-api-key",
		JWTSecret:      "test-jwt-secret",
		AllowedOrigins: []string{"*"},
		RateLimitRPS:   100,
		LogLevel:       "info",
		LogFormat:      "console",
		AllowedUnits:   []string{"test-service"},
		Tasks:          DefaultTasks(),
		CallTimeout:    systemd.DefaultCallTimeout,
		JournalTimeout: journal.DefaultTimeout,
		JobPollInitial: systemd.DefaultPollInitial,
		JobPollMax:     systemd.DefaultPollMax,
		JobWaitTimeout: 30 * time.Second,
		SystemDir:      unitfile.DefaultSystemDir,
		JournalBackend: journal.KindCLI,
	}
}

// Addr returns the server address string
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ClientOptions returns the systemd client options
func (c *Config) ClientOptions() systemd.Options {
	return systemd.Options{
		CallTimeout:    c.CallTimeout,
		JournalTimeout: c.JournalTimeout,
		JobPollInitial: c.JobPollInitial,
		JobPollMax:     c.JobPollMax,
		SystemDir:      c.SystemDir,
		JournalBackend: c.JournalBackend,
	}
}

// IsUnitAllowed checks if a unit can be managed. Names are compared in
// canonical form, so "nginx" and "nginx.service" are the same unit.
func (c *Config) IsUnitAllowed(unit string) bool {
	if len(c.AllowedUnits) == 0 {
		return true
	}
	name, err := unitname.Canonicalize(unit)
	if err != nil {
		return false
	}
	for _, u := range c.AllowedUnits {
		if allowed, err := unitname.Canonicalize(u); err == nil && allowed == name {
			return true
		}
	}
	return false
}

// GetTask returns a task by name if it exists
func (c *Config) GetTask(name string) (Task, bool) {
	task, ok := c.Tasks[name]
	return task, ok
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("750ms") or plain seconds ("5").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return defaultValue
}
