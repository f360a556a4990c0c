package config

import "time"

// Config represents the tuner service configuration
type Config struct {
	LogLevel   string            `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat  string            `yaml:"log_format" validate:"omitempty,oneof=json text"`
	Server     ServerConfig      `yaml:"server"`
	Stopper    StopperConfig     `yaml:"stopper"`
	Solver     SolverConfig      `yaml:"solver"`
	Objectives []ObjectiveConfig `yaml:"objectives,omitempty" validate:"dive"`
	History    HistoryConfig     `yaml:"history"`
	Notify     NotifyConfig      `yaml:"notify"`
}

// ServerConfig holds the daemon listen addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" validate:"required"`
	GRPCAddr string `yaml:"grpc_addr" validate:"required"`
}

// StopperConfig bounds a solve by wall time and target satisfaction
type StopperConfig struct {
	MinSeconds         float64 `yaml:"min_seconds" validate:"gte=0"`
	MaxSeconds         float64 `yaml:"max_seconds" validate:"gt=0"`
	TargetSatisfaction float64 `yaml:"target_satisfaction" validate:"gte=0,lte=1"`
}

// MinTime returns the minimum solve time as a duration
func (s StopperConfig) MinTime() time.Duration {
	return time.Duration(s.MinSeconds * float64(time.Second))
}

// MaxTime returns the maximum solve time as a duration
func (s StopperConfig) MaxTime() time.Duration {
	return time.Duration(s.MaxSeconds * float64(time.Second))
}

// Search methods understood by the solver
const (
	MethodNelderMead = "nelder_mead"
	MethodHillClimb  = "hill_climb"
)

// SolverConfig selects and tunes the search method
type SolverConfig struct {
	Method         string  `yaml:"method" validate:"omitempty,oneof=nelder_mead hill_climb"`
	SimplexSize    float64 `yaml:"simplex_size" validate:"gte=0,lte=1"`
	StepSize       float64 `yaml:"step_size" validate:"gte=0,lte=1"`
	MaxEvaluations int     `yaml:"max_evaluations" validate:"gte=0"`
	Seed           uint64  `yaml:"seed"`
}

// ObjectiveConfig overrides the defaults of a catalog objective by name
type ObjectiveConfig struct {
	Name      string   `yaml:"name" validate:"required"`
	Enabled   *bool    `yaml:"enabled,omitempty"`
	Tolerance *float64 `yaml:"tolerance,omitempty" validate:"omitempty,gt=0"`
	Target    *float64 `yaml:"target,omitempty"`
}

// HistoryConfig enables the sqlite trial recorder
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true"`
}

// NotifyConfig configures the run completion webhook
type NotifyConfig struct {
	CallbackURL string `yaml:"callback_url,omitempty" validate:"omitempty,url"`
	Secret      string `yaml:"secret,omitempty"`
}

// DefaultConfig returns a configuration usable without any file
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		Server: ServerConfig{
			HTTPAddr: ":8080",
			GRPCAddr: ":50051",
		},
		Stopper: StopperConfig{
			MinSeconds:         5,
			MaxSeconds:         30,
			TargetSatisfaction: 0.99,
		},
		Solver: SolverConfig{
			Method:      MethodNelderMead,
			SimplexSize: 0.1,
			StepSize:    0.05,
		},
	}
}
