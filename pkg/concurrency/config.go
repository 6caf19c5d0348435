package concurrency

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
)

// ConfigSource indicates where a configuration value came from.
type ConfigSource string

const (
	ConfigSourceEnvVar     ConfigSource = "environment_variable"
	ConfigSourceAutoDetect ConfigSource = "auto_detect"
)

// Config holds the node's concurrency parameters.
type Config struct {
	// MaxConcurrent bounds batches executing at once.
	MaxConcurrent int

	// RunnerWorkers is the number of worker goroutines draining the
	// request stream.
	RunnerWorkers int

	Source        ConfigSource
	IsKubernetes  bool
	EffectiveCPUs int
}

// LoadConfig loads concurrency configuration with priority: environment
// variables, then auto-detection from the effective CPU count.
//
// Recognized variables:
//
//	DAEDALUS_MAX_CONCURRENT        absolute batch concurrency
//	DAEDALUS_CONCURRENCY_MULTIPLIER  batch concurrency as CPUs * multiplier
//	DAEDALUS_RUNNER_WORKERS        worker goroutine count
func LoadConfig() *Config {
	config := &Config{}

	config.IsKubernetes = isKubernetes()

	// GOMAXPROCS reflects cgroup CPU limits once maxprocs has run.
	config.EffectiveCPUs = runtime.GOMAXPROCS(0)

	if maxConcurrent := getEnvInt("DAEDALUS_MAX_CONCURRENT", 0); maxConcurrent > 0 {
		config.MaxConcurrent = maxConcurrent
		config.Source = ConfigSourceEnvVar
	} else if multiplier := getEnvInt("DAEDALUS_CONCURRENCY_MULTIPLIER", 0); multiplier > 0 {
		config.MaxConcurrent = config.EffectiveCPUs * multiplier
		config.Source = ConfigSourceEnvVar
	} else {
		config.MaxConcurrent = defaultMaxConcurrent(config.IsKubernetes, config.EffectiveCPUs)
		config.Source = ConfigSourceAutoDetect
	}

	if config.MaxConcurrent < 1 {
		config.MaxConcurrent = 1
	}

	if workers := getEnvInt("DAEDALUS_RUNNER_WORKERS", 0); workers > 0 {
		config.RunnerWorkers = workers
	} else {
		config.RunnerWorkers = defaultRunnerWorkers(config.IsKubernetes, config.EffectiveCPUs)
	}

	return config
}

// isKubernetes detects a Kubernetes environment; the service host variable
// is set in every container.
func isKubernetes() bool {
	return os.Getenv("KUBERNETES_SERVICE_HOST") != ""
}

// defaultMaxConcurrent is conservative under Kubernetes to stay inside the
// container's CPU quota.
func defaultMaxConcurrent(isK8s bool, cpus int) int {
	if isK8s {
		return cpus * 2
	}
	return cpus * 4
}

func defaultRunnerWorkers(isK8s bool, cpus int) int {
	if isK8s {
		return max(cpus, 4)
	}
	return max(cpus*2, 8)
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// String formats the config for startup logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{MaxConcurrent: %d, RunnerWorkers: %d, IsK8s: %t, CPUs: %d, Source: %s}",
		c.MaxConcurrent,
		c.RunnerWorkers,
		c.IsKubernetes,
		c.EffectiveCPUs,
		c.Source,
	)
}

// GetOptimalConcurrency calculates concurrency as effective CPUs times the
// given multiplier (2 when the multiplier is not positive).
func GetOptimalConcurrency(multiplier int) int {
	if multiplier <= 0 {
		multiplier = 2
	}
	return GetEffectiveCPUs() * multiplier
}
