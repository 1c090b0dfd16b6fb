package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fxnlabs/gpustress/internal/gpu"
	"github.com/fxnlabs/gpustress/internal/stress"
	"gopkg.in/yaml.v3"
)

const (
	HomeEnv        = "GPUSTRESS_HOME"
	ConfigFileName = "config.yaml"
)

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Encoding  string `yaml:"encoding"`
	} `yaml:"logger"`
	Devices struct {
		// List selects devices explicitly as "platform:device,..." and
		// overrides the type and platform filters.
		List      string   `yaml:"list"`
		Types     []string `yaml:"types"`
		Platforms []string `yaml:"platforms"`
		Software  int      `yaml:"software"`
	} `yaml:"devices"`
	Stress      stress.Lists             `yaml:"stress"`
	Calibration stress.CalibrationPolicy `yaml:"calibration"`
	Run         struct {
		ExitIfAllFail   bool          `yaml:"exitIfAllFail"`
		StartDelay      time.Duration `yaml:"startDelay"`
		ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	} `yaml:"run"`
	Metrics struct {
		ListenAddress string `yaml:"listenAddress"`
	} `yaml:"metrics"`
}

// Default returns the stock configuration.
func Default() *Config {
	var c Config
	c.Logger.Verbosity = "info"
	c.Logger.Encoding = "json"
	c.Devices.Types = []string{"gpu"}
	c.Calibration = stress.DefaultCalibrationPolicy()
	c.Run.StartDelay = 8 * time.Second
	c.Run.ShutdownTimeout = 2 * time.Second
	return &c
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	config := Default()
	err = yaml.Unmarshal(data, config)
	if err != nil {
		return nil, err
	}

	return config, nil
}

// DefaultConfigHome is $GPUSTRESS_HOME, or ~/.gpustress when unset.
func DefaultConfigHome() (string, error) {
	if home := os.Getenv(HomeEnv); home != "" {
		return home, nil
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userHome, ".gpustress"), nil
}

// DeviceTypes folds the configured type names into a mask.
func (c *Config) DeviceTypes() (gpu.DeviceType, error) {
	var mask gpu.DeviceType
	for _, name := range c.Devices.Types {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "cpu":
			mask |= gpu.DeviceCPU
		case "gpu":
			mask |= gpu.DeviceGPU
		case "acc", "accelerator":
			mask |= gpu.DeviceAccelerator
		case "all":
			mask |= gpu.DeviceAll
		default:
			return 0, fmt.Errorf("unknown device type %q", name)
		}
	}
	return mask, nil
}

// Filter is the device selection described by the type and platform lists.
func (c *Config) Filter() (gpu.Filter, error) {
	types, err := c.DeviceTypes()
	if err != nil {
		return gpu.Filter{}, err
	}
	return gpu.Filter{Types: types, Platforms: c.Devices.Platforms}, nil
}

func (c *Config) FailurePolicy() stress.FailurePolicy {
	if c.Run.ExitIfAllFail {
		return stress.ContinueUntilAllFail
	}
	return stress.StopOnFirstFailure
}
