package stress

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fxnlabs/gpustress/internal/kernels"
)

const (
	DefaultPassIterations = 32
	DefaultWorkFactor     = 256
	DefaultBlockCount     = 2
	MaxInnerIters         = 100
)

// Config holds the tunables of one tester.
type Config struct {
	PassIterations uint            `yaml:"passIterations" json:"passIterations"`
	GroupSize      uint            `yaml:"groupSize" json:"groupSize"` // 0 = device maximum
	WorkFactor     uint            `yaml:"workFactor" json:"workFactor"`
	BlockCount     uint            `yaml:"blockCount" json:"blockCount"`
	InnerIters     uint            `yaml:"innerIters" json:"innerIters"` // 0 = calibrate
	KernelVariant  kernels.Variant `yaml:"testType" json:"testType"`
	DualBuffer     bool            `yaml:"dualBuffer" json:"dualBuffer"`
}

func DefaultConfig() Config {
	return Config{
		PassIterations: DefaultPassIterations,
		WorkFactor:     DefaultWorkFactor,
		BlockCount:     DefaultBlockCount,
	}
}

// Validate checks the ranges every tester relies on.
func (c Config) Validate() error {
	switch {
	case c.PassIterations == 0:
		return &ConfigError{Msg: "PassItersNum is zero"}
	case c.BlockCount == 0 || c.BlockCount > kernels.MaxBlocks:
		return &ConfigError{Msg: "BlocksNum is zero or out of range"}
	case c.WorkFactor == 0:
		return &ConfigError{Msg: "WorkFactor is zero"}
	case !c.KernelVariant.Valid():
		return &ConfigError{Msg: "BuiltinKernel out of range"}
	case c.InnerIters > MaxInnerIters:
		return &ConfigError{Msg: "KitersNum out of range"}
	}
	return nil
}

// Lists are per-device tunables. An empty list selects the default, a list
// shorter than the device count repeats its last element.
type Lists struct {
	PassIterations []uint `yaml:"passIterations"`
	GroupSizes     []uint `yaml:"groupSizes"`
	WorkFactors    []uint `yaml:"workFactors"`
	BlockCounts    []uint `yaml:"blockCounts"`
	InnerIters     []uint `yaml:"innerIters"`
	TestTypes      []uint `yaml:"testTypes"`
	DualBuffer     []bool `yaml:"dualBuffer"`
}

// Expand resolves list for n devices.
func Expand[T any](name string, list []T, n int, def T) ([]T, error) {
	if len(list) > n {
		return nil, &ConfigError{Msg: name + " list is too long"}
	}
	out := make([]T, n)
	for i := range out {
		switch {
		case len(list) == 0:
			out[i] = def
		case i < len(list):
			out[i] = list[i]
		default:
			out[i] = list[len(list)-1]
		}
	}
	return out, nil
}

// Collect builds and validates one Config per device.
func Collect(n int, l Lists) ([]Config, error) {
	def := DefaultConfig()
	passIters, err := Expand("PassItersNum", l.PassIterations, n, def.PassIterations)
	if err != nil {
		return nil, err
	}
	groupSizes, err := Expand("GroupSize", l.GroupSizes, n, def.GroupSize)
	if err != nil {
		return nil, err
	}
	workFactors, err := Expand("WorkFactor", l.WorkFactors, n, def.WorkFactor)
	if err != nil {
		return nil, err
	}
	blocks, err := Expand("BlocksNum", l.BlockCounts, n, def.BlockCount)
	if err != nil {
		return nil, err
	}
	kiters, err := Expand("KitersNum", l.InnerIters, n, def.InnerIters)
	if err != nil {
		return nil, err
	}
	testTypes, err := Expand("TestType", l.TestTypes, n, uint(def.KernelVariant))
	if err != nil {
		return nil, err
	}
	dual, err := Expand("InputAndOutput", l.DualBuffer, n, def.DualBuffer)
	if err != nil {
		return nil, err
	}

	configs := make([]Config, n)
	for i := range configs {
		c := Config{
			PassIterations: passIters[i],
			GroupSize:      groupSizes[i],
			WorkFactor:     workFactors[i],
			BlockCount:     blocks[i],
			InnerIters:     kiters[i],
			KernelVariant:  kernels.Variant(testTypes[i]),
			DualBuffer:     dual[i],
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		configs[i] = c
	}
	return configs, nil
}

// ParseUintList parses a comma separated list of unsigned integers.
// An empty string yields an empty list.
func ParseUintList(s, name string) ([]uint, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseUint(strings.TrimSpace(p), 10, 32)
		if err != nil {
			return nil, &ConfigError{Msg: "Can't parse " + name}
		}
		out = append(out, uint(v))
	}
	return out, nil
}

// ParseBoolList parses one flag per character: YyTt1+ are true and NnFf0- false.
func ParseBoolList(s, name string) ([]bool, error) {
	out := make([]bool, 0, len(s))
	for _, r := range s {
		switch r {
		case 'Y', 'y', 'T', 't', '1', '+':
			out = append(out, true)
		case 'N', 'n', 'F', 'f', '0', '-':
			out = append(out, false)
		default:
			return nil, &ConfigError{Msg: "Can't parse " + name}
		}
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func (c Config) String() string {
	return fmt.Sprintf("passIters=%d groupSize=%d workFactor=%d blocks=%d kiters=%d testType=%d dual=%t",
		c.PassIterations, c.GroupSize, c.WorkFactor, c.BlockCount, c.InnerIters, c.KernelVariant, c.DualBuffer)
}
