package classifier

import (
	"errors"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Weights 组件权重，合计为 1
type Weights struct {
	Manifest    float64 `yaml:"manifest" json:"manifest"`
	Static      float64 `yaml:"static" json:"static"`
	Obfuscation float64 `yaml:"obfuscation" json:"obfuscation"`
	Network     float64 `yaml:"network" json:"network"`
	Heuristic   float64 `yaml:"heuristic" json:"heuristic"`
}

// Sum 权重合计
func (w Weights) Sum() float64 {
	return w.Manifest + w.Static + w.Obfuscation + w.Network + w.Heuristic
}

// Thresholds 等级下限，分数等于下限时取较高等级
type Thresholds struct {
	Low      int `yaml:"low" json:"low"`
	Medium   int `yaml:"medium" json:"medium"`
	High     int `yaml:"high" json:"high"`
	Critical int `yaml:"critical" json:"critical"`
}

// Calibration 分类器校准参数
type Calibration struct {
	Version    string     `yaml:"version" json:"version"`
	Weights    Weights    `yaml:"weights" json:"weights"`
	Thresholds Thresholds `yaml:"thresholds" json:"thresholds"`
}

// DefaultCalibration 默认校准参数
var DefaultCalibration = Calibration{
	Version: "2024.1",
	Weights: Weights{
		Manifest:    0.30,
		Static:      0.30,
		Obfuscation: 0.10,
		Network:     0.15,
		Heuristic:   0.15,
	},
	Thresholds: Thresholds{Low: 20, Medium: 40, High: 60, Critical: 80},
}

// ErrInvalidCalibration 校准参数不合法
var ErrInvalidCalibration = errors.New("invalid calibration")

// Validate 校验权重与阈值
func (c Calibration) Validate() error {
	w := c.Weights
	for name, v := range map[string]float64{
		ComponentManifest: w.Manifest, ComponentStatic: w.Static, ComponentObfuscation: w.Obfuscation,
		ComponentNetwork: w.Network, ComponentHeuristic: w.Heuristic,
	} {
		if v < 0 || math.IsNaN(v) {
			return fmt.Errorf("%w: weight %s is %v", ErrInvalidCalibration, name, v)
		}
	}
	if math.Abs(w.Sum()-1) > 1e-6 {
		return fmt.Errorf("%w: weights sum to %.4f, want 1.0", ErrInvalidCalibration, w.Sum())
	}
	t := c.Thresholds
	if !(0 < t.Low && t.Low < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 100) {
		return fmt.Errorf("%w: thresholds must be ascending within (0,100]: %d/%d/%d/%d",
			ErrInvalidCalibration, t.Low, t.Medium, t.High, t.Critical)
	}
	return nil
}

// ParseCalibration 解析 YAML，未给出的字段沿用默认值
func ParseCalibration(data []byte) (Calibration, error) {
	c := DefaultCalibration
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Calibration{}, fmt.Errorf("failed to parse calibration: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Calibration{}, err
	}
	return c, nil
}

// LoadCalibration 从文件加载校准参数
func LoadCalibration(path string) (Calibration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Calibration{}, fmt.Errorf("failed to read calibration file: %w", err)
	}
	return ParseCalibration(data)
}
