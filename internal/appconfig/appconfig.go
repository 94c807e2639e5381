// Package appconfig はクライアント向け暴露通知設定の読み込み・検証・配信ツリー生成を提供する。
package appconfig

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"exposure-distribution-service/internal/domain"
)

// RiskLevel はリスクレベル（1から8）を表す。
type RiskLevel int

// RiskScoreParameters はリスクスコア計算の各パラメータを表す。
// 各 Levels は区間ごとのリスクレベル。
type RiskScoreParameters struct {
	Transmission          ParameterLevels `yaml:"transmission" json:"transmission"`
	TransmissionWeight    float64         `yaml:"transmission-weight" json:"transmissionWeight"`
	Duration              ParameterLevels `yaml:"duration" json:"duration"`
	DurationWeight        float64         `yaml:"duration-weight" json:"durationWeight"`
	DaysSinceLastExposure ParameterLevels `yaml:"days-since-last-exposure" json:"daysSinceLastExposure"`
	Attenuation           ParameterLevels `yaml:"attenuation" json:"attenuation"`
	AttenuationWeight     float64         `yaml:"attenuation-weight" json:"attenuationWeight"`
}

// ParameterLevels は区間ごとのリスクレベル。
type ParameterLevels struct {
	Levels []RiskLevel `yaml:"levels" json:"levels"`
}

// RiskScoreClass はリスクスコアの分類1件を表す。
type RiskScoreClass struct {
	Label string `yaml:"label" json:"label"`
	Min   int    `yaml:"min" json:"min"`
	Max   int    `yaml:"max" json:"max"`
	URL   string `yaml:"url" json:"url"`
}

// AttenuationDuration は減衰量ごとの接触時間の重み付けを表す。
type AttenuationDuration struct {
	Thresholds struct {
		Lower int `yaml:"lower" json:"lower"`
		Upper int `yaml:"upper" json:"upper"`
	} `yaml:"thresholds" json:"thresholds"`
	Weights struct {
		Low  float64 `yaml:"low" json:"low"`
		Mid  float64 `yaml:"mid" json:"mid"`
		High float64 `yaml:"high" json:"high"`
	} `yaml:"weights" json:"weights"`
	DefaultBucketOffset           int `yaml:"default-bucket-offset" json:"defaultBucketOffset"`
	RiskScoreNormalizationDivisor int `yaml:"risk-score-normalization-divisor" json:"riskScoreNormalizationDivisor"`
}

// ApplicationConfiguration はクライアントへ配信する設定全体を表す。
type ApplicationConfiguration struct {
	MinRiskScore        int                 `yaml:"min-risk-score" json:"minRiskScore"`
	ExposureConfig      RiskScoreParameters `yaml:"exposure-config" json:"exposureConfig"`
	RiskScoreClasses    []RiskScoreClass    `yaml:"risk-score-classes" json:"riskScoreClasses"`
	AttenuationDuration AttenuationDuration `yaml:"attenuation-duration" json:"attenuationDuration"`
	SupportedCountries  []string            `yaml:"supported-countries" json:"supportedCountries"`
}

// Load はYAMLファイルから設定を読み込む。未知のキーはエラーになる。
func Load(path string) (*ApplicationConfiguration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode はYAMLから設定を読み込む。
func Decode(r io.Reader) (*ApplicationConfiguration, error) {
	var cfg ApplicationConfiguration
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty configuration", domain.ErrInvalidConfiguration)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}
	return &cfg, nil
}

// Marshal は署名対象のペイロードを生成する。
func (c *ApplicationConfiguration) Marshal() ([]byte, error) {
	return json.Marshal(c)
}

// LoadTekFieldDerivations はTRLとDSOSの変換表をYAMLファイルから読み込む。
func LoadTekFieldDerivations(path string) (domain.TekFieldDerivations, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return domain.TekFieldDerivations{}, fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}
	var d domain.TekFieldDerivations
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return domain.TekFieldDerivations{}, fmt.Errorf("%w: %v", domain.ErrInvalidConfiguration, err)
	}
	if err := ValidateTekFieldDerivations(d).Err(); err != nil {
		return domain.TekFieldDerivations{}, err
	}
	return d, nil
}
