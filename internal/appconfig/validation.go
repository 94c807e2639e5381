package appconfig

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"exposure-distribution-service/internal/domain"
)

// パラメータの許容範囲。
const (
	WeightMin         = 0.001
	WeightMax         = 100.0
	WeightMaxDecimals = 3

	RiskLevelMin = 1
	RiskLevelMax = 8
	// RiskLevelBuckets は各パラメータの区間数。
	RiskLevelBuckets = 8

	RiskScoreMin = 0
	RiskScoreMax = 72

	AttenuationThresholdMin          = 0
	AttenuationThresholdMax          = 100
	AttenuationWeightMin             = 0.0
	AttenuationWeightMax             = 1.0
	AttenuationWeightMaxDecimals     = 3
	DefaultBucketOffsetMin           = 0
	DefaultBucketOffsetMax           = 1
	RiskScoreNormalizationDivisorMin = 1
	RiskScoreNormalizationDivisorMax = 1000
)

// ErrorType は検証エラーの種別。
type ErrorType string

const (
	ErrorTypeOutOfRange           ErrorType = "OUT_OF_RANGE"
	ErrorTypeTooManyDecimalPlaces ErrorType = "TOO_MANY_DECIMAL_PLACES"
	ErrorTypeMinGreaterThanMax    ErrorType = "MIN_GREATER_THAN_MAX"
	ErrorTypeBlankLabel           ErrorType = "BLANK_LABEL"
	ErrorTypeInvalidURL           ErrorType = "INVALID_URL"
	ErrorTypeInvalidPartitioning  ErrorType = "INVALID_PARTITIONING"
	ErrorTypeInvalidLength        ErrorType = "INVALID_LENGTH"
	ErrorTypeInvalidCountry       ErrorType = "INVALID_COUNTRY"
)

// ValidationError は1つのパラメータの検証エラー。
type ValidationError struct {
	Parameter string
	Value     any
	Type      ErrorType
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %v (%s)", e.Parameter, e.Value, e.Type)
}

// ValidationResult は検証エラーを全て集める。
type ValidationResult struct {
	Errors []ValidationError
}

// Add はエラーを追加する。
func (r *ValidationResult) Add(parameter string, value any, typ ErrorType) {
	r.Errors = append(r.Errors, ValidationError{Parameter: parameter, Value: value, Type: typ})
}

// Merge は他の検証結果を取り込む。
func (r *ValidationResult) Merge(other ValidationResult) {
	r.Errors = append(r.Errors, other.Errors...)
}

// HasErrors はエラーが1件以上あるかを返す。
func (r ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Err はエラーがあれば ErrInvalidConfiguration を包んだエラーを返す。
func (r ValidationResult) Err() error {
	if !r.HasErrors() {
		return nil
	}
	errs := make([]error, 0, len(r.Errors)+1)
	errs = append(errs, domain.ErrInvalidConfiguration)
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	return errors.Join(errs...)
}

// Validate は設定全体を検証する。
func Validate(c *ApplicationConfiguration) ValidationResult {
	var r ValidationResult
	if c.MinRiskScore < RiskScoreMin || c.MinRiskScore > RiskScoreMax {
		r.Add("min-risk-score", c.MinRiskScore, ErrorTypeOutOfRange)
	}
	for _, country := range c.SupportedCountries {
		if domain.ValidateCountry(country) != nil {
			r.Add("supported-countries", country, ErrorTypeInvalidCountry)
		}
	}
	r.Merge(validateExposureConfig(c.ExposureConfig))
	r.Merge(validateRiskScoreClasses(c.RiskScoreClasses))
	r.Merge(validateAttenuationDuration(c.AttenuationDuration))
	return r
}

func validateExposureConfig(p RiskScoreParameters) ValidationResult {
	var r ValidationResult
	checkWeight(&r, "exposure-config.transmission-weight", p.TransmissionWeight)
	checkWeight(&r, "exposure-config.duration-weight", p.DurationWeight)
	checkWeight(&r, "exposure-config.attenuation-weight", p.AttenuationWeight)

	checkLevels(&r, "exposure-config.transmission", p.Transmission)
	checkLevels(&r, "exposure-config.duration", p.Duration)
	checkLevels(&r, "exposure-config.days-since-last-exposure", p.DaysSinceLastExposure)
	checkLevels(&r, "exposure-config.attenuation", p.Attenuation)
	return r
}

func checkWeight(r *ValidationResult, name string, w float64) {
	if w < WeightMin || w > WeightMax {
		r.Add(name, w, ErrorTypeOutOfRange)
	}
	if decimalPlaces(w) > WeightMaxDecimals {
		r.Add(name, w, ErrorTypeTooManyDecimalPlaces)
	}
}

func checkLevels(r *ValidationResult, name string, p ParameterLevels) {
	if len(p.Levels) != RiskLevelBuckets {
		r.Add(name+".levels", len(p.Levels), ErrorTypeInvalidLength)
	}
	for i, l := range p.Levels {
		if l < RiskLevelMin || l > RiskLevelMax {
			r.Add(fmt.Sprintf("%s.levels[%d]", name, i), int(l), ErrorTypeOutOfRange)
		}
	}
}

func validateRiskScoreClasses(classes []RiskScoreClass) ValidationResult {
	const prefix = "risk-score-classes"
	var r ValidationResult
	sum := 0
	for i, c := range classes {
		param := fmt.Sprintf("%s[%d]", prefix, i)
		if strings.TrimSpace(c.Label) == "" {
			r.Add(param+".label", c.Label, ErrorTypeBlankLabel)
		}
		if c.Min < RiskScoreMin || c.Min > RiskScoreMax {
			r.Add(param+".min", c.Min, ErrorTypeOutOfRange)
		}
		if c.Max < RiskScoreMin || c.Max > RiskScoreMax {
			r.Add(param+".max", c.Max, ErrorTypeOutOfRange)
		}
		if c.Min > c.Max {
			r.Add(param+".[min+max]", fmt.Sprintf("%d, %d", c.Min, c.Max), ErrorTypeMinGreaterThanMax)
		}
		if u, err := url.ParseRequestURI(strings.TrimSpace(c.URL)); err != nil || u.Scheme == "" || u.Host == "" {
			r.Add(param+".url", c.URL, ErrorTypeInvalidURL)
		}
		sum += c.Max - c.Min
	}
	if sum != RiskScoreMax {
		r.Add(prefix, sum, ErrorTypeInvalidPartitioning)
	}
	return r
}

func validateAttenuationDuration(a AttenuationDuration) ValidationResult {
	const prefix = "attenuation-duration."
	var r ValidationResult
	checkRange := func(name string, v, lo, hi int) {
		if v < lo || v > hi {
			r.Add(prefix+name, v, ErrorTypeOutOfRange)
		}
	}

	checkRange("thresholds.lower", a.Thresholds.Lower, AttenuationThresholdMin, AttenuationThresholdMax)
	checkRange("thresholds.upper", a.Thresholds.Upper, AttenuationThresholdMin, AttenuationThresholdMax)
	if a.Thresholds.Lower > a.Thresholds.Upper {
		r.Add(prefix+"thresholds.[lower+upper]", fmt.Sprintf("%d, %d", a.Thresholds.Lower, a.Thresholds.Upper), ErrorTypeMinGreaterThanMax)
	}

	for name, w := range map[string]float64{"low": a.Weights.Low, "mid": a.Weights.Mid, "high": a.Weights.High} {
		if w < AttenuationWeightMin || w > AttenuationWeightMax {
			r.Add(prefix+"weights."+name, w, ErrorTypeOutOfRange)
		}
		if decimalPlaces(w) > AttenuationWeightMaxDecimals {
			r.Add(prefix+"weights."+name, w, ErrorTypeTooManyDecimalPlaces)
		}
	}

	checkRange("default-bucket-offset", a.DefaultBucketOffset, DefaultBucketOffsetMin, DefaultBucketOffsetMax)
	checkRange("risk-score-normalization-divisor", a.RiskScoreNormalizationDivisor,
		RiskScoreNormalizationDivisorMin, RiskScoreNormalizationDivisorMax)
	return r
}

// ValidateTekFieldDerivations はTRLとDSOSの変換表が範囲内であることを検証する。
func ValidateTekFieldDerivations(d domain.TekFieldDerivations) ValidationResult {
	var r ValidationResult
	checkTRL := func(name string, v int32) {
		if v < domain.MinTransmissionRiskLevel || v > domain.MaxTransmissionRiskLevel {
			r.Add(name, v, ErrorTypeOutOfRange)
		}
	}
	checkDSOS := func(name string, v int32) {
		if v < domain.MinDaysSinceOnsetOfSymptoms || v > domain.MaxDaysSinceOnsetOfSymptoms {
			r.Add(name, v, ErrorTypeOutOfRange)
		}
	}
	for trl, dsos := range d.DSOSFromTRL {
		checkTRL("dsos-from-trl.key", trl)
		checkDSOS("dsos-from-trl.value", dsos)
	}
	for dsos, trl := range d.TRLFromDSOS {
		checkDSOS("trl-from-dsos.key", dsos)
		checkTRL("trl-from-dsos.value", trl)
	}
	checkTRL("default-trl", d.DefaultTRL)
	return r
}

func decimalPlaces(v float64) int {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if _, frac, ok := strings.Cut(s, "."); ok {
		return len(frac)
	}
	return 0
}
