package appconfig

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exposure-distribution-service/internal/domain"
	"exposure-distribution-service/internal/export"
	"exposure-distribution-service/internal/signing"
	"exposure-distribution-service/internal/signing/signingtest"
	"exposure-distribution-service/internal/structure"
)

func loadValid(t *testing.T) *ApplicationConfiguration {
	t.Helper()
	cfg, err := Load("testdata/app-config.yaml")
	require.NoError(t, err)
	return cfg
}

func TestLoad_Valid(t *testing.T) {
	cfg := loadValid(t)

	assert.Equal(t, 11, cfg.MinRiskScore)
	assert.Equal(t, []string{"DE"}, cfg.SupportedCountries)
	assert.Len(t, cfg.RiskScoreClasses, 2)
	assert.Equal(t, 0.5, cfg.AttenuationDuration.Weights.Mid)
	assert.False(t, Validate(cfg).HasErrors(), Validate(cfg).Errors)
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	_, err := Decode(strings.NewReader("min-risk-score: 1\nunknown-key: 2\n"))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	_, err = Decode(strings.NewReader(""))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := loadValid(t)
	cfg.MinRiskScore = 100
	cfg.ExposureConfig.TransmissionWeight = 0.0001
	cfg.ExposureConfig.Duration.Levels = []RiskLevel{1, 2, 3}
	cfg.ExposureConfig.Attenuation.Levels[0] = 9
	cfg.RiskScoreClasses[0].Label = " "
	cfg.RiskScoreClasses[0].URL = "not a url"
	cfg.AttenuationDuration.Thresholds.Lower = 80
	cfg.AttenuationDuration.Weights.Low = 0.12345

	result := Validate(cfg)

	got := map[string]ErrorType{}
	for _, e := range result.Errors {
		got[e.Parameter] = e.Type
	}
	want := map[string]ErrorType{
		"min-risk-score":                                ErrorTypeOutOfRange,
		"exposure-config.duration.levels":               ErrorTypeInvalidLength,
		"exposure-config.attenuation.levels[0]":         ErrorTypeOutOfRange,
		"risk-score-classes[0].label":                   ErrorTypeBlankLabel,
		"risk-score-classes[0].url":                     ErrorTypeInvalidURL,
		"attenuation-duration.thresholds.[lower+upper]": ErrorTypeMinGreaterThanMax,
		"attenuation-duration.weights.low":              ErrorTypeTooManyDecimalPlaces,
	}
	for param, typ := range want {
		assert.Equal(t, typ, got[param], param)
	}

	var weightTypes []ErrorType
	for _, e := range result.Errors {
		if e.Parameter == "exposure-config.transmission-weight" {
			weightTypes = append(weightTypes, e.Type)
		}
	}
	assert.ElementsMatch(t, []ErrorType{ErrorTypeOutOfRange, ErrorTypeTooManyDecimalPlaces}, weightTypes)

	err := result.Err()
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestValidate_RiskScorePartitioning(t *testing.T) {
	cfg := loadValid(t)
	cfg.RiskScoreClasses[1].Max = 70

	result := Validate(cfg)
	require.True(t, result.HasErrors())
	assert.Equal(t, ErrorTypeInvalidPartitioning, result.Errors[len(result.Errors)-1].Type)
}

func TestLoadTekFieldDerivations(t *testing.T) {
	d, err := LoadTekFieldDerivations("testdata/tek-field-derivations.yaml")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultTekFieldDerivations(), d)

	_, err = LoadTekFieldDerivations("testdata/invalid-derivations.yaml")
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)

	_, err = LoadTekFieldDerivations("testdata/missing.yaml")
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestNewDirectory_SignsEachCountry(t *testing.T) {
	ctx := context.Background()
	signer := signingtest.NewECDSA(t).Signer(t)
	cfg := loadValid(t)

	root, err := NewDirectory(cfg, []string{"DE", "FR"}, signer)
	require.NoError(t, err)
	require.NoError(t, root.Prepare(ctx, structure.NewIndices()))
	sink := structure.NewMemorySink()
	require.NoError(t, root.Write(ctx, sink))

	index, ok := sink.File("configuration/country/index")
	require.True(t, ok)
	assert.JSONEq(t, `["DE","FR"]`, string(index))

	want, err := cfg.Marshal()
	require.NoError(t, err)
	for _, country := range []string{"DE", "FR"} {
		content, ok := sink.File("configuration/country/" + country + "/index")
		require.True(t, ok, country)
		envelope, err := export.UnmarshalSignedPayload(content)
		require.NoError(t, err)
		assert.Equal(t, want, envelope.Payload)
		assert.NoError(t, signing.Verify(envelope.CertificateChain, envelope.Payload, envelope.Signature))
	}
}

func TestNewDirectory_RejectsInvalidConfiguration(t *testing.T) {
	signer := signingtest.NewEd25519(t).Signer(t)
	cfg := loadValid(t)
	cfg.MinRiskScore = -1

	_, err := NewDirectory(cfg, []string{"DE"}, signer)
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}
