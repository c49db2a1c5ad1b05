package service

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"github.com/unipermit/unipermit-api/internal/models"
)

type stubAnalyzer struct {
	result *models.AIVerification
	err    error
	delay  time.Duration
	calls  int
	mime   string
}

func (s *stubAnalyzer) Analyze(ctx context.Context, image []byte, mimeType string) (*models.AIVerification, error) {
	s.calls++
	s.mime = mimeType
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.result, s.err
}

func TestVerificationServiceReturnsAnalyzerResult(t *testing.T) {
	analyzer := &stubAnalyzer{result: &models.AIVerification{ExtractedName: "Ravi", RiskScore: 12, HasSignature: true, IsLegitimate: true}}
	svc := NewVerificationService(analyzer, NewMetricsService(), nil, VerificationConfig{Enabled: true, Timeout: time.Second})

	got := svc.Verify(context.Background(), []byte("img"), "image/png")
	assert.Equal(t, "Ravi", got.ExtractedName)
	assert.Equal(t, float64(12), got.RiskScore)
	assert.Equal(t, "image/png", analyzer.mime)
}

func TestVerificationServiceFallsBack(t *testing.T) {
	cases := map[string]*stubAnalyzer{
		"error":          {err: errors.New("boom")},
		"nil result":     {},
		"negative score": {result: &models.AIVerification{RiskScore: -1}},
		"score too high": {result: &models.AIVerification{RiskScore: 101}},
		"nan score":      {result: &models.AIVerification{RiskScore: math.NaN()}},
		"timeout":        {result: &models.AIVerification{RiskScore: 5}, delay: time.Second},
	}
	for name, analyzer := range cases {
		t.Run(name, func(t *testing.T) {
			metrics := NewMetricsService()
			svc := NewVerificationService(analyzer, metrics, nil, VerificationConfig{Enabled: true, Timeout: 20 * time.Millisecond})

			got := svc.Verify(context.Background(), []byte("img"), "")
			assert.Equal(t, FallbackVerification(), got)
			assert.Equal(t, uint64(1), metrics.Snapshot().VerificationFallbacks)
		})
	}
}

func TestVerificationServiceDisabled(t *testing.T) {
	analyzer := &stubAnalyzer{result: &models.AIVerification{RiskScore: 5}}
	svc := NewVerificationService(analyzer, nil, nil, VerificationConfig{Enabled: false})

	got := svc.Verify(context.Background(), []byte("img"), "")
	assert.Equal(t, FallbackVerification(), got)
	assert.Zero(t, analyzer.calls)
}

func TestFallbackVerificationValues(t *testing.T) {
	fb := FallbackVerification()
	assert.Equal(t, "Unknown", fb.ExtractedName)
	assert.Equal(t, "Could not analyze", fb.ExtractedReason)
	assert.False(t, fb.HasSignature)
	assert.Zero(t, fb.RiskScore)
	assert.Equal(t, "AI analysis failed. Please verify manually.", fb.Summary)
	assert.False(t, fb.IsLegitimate)
}

func TestDecodeLetter(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("letter"))

	data, mime, err := DecodeLetter(payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("letter"), data)
	assert.Equal(t, "image/jpeg", mime)

	data, mime, err = DecodeLetter("data:image/png;base64," + payload)
	require.NoError(t, err)
	assert.Equal(t, []byte("letter"), data)
	assert.Equal(t, "image/png", mime)

	for _, bad := range []string{"", "   ", "data:image/png,abc", "data:image/png;base64", "not base64!"} {
		_, _, err := DecodeLetter(bad)
		assert.Error(t, err, bad)
	}
}

type stubGenerator struct {
	resp   *genai.GenerateContentResponse
	err    error
	model  string
	config *genai.GenerateContentConfig
	parts  []*genai.Part
}

func (s *stubGenerator) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	s.model = model
	s.config = config
	if len(contents) > 0 {
		s.parts = contents[0].Parts
	}
	return s.resp, s.err
}

func textResponse(text string) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []*genai.Part{{Text: text}}},
	}}}
}

func TestGeminiAnalyzerDecodesStructuredResponse(t *testing.T) {
	gen := &stubGenerator{resp: textResponse(`{"extractedName":"Anu","extractedReason":"Hospital visit","hasSignature":true,"riskScore":20,"summary":"Signed letter","isLegitimate":true}`)}
	analyzer := newGeminiAnalyzer(gen, "")

	got, err := analyzer.Analyze(context.Background(), []byte{0xff, 0xd8}, "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "Anu", got.ExtractedName)
	assert.Equal(t, "Hospital visit", got.ExtractedReason)
	assert.True(t, got.HasSignature)
	assert.Equal(t, float64(20), got.RiskScore)
	assert.True(t, got.IsLegitimate)

	assert.Equal(t, "gemini-2.5-flash", gen.model)
	require.NotNil(t, gen.config)
	assert.Equal(t, "application/json", gen.config.ResponseMIMEType)
	assert.Len(t, gen.config.ResponseSchema.Required, 6)
	require.Len(t, gen.parts, 2)
	require.NotNil(t, gen.parts[0].InlineData)
	assert.Equal(t, "image/jpeg", gen.parts[0].InlineData.MIMEType)
}

func TestGeminiAnalyzerErrors(t *testing.T) {
	_, err := newGeminiAnalyzer(&stubGenerator{err: errors.New("quota")}, "m").Analyze(context.Background(), nil, "")
	assert.Error(t, err)

	_, err = newGeminiAnalyzer(&stubGenerator{resp: &genai.GenerateContentResponse{}}, "m").Analyze(context.Background(), nil, "")
	assert.Error(t, err)

	_, err = newGeminiAnalyzer(&stubGenerator{resp: textResponse("not json")}, "m").Analyze(context.Background(), nil, "")
	assert.Error(t, err)

	var nilAnalyzer *GeminiAnalyzer
	_, err = nilAnalyzer.Analyze(context.Background(), nil, "")
	assert.ErrorIs(t, err, ErrVerificationUnavailable)

	_, err = NewGeminiAnalyzer(context.Background(), " ", "m")
	assert.ErrorIs(t, err, ErrVerificationUnavailable)
}
