package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/unipermit/unipermit-api/internal/models"
)

const (
	verificationOK       = "ok"
	verificationFallback = "fallback"
	verificationDisabled = "disabled"

	defaultLetterMIME = "image/jpeg"
)

// ErrVerificationUnavailable is returned by clients that cannot be reached or are unconfigured.
var ErrVerificationUnavailable = errors.New("letter verification unavailable")

// FallbackVerification is the neutral annotation used whenever the oracle cannot answer.
func FallbackVerification() models.AIVerification {
	return models.AIVerification{
		ExtractedName:   "Unknown",
		ExtractedReason: "Could not analyze",
		HasSignature:    false,
		RiskScore:       0,
		Summary:         "AI analysis failed. Please verify manually.",
		IsLegitimate:    false,
	}
}

// LetterAnalyzer is the external image verification capability.
type LetterAnalyzer interface {
	Analyze(ctx context.Context, image []byte, mimeType string) (*models.AIVerification, error)
}

// VerificationConfig tunes the oracle call.
type VerificationConfig struct {
	Enabled bool
	Timeout time.Duration
}

// VerificationService annotates letters and never fails: every error path
// resolves to FallbackVerification.
type VerificationService struct {
	analyzer LetterAnalyzer
	metrics  *MetricsService
	logger   *zap.Logger
	cfg      VerificationConfig
}

// NewVerificationService constructs the service. A nil analyzer always falls back.
func NewVerificationService(analyzer LetterAnalyzer, metrics *MetricsService, logger *zap.Logger, cfg VerificationConfig) *VerificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &VerificationService{analyzer: analyzer, metrics: metrics, logger: logger, cfg: cfg}
}

// Verify analyzes the decoded letter within the configured timeout.
func (s *VerificationService) Verify(ctx context.Context, image []byte, mimeType string) models.AIVerification {
	if s == nil || !s.cfg.Enabled || s.analyzer == nil {
		if s != nil {
			s.metrics.RecordVerification(verificationDisabled, 0)
		}
		return FallbackVerification()
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	start := time.Now()
	result, err := s.analyzer.Analyze(callCtx, image, mimeType)
	duration := time.Since(start)
	if err == nil {
		err = validateVerification(result)
	}
	if err != nil {
		s.metrics.RecordVerification(verificationFallback, duration)
		s.logger.Warn("letter verification failed, using fallback", zap.Duration("duration", duration), zap.Error(err))
		return FallbackVerification()
	}

	s.metrics.RecordVerification(verificationOK, duration)
	return *result
}

func validateVerification(result *models.AIVerification) error {
	if result == nil {
		return errors.New("empty verification result")
	}
	if math.IsNaN(result.RiskScore) || result.RiskScore < 0 || result.RiskScore > 100 {
		return fmt.Errorf("risk score %v out of range", result.RiskScore)
	}
	return nil
}

// DecodeLetter accepts raw base64 or a data URL and returns the image bytes and MIME type.
func DecodeLetter(encoded string) ([]byte, string, error) {
	encoded = strings.TrimSpace(encoded)
	mimeType := defaultLetterMIME
	if strings.HasPrefix(encoded, "data:") {
		header, payload, ok := strings.Cut(encoded, ",")
		if !ok {
			return nil, "", errors.New("malformed data url")
		}
		meta := strings.TrimPrefix(header, "data:")
		if !strings.HasSuffix(meta, ";base64") {
			return nil, "", errors.New("letter image must be base64 encoded")
		}
		if m := strings.TrimSuffix(meta, ";base64"); m != "" {
			mimeType = m
		}
		encoded = payload
	}
	if encoded == "" {
		return nil, "", errors.New("letter image is empty")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, "", fmt.Errorf("decode letter image: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("letter image is empty")
	}
	return data, mimeType, nil
}
