package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/unipermit/unipermit-api/internal/models"
)

const (
	letterSystemInstruction = "You are a strict document verification AI for a college. Analyze permission letters for authenticity."
	letterPrompt            = `Analyze this permission letter image.
Identify the student name, reason for permission, and check for a signature/stamp.
Assess if it looks like a legitimate official document or a handwritten note.
Provide a risk score (0-100) where 100 is very suspicious (e.g., no signature, messy, inconsistent).`
)

// contentGenerator is the subset of *genai.Models used for letter analysis.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiAnalyzer asks a multimodal Gemini model for a structured verdict.
type GeminiAnalyzer struct {
	models contentGenerator
	model  string
}

// NewGeminiAnalyzer builds an analyzer backed by the Gemini API. A blank key
// yields ErrVerificationUnavailable so callers fall back.
func NewGeminiAnalyzer(ctx context.Context, apiKey, model string) (*GeminiAnalyzer, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrVerificationUnavailable
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return newGeminiAnalyzer(client.Models, model), nil
}

func newGeminiAnalyzer(models contentGenerator, model string) *GeminiAnalyzer {
	if model == "" {
		model = "gemini-2.5-flash"
	}
	return &GeminiAnalyzer{models: models, model: model}
}

// Analyze implements LetterAnalyzer.
func (a *GeminiAnalyzer) Analyze(ctx context.Context, image []byte, mimeType string) (*models.AIVerification, error) {
	if a == nil || a.models == nil {
		return nil, ErrVerificationUnavailable
	}
	if mimeType == "" {
		mimeType = defaultLetterMIME
	}
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: mimeType, Data: image}},
			{Text: letterPrompt},
		},
	}}
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: letterSystemInstruction}}},
		ResponseMIMEType:  "application/json",
		ResponseSchema:    letterSchema(),
	}

	resp, err := a.models.GenerateContent(ctx, a.model, contents, config)
	if err != nil {
		return nil, fmt.Errorf("generate content: %w", err)
	}
	raw := responseText(resp)
	if raw == "" {
		return nil, fmt.Errorf("no response from model")
	}

	var result models.AIVerification
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, fmt.Errorf("decode verification: %w", err)
	}
	return &result, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, candidate := range resp.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part != nil {
				b.WriteString(part.Text)
			}
		}
		if b.Len() > 0 {
			break
		}
	}
	return strings.TrimSpace(b.String())
}

func letterSchema() *genai.Schema {
	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"extractedName":   {Type: genai.TypeString, Description: "Name of the student found in the letter"},
			"extractedReason": {Type: genai.TypeString, Description: "The reason for permission request"},
			"hasSignature":    {Type: genai.TypeBoolean, Description: "True if a handwritten signature or stamp is detected"},
			"riskScore":       {Type: genai.TypeNumber, Description: "Risk score from 0 (safe) to 100 (suspicious)"},
			"summary":         {Type: genai.TypeString, Description: "Brief summary of the request for the teacher"},
			"isLegitimate":    {Type: genai.TypeBoolean, Description: "Overall assessment of validity"},
		},
		Required: []string{"extractedName", "extractedReason", "hasSignature", "riskScore", "summary", "isLegitimate"},
	}
}
