// Package textract extracts page text from screenshots with Amazon Textract.
package textract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/textract"
	"github.com/aws/aws-sdk-go-v2/service/textract/types"

	"github.com/JakeFAU/webshot/internal/analyzer/imageprep"
	"github.com/JakeFAU/webshot/internal/pipeline"
)

// API is the subset of the Textract client the analyzer calls.
type API interface {
	DetectDocumentText(ctx context.Context, params *textract.DetectDocumentTextInput, optFns ...func(*textract.Options)) (*textract.DetectDocumentTextOutput, error)
}

// DefaultMaxImageBytes is the synchronous Textract limit for inline document bytes.
const DefaultMaxImageBytes = 5 << 20

// Analyzer implements pipeline.Analyzer.
type Analyzer struct {
	api           API
	minConfidence float64
	maxImageBytes int
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithMaxImageBytes overrides the payload ceiling. Zero keeps the default.
func WithMaxImageBytes(n int) Option {
	return func(a *Analyzer) {
		if n > 0 {
			a.maxImageBytes = n
		}
	}
}

// New creates an Analyzer. Lines recognized below minConfidence (0..100) mark
// the result partial.
func New(api API, minConfidence float64, opts ...Option) (*Analyzer, error) {
	if api == nil {
		return nil, errors.New("textract: api is required")
	}
	if minConfidence < 0 || minConfidence > 100 {
		return nil, fmt.Errorf("textract: min confidence %.1f outside 0..100", minConfidence)
	}
	a := &Analyzer{api: api, minConfidence: minConfidence, maxImageBytes: DefaultMaxImageBytes}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Analyze runs synchronous text detection on image.
func (a *Analyzer) Analyze(ctx context.Context, image []byte) (pipeline.AnalysisResult, error) {
	if len(image) == 0 {
		return pipeline.AnalysisResult{}, fmt.Errorf("textract: empty image: %w", pipeline.ErrUnreadableImage)
	}
	image, err := imageprep.Fit(image, a.maxImageBytes)
	if err != nil {
		return pipeline.AnalysisResult{}, fmt.Errorf("textract: %w", err)
	}
	out, err := a.api.DetectDocumentText(ctx, &textract.DetectDocumentTextInput{
		Document: &types.Document{Bytes: image},
	})
	if err != nil {
		if isUnreadable(err) {
			return pipeline.AnalysisResult{}, fmt.Errorf("textract detect: %w: %w", pipeline.ErrUnreadableImage, err)
		}
		return pipeline.AnalysisResult{}, fmt.Errorf("textract detect: %w", err)
	}

	var (
		lines   []string
		total   float64
		lowConf bool
	)
	for _, block := range out.Blocks {
		if block.BlockType != types.BlockTypeLine {
			continue
		}
		text := strings.TrimSpace(aws.ToString(block.Text))
		if text == "" {
			continue
		}
		conf := float64(aws.ToFloat32(block.Confidence))
		if conf < a.minConfidence {
			lowConf = true
		}
		total += conf
		lines = append(lines, text)
	}

	result := pipeline.AnalysisResult{
		Content: strings.Join(lines, "\n"),
		Status:  pipeline.StatusOK,
	}
	if len(lines) > 0 {
		result.Confidence = total / float64(len(lines))
	}
	if lowConf {
		result.Status = pipeline.StatusPartial
	}
	return result, nil
}

func isUnreadable(err error) bool {
	var (
		invalid     *types.InvalidParameterException
		unsupported *types.UnsupportedDocumentException
		bad         *types.BadDocumentException
		tooLarge    *types.DocumentTooLargeException
	)
	return errors.As(err, &invalid) ||
		errors.As(err, &unsupported) ||
		errors.As(err, &bad) ||
		errors.As(err, &tooLarge)
}
