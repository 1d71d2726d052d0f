package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/miradorstack/mirador-investigator/internal/models"
	"github.com/miradorstack/mirador-investigator/internal/prompt"
	"github.com/miradorstack/mirador-investigator/internal/utils"
)

// ErrUnsupportedParagraph is returned when no runner can execute a paragraph type.
var ErrUnsupportedParagraph = errors.New("unsupported paragraph type")

// Runner executes a paragraph and returns its output.
type Runner interface {
	Run(ctx context.Context, p models.Paragraph) ([]models.ParagraphOutput, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, p models.Paragraph) ([]models.ParagraphOutput, error)

func (f RunnerFunc) Run(ctx context.Context, p models.Paragraph) ([]models.ParagraphOutput, error) {
	return f(ctx, p)
}

// MarkdownRunner renders markdown and finding paragraphs. Query paragraphs need a query
// backend and are rejected.
type MarkdownRunner struct{}

func (MarkdownRunner) Run(ctx context.Context, p models.Paragraph) ([]models.ParagraphOutput, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	start := time.Now()
	switch t := prompt.EffectiveType(p); t {
	case models.ParagraphTypeMarkdown, models.ParagraphTypeFinding:
		return []models.ParagraphOutput{{
			OutputType:    models.ParagraphTypeMarkdown,
			Result:        prompt.StripDirective(p.Input.InputText),
			ExecutionTime: utils.FormatExecutionTime(time.Since(start)),
		}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedParagraph, t)
	}
}
