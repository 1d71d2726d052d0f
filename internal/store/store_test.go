package store

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-investigator/internal/models"
	"github.com/miradorstack/mirador-investigator/internal/utils"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func markdown(text string) models.ParagraphInput {
	return models.ParagraphInput{InputText: "%md\n" + text, InputType: models.ParagraphTypeMarkdown}
}

func texts(t *testing.T, s *Store, notebookID string) []string {
	t.Helper()
	paragraphs, err := s.ListParagraphs(context.Background(), notebookID)
	require.NoError(t, err)
	out := make([]string, 0, len(paragraphs))
	for _, p := range paragraphs {
		out = append(out, p.Input.InputText)
	}
	return out
}

func TestMigrationsAreIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate())

	var count int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions`).Scan(&count))
	require.Equal(t, len(migrations), count)
}

func TestCreateAndGetNotebook(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	nc := models.NotebookContext{
		Index:     "logs-*",
		TimeField: "@timestamp",
		Summary:   "checkout latency spike",
		Variables: map[string]any{"service": "checkout"},
	}
	nb, err := s.CreateNotebook(ctx, "incidents/checkout", nc)
	require.NoError(t, err)
	require.NotEmpty(t, nb.ID)

	got, err := s.GetNotebook(ctx, nb.ID)
	require.NoError(t, err)
	require.Equal(t, "incidents/checkout", got.Path)
	require.Equal(t, nc, got.Context)
	require.Empty(t, got.Paragraphs)
	require.False(t, got.DateCreated.IsZero())

	_, err = s.GetNotebook(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCreateParagraphPositions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nb, err := s.CreateNotebook(ctx, "nb", models.NotebookContext{})
	require.NoError(t, err)

	_, err = s.CreateParagraph(ctx, nb.ID, 0, markdown("b"))
	require.NoError(t, err)
	_, err = s.CreateParagraph(ctx, nb.ID, 0, markdown("a"))
	require.NoError(t, err)
	_, err = s.CreateParagraph(ctx, nb.ID, 99, markdown("d"))
	require.NoError(t, err)
	_, err = s.CreateParagraph(ctx, nb.ID, 2, markdown("c"))
	require.NoError(t, err)
	_, err = s.CreateParagraph(ctx, nb.ID, -1, markdown("e"))
	require.NoError(t, err)

	require.Equal(t, []string{"%md\na", "%md\nb", "%md\nc", "%md\nd", "%md\ne"}, texts(t, s, nb.ID))

	_, err = s.CreateParagraph(ctx, "missing", 0, markdown("x"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRunParagraph(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nb, err := s.CreateNotebook(ctx, "nb", models.NotebookContext{})
	require.NoError(t, err)

	p, err := s.CreateParagraph(ctx, nb.ID, 0, models.ParagraphInput{
		InputText: "%md\n**Importance:** 80/100",
		InputType: models.ParagraphTypeFinding,
	})
	require.NoError(t, err)

	ran, err := s.RunParagraph(ctx, nb.ID, p.ID)
	require.NoError(t, err)
	require.Len(t, ran.Output, 1)
	require.Equal(t, models.ParagraphTypeMarkdown, ran.Output[0].OutputType)
	require.Equal(t, "**Importance:** 80/100", ran.Output[0].Result)

	paragraphs, err := s.ListParagraphs(ctx, nb.ID)
	require.NoError(t, err)
	require.Equal(t, ran.Output, paragraphs[0].Output)

	query, err := s.CreateParagraph(ctx, nb.ID, 1, models.ParagraphInput{
		InputText: "%ppl\nsource=logs | stats count()",
		InputType: models.ParagraphTypeQuery,
	})
	require.NoError(t, err)
	_, err = s.RunParagraph(ctx, nb.ID, query.ID)
	require.ErrorIs(t, err, ErrUnsupportedParagraph)

	_, err = s.RunParagraph(ctx, nb.ID, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCustomRunner(t *testing.T) {
	boom := errors.New("backend down")
	s, err := NewSQLiteStore(":memory:", RunnerFunc(func(context.Context, models.Paragraph) ([]models.ParagraphOutput, error) {
		return nil, boom
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	nb, err := s.CreateNotebook(ctx, "nb", models.NotebookContext{})
	require.NoError(t, err)
	p, err := s.CreateParagraph(ctx, nb.ID, 0, markdown("x"))
	require.NoError(t, err)

	_, err = s.RunParagraph(ctx, nb.ID, p.ID)
	require.ErrorIs(t, err, boom)
	require.Equal(t, "run_paragraph", utils.OpOf(err))
}

func TestUpdateParagraphClearsOutput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nb, err := s.CreateNotebook(ctx, "nb", models.NotebookContext{})
	require.NoError(t, err)
	p, err := s.CreateParagraph(ctx, nb.ID, 0, markdown("old"))
	require.NoError(t, err)
	_, err = s.RunParagraph(ctx, nb.ID, p.ID)
	require.NoError(t, err)

	updated, err := s.UpdateParagraph(ctx, nb.ID, p.ID, markdown("new"))
	require.NoError(t, err)
	require.Equal(t, "%md\nnew", updated.Input.InputText)
	require.Empty(t, updated.Output)

	_, err = s.UpdateParagraph(ctx, nb.ID, "missing", markdown("x"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateContextIsPartial(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nb, err := s.CreateNotebook(ctx, "nb", models.NotebookContext{Index: "logs-*", Summary: "before"})
	require.NoError(t, err)

	memory := "mem-1"
	hypotheses := []models.Hypothesis{{
		Title:                         "DB saturation",
		Description:                   "connection pool exhausted",
		Likelihood:                    70,
		SupportingFindingParagraphIDs: []string{"p-1"},
	}}
	require.NoError(t, s.UpdateContext(ctx, nb.ID, models.ContextUpdate{MemoryID: &memory, Hypotheses: &hypotheses}))

	got, err := s.GetContext(ctx, nb.ID)
	require.NoError(t, err)
	require.Equal(t, "logs-*", got.Index)
	require.Equal(t, "before", got.Summary)
	require.Equal(t, "mem-1", got.MemoryID)
	require.Equal(t, hypotheses, got.Hypotheses)

	summary := "after"
	require.NoError(t, s.UpdateContext(ctx, nb.ID, models.ContextUpdate{Summary: &summary}))
	got, err = s.GetContext(ctx, nb.ID)
	require.NoError(t, err)
	require.Equal(t, "after", got.Summary)
	require.Len(t, got.Hypotheses, 1)

	require.ErrorIs(t, s.UpdateContext(ctx, "missing", models.ContextUpdate{Summary: &summary}), ErrNotFound)
}

func TestDeleteParagraphPrunesHypotheses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	nb, err := s.CreateNotebook(ctx, "nb", models.NotebookContext{})
	require.NoError(t, err)

	first, err := s.CreateParagraph(ctx, nb.ID, -1, markdown("first"))
	require.NoError(t, err)
	second, err := s.CreateParagraph(ctx, nb.ID, -1, markdown("second"))
	require.NoError(t, err)
	_, err = s.CreateParagraph(ctx, nb.ID, -1, markdown("third"))
	require.NoError(t, err)

	hypotheses := []models.Hypothesis{{
		Title:                         "h",
		Description:                   "d",
		Likelihood:                    50,
		SupportingFindingParagraphIDs: []string{first.ID, second.ID},
		NewAddedFindingIDs:            []string{second.ID},
	}}
	require.NoError(t, s.UpdateContext(ctx, nb.ID, models.ContextUpdate{Hypotheses: &hypotheses}))

	require.NoError(t, s.DeleteParagraph(ctx, nb.ID, second.ID))
	require.Equal(t, []string{"%md\nfirst", "%md\nthird"}, texts(t, s, nb.ID))

	got, err := s.GetContext(ctx, nb.ID)
	require.NoError(t, err)
	require.Equal(t, []string{first.ID}, got.Hypotheses[0].SupportingFindingParagraphIDs)
	require.Empty(t, got.Hypotheses[0].NewAddedFindingIDs)

	// Positions stay dense after a delete.
	_, err = s.CreateParagraph(ctx, nb.ID, 1, markdown("middle"))
	require.NoError(t, err)
	require.Equal(t, []string{"%md\nfirst", "%md\nmiddle", "%md\nthird"}, texts(t, s, nb.ID))

	require.ErrorIs(t, s.DeleteParagraph(ctx, nb.ID, second.ID), ErrNotFound)
}

func TestParseTime(t *testing.T) {
	for _, in := range []string{"2026-03-01T10:00:00.123456789Z", "2026-03-01T10:00:00Z", "2026-03-01 10:00:00"} {
		got, err := parseTime(in)
		require.NoError(t, err, in)
		require.Equal(t, 2026, got.Year())
	}
	_, err := parseTime("yesterday")
	require.Error(t, err)
}
