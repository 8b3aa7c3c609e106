package batch

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subtrackd/subtrackd/internal/subtitle"
	"github.com/subtrackd/subtrackd/internal/translator"
)

// fakeBackend translates by uppercasing, with per-call hooks so tests
// can script misaligned replies or hard failures.
type fakeBackend struct {
	calls    []translator.BatchRequest
	behavior func(call int, req translator.BatchRequest) ([]string, error)
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) TranslateLine(ctx context.Context, text, src, tgt string) (string, error) {
	return strings.ToUpper(text), nil
}

func (f *fakeBackend) TranslateBatch(ctx context.Context, req translator.BatchRequest) ([]string, error) {
	call := len(f.calls)
	f.calls = append(f.calls, req)
	if f.behavior != nil {
		return f.behavior(call, req)
	}
	out := make([]string, len(req.Lines))
	for i, l := range req.Lines {
		out[i] = strings.ToUpper(l)
	}
	return out, nil
}

func testFile(lines ...string) *subtitle.File {
	f := &subtitle.File{Format: subtitle.FormatSRT}
	for i, l := range lines {
		f.Items = append(f.Items, subtitle.Item{
			Position: i + 1,
			Start:    time.Duration(i) * time.Second,
			End:      time.Duration(i)*time.Second + 900*time.Millisecond,
			Lines:    []string{l},
		})
	}
	return f
}

func translated(f *subtitle.File) []string {
	out := make([]string, len(f.Items))
	for i, item := range f.Items {
		out[i] = strings.Join(item.TranslatedLines, "\n")
	}
	return out
}

func TestEngine_HappyPath(t *testing.T) {
	backend := &fakeBackend{}
	eng := NewEngine(backend, Options{MaxBatchSize: 10})
	f := testFile("one", "two", "three")

	var pcts []int
	res, err := eng.Translate(context.Background(), f, "en", "fr", func(p int) { pcts = append(pcts, p) })
	require.NoError(t, err)

	assert.Equal(t, 3, res.Translated)
	assert.Equal(t, 3, res.Eligible)
	assert.Equal(t, []string{"ONE", "TWO", "THREE"}, translated(f))
	assert.Len(t, backend.calls, 1)
	require.NotEmpty(t, pcts)
	assert.Equal(t, 100, pcts[len(pcts)-1])
}

func TestEngine_ChunksByMaxBatchSize(t *testing.T) {
	backend := &fakeBackend{}
	eng := NewEngine(backend, Options{MaxBatchSize: 2})
	f := testFile("a", "b", "c", "d", "e")

	_, err := eng.Translate(context.Background(), f, "en", "fr", nil)
	require.NoError(t, err)

	require.Len(t, backend.calls, 3)
	assert.Len(t, backend.calls[0].Lines, 2)
	assert.Len(t, backend.calls[1].Lines, 2)
	assert.Len(t, backend.calls[2].Lines, 1)
}

func TestEngine_SkipsUntranslatableLines(t *testing.T) {
	backend := &fakeBackend{}
	eng := NewEngine(backend, Options{MaxBatchSize: 10})
	f := testFile("hello", `{\p1}m 0 0 l 100 0 100 100{\p0}`, "world")

	res, err := eng.Translate(context.Background(), f, "en", "fr", nil)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Translated)
	assert.Equal(t, 1, res.Skipped)
	require.Len(t, backend.calls, 1)
	assert.Equal(t, []string{"hello", "world"}, backend.calls[0].Lines)
	// the drawing carries over verbatim
	assert.Equal(t, `{\p1}m 0 0 l 100 0 100 100{\p0}`, f.Items[1].TranslatedLines[0])
}

func TestEngine_DrawingsOnlyFileNeedsNoBackend(t *testing.T) {
	backend := &fakeBackend{}
	eng := NewEngine(backend, Options{})
	f := testFile(`{\p1}m 0 0 l 10 0{\p0}`, `{\p1}b 1 2 3 4 5 6{\p0}`)

	var pcts []int
	res, err := eng.Translate(context.Background(), f, "en", "fr", func(p int) { pcts = append(pcts, p) })
	require.NoError(t, err)

	assert.Empty(t, backend.calls)
	assert.Equal(t, 0, res.Translated)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []int{100}, pcts)
}

func TestEngine_ImmediateSplitIsolatesPoisonLine(t *testing.T) {
	// the backend drops a line whenever "poison" is in the group,
	// unless the group is exactly that line
	backend := &fakeBackend{}
	backend.behavior = func(call int, req translator.BatchRequest) ([]string, error) {
		hasPoison := false
		for _, l := range req.Lines {
			if l == "poison" {
				hasPoison = true
			}
		}
		if hasPoison && len(req.Lines) > 1 {
			return req.Lines[:len(req.Lines)-1], nil
		}
		out := make([]string, len(req.Lines))
		for i, l := range req.Lines {
			out[i] = strings.ToUpper(l)
		}
		return out, nil
	}

	eng := NewEngine(backend, Options{MaxBatchSize: 8, RetryMode: RetryImmediate, MaxSplitAttempts: 3})
	f := testFile("a", "b", "poison", "d")

	res, err := eng.Translate(context.Background(), f, "en", "fr", nil)
	require.NoError(t, err)

	assert.Equal(t, 4, res.Translated)
	assert.Equal(t, []string{"A", "B", "POISON", "D"}, translated(f))
}

func TestEngine_ImmediateSplitExhaustedYieldsGap(t *testing.T) {
	backend := &fakeBackend{}
	backend.behavior = func(call int, req translator.BatchRequest) ([]string, error) {
		// every reply is one line short
		return req.Lines[:len(req.Lines)-1], nil
	}

	eng := NewEngine(backend, Options{MaxBatchSize: 8, RetryMode: RetryImmediate, MaxSplitAttempts: 2})
	f := testFile("a", "b", "c", "d")

	res, err := eng.Translate(context.Background(), f, "en", "fr", nil)
	require.Error(t, err)

	var gapErr *GapError
	require.ErrorAs(t, err, &gapErr)
	assert.NotEmpty(t, gapErr.Gaps)
	assert.Less(t, res.Translated, 4)
	// unresolved lines keep the source text
	for i, item := range f.Items {
		assert.NotEmpty(t, item.TranslatedLines, "item %d", i)
	}
}

func TestEngine_DeferredRepairUsesTranslatedContext(t *testing.T) {
	backend := &fakeBackend{}
	backend.behavior = func(call int, req translator.BatchRequest) ([]string, error) {
		// second group fails on first contact, succeeds on repair
		if call == 1 {
			return nil, fmt.Errorf("%w: garbled", translator.ErrInvalidResponse)
		}
		out := make([]string, len(req.Lines))
		for i, l := range req.Lines {
			out[i] = strings.ToUpper(l)
		}
		return out, nil
	}

	eng := NewEngine(backend, Options{
		MaxBatchSize:        2,
		RetryMode:           RetryDeferred,
		RepairContextRadius: 2,
		RepairMaxRetries:    1,
	})
	f := testFile("a", "b", "c", "d", "e", "f")

	res, err := eng.Translate(context.Background(), f, "en", "fr", nil)
	require.NoError(t, err)

	assert.Equal(t, 6, res.Translated)
	assert.Equal(t, []string{"A", "B", "C", "D", "E", "F"}, translated(f))

	// call 3 is the repair of lines c,d with translated neighbours
	require.Len(t, backend.calls, 4)
	repair := backend.calls[3]
	assert.Equal(t, []string{"c", "d"}, repair.Lines)
	assert.Equal(t, []string{"A", "B"}, repair.ContextBefore)
	assert.Equal(t, []string{"E", "F"}, repair.ContextAfter)
}

func TestEngine_DeferredRepairExhaustedYieldsGap(t *testing.T) {
	backend := &fakeBackend{}
	backend.behavior = func(call int, req translator.BatchRequest) ([]string, error) {
		if len(req.Lines) == 2 && req.Lines[0] == "c" {
			return nil, fmt.Errorf("%w: garbled", translator.ErrInvalidResponse)
		}
		out := make([]string, len(req.Lines))
		for i, l := range req.Lines {
			out[i] = strings.ToUpper(l)
		}
		return out, nil
	}

	eng := NewEngine(backend, Options{MaxBatchSize: 2, RetryMode: RetryDeferred, RepairMaxRetries: 2})
	f := testFile("a", "b", "c", "d", "e", "f")

	res, err := eng.Translate(context.Background(), f, "en", "fr", nil)
	require.Error(t, err)

	var gapErr *GapError
	require.ErrorAs(t, err, &gapErr)
	require.Len(t, gapErr.Gaps, 1)
	assert.Equal(t, [2]int{2, 3}, gapErr.Gaps[0])
	assert.Equal(t, 4, res.Translated)
	// the rest of the file is still translated
	assert.Equal(t, "A", f.Items[0].TranslatedLines[0])
	assert.Equal(t, "c", f.Items[2].TranslatedLines[0])
	assert.Equal(t, "F", f.Items[5].TranslatedLines[0])
}

func TestEngine_BackendFailurePropagates(t *testing.T) {
	backend := &fakeBackend{}
	backend.behavior = func(call int, req translator.BatchRequest) ([]string, error) {
		return nil, &translator.NonRetryableError{Provider: "fake", Status: 401, Message: "bad key"}
	}

	eng := NewEngine(backend, Options{MaxBatchSize: 4})
	f := testFile("a", "b")

	_, err := eng.Translate(context.Background(), f, "en", "fr", nil)
	require.Error(t, err)
	assert.True(t, translator.IsFatal(err))
}

func TestEngine_StripFormattingFeedsCleanText(t *testing.T) {
	backend := &fakeBackend{}
	eng := NewEngine(backend, Options{StripFormatting: true, MaxBatchSize: 4})
	f := testFile(`{\an8}<i>hello</i>`)

	_, err := eng.Translate(context.Background(), f, "en", "fr", nil)
	require.NoError(t, err)

	require.Len(t, backend.calls, 1)
	assert.Equal(t, []string{"hello"}, backend.calls[0].Lines)
	// the positioning tag is restored on the translated line
	assert.Equal(t, `{\an8}HELLO`, f.Items[0].TranslatedLines[0])
}

func TestEngine_ContextWindowsSurroundEachGroup(t *testing.T) {
	backend := &fakeBackend{}
	eng := NewEngine(backend, Options{MaxBatchSize: 2, ContextBefore: 2, ContextAfter: 1})
	f := testFile("a", "b", "c", "d", "e")

	_, err := eng.Translate(context.Background(), f, "en", "fr", nil)
	require.NoError(t, err)

	require.Len(t, backend.calls, 3)
	assert.Empty(t, backend.calls[0].ContextBefore)
	assert.Equal(t, []string{"c"}, backend.calls[0].ContextAfter)
	assert.Equal(t, []string{"a", "b"}, backend.calls[1].ContextBefore)
	assert.Equal(t, []string{"e"}, backend.calls[1].ContextAfter)
	assert.Equal(t, []string{"c", "d"}, backend.calls[2].ContextBefore)
	assert.Empty(t, backend.calls[2].ContextAfter)
}

func TestEngine_ProgressIsMonotone(t *testing.T) {
	backend := &fakeBackend{}
	backend.behavior = func(call int, req translator.BatchRequest) ([]string, error) {
		if call == 0 {
			return nil, fmt.Errorf("%w: garbled", translator.ErrInvalidResponse)
		}
		out := make([]string, len(req.Lines))
		for i, l := range req.Lines {
			out[i] = strings.ToUpper(l)
		}
		return out, nil
	}

	eng := NewEngine(backend, Options{MaxBatchSize: 3, RetryMode: RetryDeferred})
	f := testFile("a", "b", "c", "d", "e", "f")

	var pcts []int
	_, err := eng.Translate(context.Background(), f, "en", "fr", func(p int) { pcts = append(pcts, p) })
	require.NoError(t, err)

	require.NotEmpty(t, pcts)
	for i := 1; i < len(pcts); i++ {
		assert.GreaterOrEqual(t, pcts[i], pcts[i-1])
	}
	assert.Equal(t, 100, pcts[len(pcts)-1])
}

func TestEngine_CancelledContextStopsWork(t *testing.T) {
	backend := &fakeBackend{}
	eng := NewEngine(backend, Options{MaxBatchSize: 1})
	f := testFile("a", "b", "c")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := eng.Translate(ctx, f, "en", "fr", nil)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, backend.calls)
}
