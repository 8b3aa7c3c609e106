package translator

import "context"

// Translator is the minimum capability every translation backend
// provides. Implementations are stateless across calls; concurrency
// control lives above this port.
type Translator interface {
	// Name identifies the provider for logging and circuit breaking.
	Name() string
	TranslateLine(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// BatchTranslator is the optional batch capability. Callers must verify
// the returned slice length themselves; a length mismatch is an
// alignment failure, not a panic.
type BatchTranslator interface {
	Translator
	// TranslateBatch translates lines in order. Context lines give the
	// backend surrounding already-translated text; they are not part of
	// the returned sequence.
	TranslateBatch(ctx context.Context, req BatchRequest) ([]string, error)
}

// BatchRequest is one batched backend call.
type BatchRequest struct {
	Lines          []string
	SourceLanguage string
	TargetLanguage string
	// ContextBefore and ContextAfter are supplied to the backend for
	// continuity and must not appear in the reply.
	ContextBefore []string
	ContextAfter  []string
}

// AsBatch reports whether the backend supports batch translation.
func AsBatch(t Translator) (BatchTranslator, bool) {
	b, ok := t.(BatchTranslator)
	return b, ok
}
