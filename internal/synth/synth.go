// Package synth turns retrieved context into a grounded answer.
package synth

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"queryprism/internal/ai"
	"queryprism/internal/pkg/apperr"
	"queryprism/internal/pkg/logger"
)

// RefusalSentence is returned verbatim when the context cannot answer the
// question. Callers may compare against it directly.
const RefusalSentence = "Based on the provided documents, I cannot answer that question."

const contextSeparator = "\n\n---\n\n"

const instructions = `Instructions:
1. Answer the question using only the document excerpts in the Context section. Do not use prior knowledge.
2. When the question asks for a specific value such as a name, number, date or amount, quote it exactly as it appears in the Context.
3. If the answer is stated directly, give it concisely.
4. If the answer is only implied, say so and make clear that it is an inference from the Context.
5. If the Context does not contain the answer, reply with exactly this sentence and nothing else: "` + RefusalSentence + `"`

type Synthesizer struct {
	completer ai.Completer
	log       *zap.Logger
	tracer    trace.Tracer
}

func New(completer ai.Completer, log *zap.Logger) *Synthesizer {
	return &Synthesizer{
		completer: completer,
		log:       logger.Module(log, "synth"),
		tracer:    otel.Tracer("queryprism/synth"),
	}
}

// Synthesize answers question from contexts, which are used in the given
// order. Completion errors are returned unchanged; there is no retry.
func (s *Synthesizer) Synthesize(ctx context.Context, question string, contexts []string) (string, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return "", apperr.New(apperr.CodeInvalidInput, "question is empty")
	}
	if len(nonBlank(contexts)) == 0 {
		return RefusalSentence, nil
	}

	ctx, span := s.tracer.Start(ctx, "synth.Synthesize", trace.WithAttributes(attribute.Int("contexts", len(contexts))))
	defer span.End()

	answer, err := s.completer.Complete(ctx, BuildPrompt(question, contexts))
	if err != nil {
		span.RecordError(err)
		s.log.Warn("completion failed", zap.Error(err))
		return "", err
	}

	answer = strings.TrimSpace(answer)
	if IsRefusal(answer) {
		span.SetAttributes(attribute.Bool("refused", true))
		return RefusalSentence, nil
	}
	return answer, nil
}

// BuildPrompt lays out the instructions, the contexts verbatim and the question.
func BuildPrompt(question string, contexts []string) string {
	var b strings.Builder
	b.WriteString(instructions)
	b.WriteString("\n\nContext:\n")
	b.WriteString(strings.Join(contexts, contextSeparator))
	b.WriteString("\n\nQuestion: ")
	b.WriteString(strings.TrimSpace(question))
	b.WriteString("\n\nAnswer:")
	return b.String()
}

// IsRefusal reports whether answer is the refusal sentence and nothing else,
// ignoring case, quoting and whitespace. A partial answer that also refuses
// part of the question is not a refusal.
func IsRefusal(answer string) bool {
	return normalize(answer) == normalize(RefusalSentence)
}

var quoteReplacer = strings.NewReplacer(
	`"`, "", "'", "", "`", "",
	"“", "", "”", "", "‘", "", "’", "",
)

func normalize(s string) string {
	s = quoteReplacer.Replace(strings.ToLower(s))
	return strings.Join(strings.Fields(s), " ")
}

func nonBlank(contexts []string) []string {
	out := make([]string, 0, len(contexts))
	for _, c := range contexts {
		if strings.TrimSpace(c) != "" {
			out = append(out, c)
		}
	}
	return out
}
