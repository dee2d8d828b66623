// Package refine turns one query into a polished answer through repeated
// elaboration followed by a synthesis pass.
package refine

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/chatkeeper/internal/completion"
	"github.com/ashureev/chatkeeper/internal/domain"
)

// DefaultIterations is the number of elaboration passes before synthesis.
const DefaultIterations = 7

const (
	elaboratePrefix = "Улучши этот ответ, добавь больше деталей и задай уточняющие вопросы:\n\n"
	synthesisIntro  = "На основе следующего диалога составь один структурированный и подробный ответ. " +
		"Используй маркированные списки где это уместно, раздели информацию на логические блоки " +
		"и убери все повторения:\n\n"
)

var separator = strings.Repeat("-", 40)

// Engine runs refinement sessions against a completion client.
type Engine struct {
	client     completion.Client
	iterations int
}

// Result is the outcome of one refinement session. Trace holds the seed
// query followed by every elaboration, in order.
type Result struct {
	Answer string
	Trace  []string
}

// NewEngine creates an engine. Non-positive iterations fall back to DefaultIterations.
func NewEngine(client completion.Client, iterations int) *Engine {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	return &Engine{client: client, iterations: iterations}
}

// Iterations returns the elaboration budget.
func (e *Engine) Iterations() int {
	return e.iterations
}

// Process elaborates query e.Iterations() times with model, then asks the
// model to merge the trace into one answer. Any failed call aborts the
// session and nothing partial is returned.
func (e *Engine) Process(ctx context.Context, query, model string) (*Result, error) {
	trace := make([]string, 0, e.iterations+1)
	trace = append(trace, query)
	current := query

	for i := 0; i < e.iterations; i++ {
		reply, err := e.ask(ctx, elaboratePrefix+current, model)
		if err != nil {
			return nil, fmt.Errorf("refinement iteration %d: %w", i+1, err)
		}
		trace = append(trace, reply)
		current = reply
	}

	answer, err := e.ask(ctx, SynthesisPrompt(query, trace[1:]), model)
	if err != nil {
		return nil, fmt.Errorf("refinement synthesis: %w", err)
	}
	return &Result{Answer: answer, Trace: trace}, nil
}

func (e *Engine) ask(ctx context.Context, prompt, model string) (string, error) {
	return e.client.Generate(ctx, []domain.PromptMessage{{Role: domain.RoleUser, Content: prompt}}, model)
}

// SynthesisPrompt builds the final prompt from the original query and the
// elaborations, labelled "Итерация 1..K".
func SynthesisPrompt(query string, iterations []string) string {
	var b strings.Builder
	b.WriteString(synthesisIntro)
	b.WriteString("Начальный запрос: ")
	b.WriteString(query)
	b.WriteString("\n\nПроцесс размышления:\n")
	b.WriteString(separator)
	b.WriteString("\n")
	for i, resp := range iterations {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Итерация %d:\n%s\n%s", i+1, resp, separator)
	}
	return b.String()
}
