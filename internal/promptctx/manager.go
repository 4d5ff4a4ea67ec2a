package promptctx

import (
	"log/slog"
	"strings"
	"sync"
)

const (
	// DefaultMaxTokens is the prompt budget used when none is configured
	DefaultMaxTokens = 9000
	// MaxHistory is the number of recognized texts kept as rolling context
	MaxHistory = 10
	// safetyMargin is reserved from the budget when history has to be trimmed
	safetyMargin = 100
)

// Manager owns the scenario text and the rolling history of recognized texts
// and assembles recognition prompts within a token budget
type Manager struct {
	scenario  string
	history   []string
	maxTokens int
	counter   TokenCounter
	logger    *slog.Logger

	mu sync.RWMutex
}

// Stats represents context manager statistics
type Stats struct {
	ScenarioLength int `json:"scenario_length"`
	HistoryCount   int `json:"history_count"`
	PromptTokens   int `json:"prompt_tokens"`
	MaxTokens      int `json:"max_tokens"`
}

// NewManager creates a context manager. A non-positive maxTokens selects
// DefaultMaxTokens and a nil counter selects the qwen estimate.
func NewManager(maxTokens int, counter TokenCounter, logger *slog.Logger) *Manager {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	if counter == nil {
		counter = CounterFunc(CountQwen)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		maxTokens: maxTokens,
		counter:   counter,
		logger:    logger,
	}
}

// SetScenario sets the scenario description placed at the top of every prompt
func (m *Manager) SetScenario(scenario string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scenario = strings.TrimSpace(scenario)
}

// AddHistory appends a recognized text; blank text is ignored and only the
// MaxHistory most recent entries are kept
func (m *Manager) AddHistory(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.history = append(m.history, text)
	if len(m.history) > MaxHistory {
		m.history = append([]string(nil), m.history[len(m.history)-MaxHistory:]...)
	}
}

// History returns a copy of the current history, oldest first
func (m *Manager) History() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.history...)
}

// Clear drops the history and keeps the scenario
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = nil
}

// BuildPrompt assembles the scenario and the history joined by spaces, one
// part per line. When that exceeds the budget the scenario is kept and
// history is re-added from the most recent entry backwards into the budget
// minus a safety margin. The result never counts more than the budget.
func (m *Manager) BuildPrompt() string {
	m.mu.RLock()
	scenario := m.scenario
	history := append([]string(nil), m.history...)
	m.mu.RUnlock()

	prompt := assemble(scenario, history)
	tokens := m.counter.Count(prompt)
	if tokens <= m.maxTokens {
		return prompt
	}

	kept := m.fitHistory(scenario, history)
	prompt = assemble(scenario, kept)

	// the counter need not be additive over joined parts
	for len(kept) > 0 && m.counter.Count(prompt) > m.maxTokens {
		kept = kept[1:]
		prompt = assemble(scenario, kept)
	}

	if m.counter.Count(prompt) > m.maxTokens {
		prompt = m.truncate(scenario)
		m.logger.Warn("Scenario exceeds the prompt budget, truncated",
			slog.Int("max_tokens", m.maxTokens),
			slog.Int("scenario_tokens", m.counter.Count(scenario)))
	}

	m.logger.Debug("Prompt trimmed to budget",
		slog.Int("tokens_before", tokens),
		slog.Int("tokens_after", m.counter.Count(prompt)),
		slog.Int("history_kept", len(kept)),
		slog.Int("history_total", len(history)))

	return prompt
}

// fitHistory selects the most recent history entries that fit in the
// budget left after the scenario and the safety margin
func (m *Manager) fitHistory(scenario string, history []string) []string {
	remaining := m.maxTokens - m.counter.Count(scenario) - safetyMargin
	if remaining <= 0 {
		return nil
	}

	start := len(history)
	used := 0
	for i := len(history) - 1; i >= 0; i-- {
		n := m.counter.Count(history[i])
		if used+n > remaining {
			break
		}
		used += n
		start = i
	}
	return history[start:]
}

// truncate returns the longest rune prefix of text that fits the budget
func (m *Manager) truncate(text string) string {
	runes := []rune(text)

	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if m.counter.Count(string(runes[:mid])) <= m.maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	for lo > 0 && m.counter.Count(string(runes[:lo])) > m.maxTokens {
		lo--
	}
	return strings.TrimSpace(string(runes[:lo]))
}

// Stats returns current context manager statistics
func (m *Manager) Stats() Stats {
	prompt := m.BuildPrompt()

	m.mu.RLock()
	defer m.mu.RUnlock()

	return Stats{
		ScenarioLength: len([]rune(m.scenario)),
		HistoryCount:   len(m.history),
		PromptTokens:   m.counter.Count(prompt),
		MaxTokens:      m.maxTokens,
	}
}

func assemble(scenario string, history []string) string {
	parts := make([]string, 0, 2)
	if scenario != "" {
		parts = append(parts, scenario)
	}
	if len(history) > 0 {
		parts = append(parts, strings.Join(history, " "))
	}
	return strings.Join(parts, "\n")
}
