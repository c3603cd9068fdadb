package mask

import (
	"regexp"
	"sort"
	"strings"
	"sync"
)

// RedactionToken replaces every masked occurrence.
const RedactionToken = "***"

// DefaultMinimumLength is the default floor below which literal secrets are
// not registered, to avoid masking short, commonly-reused substrings.
const DefaultMinimumLength = 6

// maxRegexPasses bounds the fixed-point iteration in Mask so a pathological
// pattern (one whose replacement can itself match) cannot loop forever.
const maxRegexPasses = 8

// trimCutset is stripped from both ends of a value before it is registered,
// (trim of quote-like chars, trim of CR/LF/space).
const trimCutset = "'\" \t\r\n"

type regexEntry struct {
	origin string
	re     *regexp.Regexp
}

// Masker redacts registered secret literals and regex matches from any text
// passed through Mask. It is safe for concurrent use: registration (AddValue,
// AddRegex, SetMinimumLength) takes a write lock; Mask takes a read lock
// against a precomputed replacer so the hot path never recompiles anything.
type Masker struct {
	mu sync.RWMutex

	minLength int
	literals  map[string]struct{}
	replacer  *strings.Replacer // rebuilt whenever literals/minLength change

	regexes []regexEntry
}

// New creates a Masker with the given minimum literal length. A value of 0
// selects DefaultMinimumLength.
func New(minimumLength int) *Masker {
	if minimumLength <= 0 {
		minimumLength = DefaultMinimumLength
	}
	m := &Masker{
		minLength: minimumLength,
		literals:  make(map[string]struct{}),
	}
	m.rebuildReplacer()
	return m
}

// normalize produces the set of variants of value that should be registered:
// the value as given, and its trimmed form (if different).
func normalize(value string) []string {
	trimmed := strings.Trim(value, trimCutset)
	if trimmed == value {
		return []string{value}
	}
	return []string{value, trimmed}
}

// AddValue registers a literal secret value. originTag identifies the
// variable or resource the value came from, for diagnostics; it is not
// otherwise interpreted. Values shorter than the current minimum length
// (after normalization) are silently dropped.
func (m *Masker) AddValue(value, originTag string) {
	_ = originTag // retained in the signature for call-site clarity / future diagnostics

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, v := range normalize(value) {
		if len(v) < m.minLength {
			continue
		}
		if _, exists := m.literals[v]; !exists {
			m.literals[v] = struct{}{}
			changed = true
		}
	}
	if changed {
		m.rebuildReplacer()
	}
}

// AddRegex compiles and registers a case-insensitive regex pattern. A
// compile failure is returned to the caller, who is responsible for
// recording it as a warning on the current Execution Context — masking
// itself never fails.
func (m *Masker) AddRegex(pattern, originTag string) error {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regexes = append(m.regexes, regexEntry{origin: originTag, re: re})
	return nil
}

// SetMinimumLength atomically updates the minimum literal length and drops
// any previously registered literal now shorter than n.
func (m *Masker) SetMinimumLength(n int) {
	if n <= 0 {
		n = DefaultMinimumLength
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.minLength = n
	for v := range m.literals {
		if len(v) < n {
			delete(m.literals, v)
		}
	}
	m.rebuildReplacer()
}

// rebuildReplacer must be called with mu held for writing. Literals are
// ordered longest-first so that strings.Replacer's leftmost-match behavior
// prefers the longest registered literal at any given position.
func (m *Masker) rebuildReplacer() {
	values := make([]string, 0, len(m.literals))
	for v := range m.literals {
		values = append(values, v)
	}
	sort.Slice(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })

	pairs := make([]string, 0, len(values)*2)
	for _, v := range values {
		pairs = append(pairs, v, RedactionToken)
	}
	m.replacer = strings.NewReplacer(pairs...)
}

// Mask returns text with every registered literal and regex match replaced
// by RedactionToken. It never fails: a regex whose replacement text could
// itself re-match is bounded by maxRegexPasses rather than looping forever.
func (m *Masker) Mask(text string) string {
	if text == "" {
		return text
	}

	m.mu.RLock()
	replacer := m.replacer
	regexes := make([]regexEntry, len(m.regexes))
	copy(regexes, m.regexes)
	m.mu.RUnlock()

	masked := replacer.Replace(text)

	for pass := 0; pass < maxRegexPasses; pass++ {
		before := masked
		for _, entry := range regexes {
			masked = entry.re.ReplaceAllString(masked, RedactionToken)
		}
		if masked == before {
			break
		}
	}
	return masked
}
