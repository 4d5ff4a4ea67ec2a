package promptctx

import (
	"fmt"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TokenCounter estimates how many tokens the recognition service charges for a text
type TokenCounter interface {
	Count(text string) int
}

// CounterFunc adapts a function to TokenCounter
type CounterFunc func(text string) int

// Count calls f(text)
func (f CounterFunc) Count(text string) int {
	return f(text)
}

var counters = map[string]TokenCounter{
	"qwen":   CounterFunc(CountQwen),
	"openai": CounterFunc(CountOpenAI),
	"claude": CounterFunc(CountClaude),
	"simple": CounterFunc(CountSimple),
	"chars":  CounterFunc(CountChars),
}

// CounterByName returns the named counting strategy
func CounterByName(name string) (TokenCounter, error) {
	c, ok := counters[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown token counter %q (available: %s)", name, strings.Join(CounterNames(), ", "))
	}
	return c, nil
}

// CounterNames lists the registered counting strategies
func CounterNames() []string {
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isCJK(r rune) bool {
	return r >= 0x4e00 && r <= 0x9fff
}

func isASCIILetter(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z')
}

func isWord(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// CountQwen approximates Qwen tokenization: 1.3 tokens per CJK character, 1.2
// per ASCII word, about one per digit run, one per punctuation mark and two
// for the surrounding special tokens.
func CountQwen(text string) int {
	if text == "" {
		return 0
	}

	var (
		cjk, words, numberRuns, digits, punct int
		inWord, inNumber                      bool
	)

	for _, r := range text {
		letter := isASCIILetter(r)
		digit := r >= '0' && r <= '9'

		if letter && !inWord {
			words++
		}
		inWord = letter

		if digit {
			digits++
			if !inNumber {
				numberRuns++
			}
		}
		inNumber = digit

		switch {
		case isCJK(r):
			cjk++
		case !isWord(r) && !unicode.IsSpace(r):
			punct++
		}
	}

	count := int(float64(cjk)*1.3) + int(float64(words)*1.2)
	count += max(numberRuns, int(float64(digits)*0.7))
	count += punct

	if count > 0 {
		count += 2
	}
	return max(1, count)
}

// CountOpenAI approximates GPT tokenization: 1.5 CJK characters or 4 other
// characters per token
func CountOpenAI(text string) int {
	return countByRatio(text, 1.5, 4)
}

// CountClaude approximates Claude tokenization: 1.2 CJK characters or 3.8
// other characters per token
func CountClaude(text string) int {
	return countByRatio(text, 1.2, 3.8)
}

func countByRatio(text string, cjkPerToken, otherPerToken float64) int {
	if text == "" {
		return 0
	}

	var cjk int
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	other := utf8.RuneCountInString(text) - cjk

	return max(1, int(float64(cjk)/cjkPerToken)+int(float64(other)/otherPerToken))
}

// CountSimple counts word runs and CJK characters
func CountSimple(text string) int {
	if text == "" {
		return 0
	}

	var count int
	inWord := false
	for _, r := range text {
		if isCJK(r) {
			count++
			inWord = false
			continue
		}
		w := isWord(r)
		if w && !inWord {
			count++
		}
		inWord = w
	}
	return max(1, count)
}

// CountChars counts one token per character
func CountChars(text string) int {
	return utf8.RuneCountInString(text)
}
