package orchestrator

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"
)

// CodeGenerator derives document codes of the form INITIALS-YEAR-NNN from a
// signer's name. The random part and the clock are injected so callers can
// pin the output.
type CodeGenerator struct {
	mu  sync.Mutex
	rnd *rand.Rand
	now func() time.Time
}

// NewCodeGenerator builds a generator. A nil source seeds from the clock and
// a nil clock uses time.Now.
func NewCodeGenerator(src rand.Source, now func() time.Time) *CodeGenerator {
	if now == nil {
		now = time.Now
	}
	if src == nil {
		src = rand.NewSource(now().UnixNano())
	}
	return &CodeGenerator{rnd: rand.New(src), now: now}
}

// Generate returns a code for signer, or "" when the name yields no
// initials. The numeric part is in 001-999.
func (g *CodeGenerator) Generate(signer string) string {
	initials := Initials(signer)
	if initials == "" {
		return ""
	}
	g.mu.Lock()
	n := g.rnd.Intn(999) + 1
	g.mu.Unlock()
	return fmt.Sprintf("%s-%d-%03d", initials, g.now().Year(), n)
}

// Initials upper-cases the first letter of every word of name. Hyphens
// separate words.
func Initials(name string) string {
	words := strings.Fields(strings.ReplaceAll(name, "-", " "))
	var b strings.Builder
	for _, word := range words {
		r, _ := utf8.DecodeRuneInString(word)
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}
