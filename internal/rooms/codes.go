package rooms

import (
	"fmt"

	gonanoid "github.com/jaevor/go-nanoid"
)

// CodeAlphabet omits characters that are easy to misread when a room code is
// read aloud or typed (0/O, 1/I).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const DefaultCodeLength = 6

// CodeGenerator produces server-generated room ids.
type CodeGenerator struct {
	next func() string
}

func NewCodeGenerator(length int) (*CodeGenerator, error) {
	if length <= 0 {
		length = DefaultCodeLength
	}
	next, err := gonanoid.CustomASCII(CodeAlphabet, length)
	if err != nil {
		return nil, fmt.Errorf("room code generator: %w", err)
	}
	return &CodeGenerator{next: next}, nil
}

// NewUnique returns a code that is not currently in use in d. It gives up
// after a few attempts, which only happens when the code space is nearly full.
func (g *CodeGenerator) NewUnique(d *Directory) (string, error) {
	for attempt := 0; attempt < 8; attempt++ {
		code := g.next()
		if d == nil || !d.Exists(code) {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to allocate unique room code")
}
