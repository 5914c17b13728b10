package service

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/mselletoe/brgypuj-kiosk/internal/core/domain"
)

const (
	codeSpace              = 10000
	defaultCodeMaxAttempts = 50
)

// CodeGenerator hands out PREFIX-NNNN transaction codes. Uniqueness is checked
// through the caller's exists func, which must run in the transaction that
// inserts the code.
type CodeGenerator struct {
	draw        func(n int) int
	maxAttempts int
}

func NewCodeGenerator(maxAttempts int) *CodeGenerator {
	if maxAttempts <= 0 {
		maxAttempts = defaultCodeMaxAttempts
	}
	return &CodeGenerator{draw: rand.IntN, maxAttempts: maxAttempts}
}

func (g *CodeGenerator) Generate(ctx context.Context, namespace string, exists func(ctx context.Context, code string) (bool, error)) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code := fmt.Sprintf("%s-%04d", namespace, g.draw(codeSpace))
		taken, err := exists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code %s: %w", code, err)
		}
		if !taken {
			return code, nil
		}
	}

	return "", fmt.Errorf("namespace %s after %d attempts: %w", namespace, g.maxAttempts, domain.ErrCapacityExhausted)
}
