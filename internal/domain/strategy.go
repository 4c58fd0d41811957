package domain

import (
	"fmt"
	"strings"
)

// Strategy picks a winner when the local and remote copies of a record diverge.
type Strategy string

const (
	ServerWins Strategy = "SERVER_WINS"
	ClientWins Strategy = "CLIENT_WINS"
	NewestWins Strategy = "NEWEST_WINS"
	Manual     Strategy = "MANUAL"
)

// DefaultStrategy is used when a caller does not choose one.
const DefaultStrategy = NewestWins

// ParseStrategy is case-insensitive; the empty string yields DefaultStrategy.
func ParseStrategy(s string) (Strategy, error) {
	if strings.TrimSpace(s) == "" {
		return DefaultStrategy, nil
	}
	st := Strategy(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case ServerWins, ClientWins, NewestWins, Manual:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown conflict strategy %q", ErrValidation, s)
}

func (s Strategy) OrDefault() Strategy {
	if s == "" {
		return DefaultStrategy
	}
	return s
}
