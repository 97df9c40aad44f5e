package asset

import (
	"fmt"
	"strings"
)

// Symbol identifies a tracked crypto asset.
type Symbol string

const (
	ETH Symbol = "ETH"
	BTC Symbol = "BTC"
	SOL Symbol = "SOL"
)

var names = map[Symbol]string{
	ETH: "Ether",
	BTC: "Bitcoin",
	SOL: "Solana",
}

// All returns every supported symbol in a stable order.
func All() []Symbol {
	return []Symbol{ETH, BTC, SOL}
}

// Parse normalises user input into a supported Symbol.
func Parse(raw string) (Symbol, error) {
	sym := Symbol(strings.ToUpper(strings.TrimSpace(raw)))
	if _, ok := names[sym]; !ok {
		return "", fmt.Errorf("unsupported symbol %q", raw)
	}
	return sym, nil
}

// ParseList parses a list of symbols, rejecting duplicates.
func ParseList(raw []string) ([]Symbol, error) {
	seen := make(map[Symbol]struct{}, len(raw))
	out := make([]Symbol, 0, len(raw))
	for _, r := range raw {
		sym, err := Parse(r)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[sym]; dup {
			return nil, fmt.Errorf("duplicate symbol %q", sym)
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	return out, nil
}

// Name is the display name of the asset.
func (s Symbol) Name() string {
	return names[s]
}

// Valid reports whether s is one of the supported symbols.
func (s Symbol) Valid() bool {
	_, ok := names[s]
	return ok
}

func (s Symbol) String() string {
	return string(s)
}
