package model

import (
	"fmt"
	"strings"
)

// Exchange is a mainland A-share exchange.
type Exchange string

const (
	ExchangeSH Exchange = "SH"
	ExchangeSZ Exchange = "SZ"
	ExchangeBJ Exchange = "BJ"
)

// Symbol identifies a listed security. The zero value is invalid.
type Symbol struct {
	Exchange Exchange
	Code     string
}

// String returns the secid form used across the project, e.g. "1.600000".
func (s Symbol) String() string {
	return s.Secid()
}

// Secid is the "<market>.<code>" identifier used by Eastmoney.
// Shanghai is market 1; Shenzhen and Beijing share market 0.
func (s Symbol) Secid() string {
	if s.Exchange == ExchangeSH {
		return "1." + s.Code
	}
	return "0." + s.Code
}

// Prefixed is the lower-case exchange-prefixed code, e.g. "sh600000".
func (s Symbol) Prefixed() string {
	return strings.ToLower(string(s.Exchange)) + s.Code
}

// ParseSymbol accepts "1.600000", "sh600000", "600000.SH" and "SH.600000".
func ParseSymbol(s string) (Symbol, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Symbol{}, fmt.Errorf("empty symbol")
	}

	if head, tail, ok := strings.Cut(s, "."); ok {
		switch head {
		case "1":
			return newSymbol(ExchangeSH, tail)
		case "0":
			return newSymbol(zeroMarketExchange(tail), tail)
		}
		if ex, ok := parseExchange(head); ok {
			return newSymbol(ex, tail)
		}
		if ex, ok := parseExchange(tail); ok {
			return newSymbol(ex, head)
		}
		return Symbol{}, fmt.Errorf("parse symbol %q: unknown market", s)
	}

	if len(s) > 2 {
		if ex, ok := parseExchange(s[:2]); ok {
			return newSymbol(ex, s[2:])
		}
	}
	return Symbol{}, fmt.Errorf("parse symbol %q: missing exchange", s)
}

// MustParseSymbol is ParseSymbol for literals known to be valid.
func MustParseSymbol(s string) Symbol {
	sym, err := ParseSymbol(s)
	if err != nil {
		panic(err)
	}
	return sym
}

func newSymbol(ex Exchange, code string) (Symbol, error) {
	if len(code) != 6 {
		return Symbol{}, fmt.Errorf("symbol code %q: want 6 digits", code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return Symbol{}, fmt.Errorf("symbol code %q: want 6 digits", code)
		}
	}
	return Symbol{Exchange: ex, Code: code}, nil
}

func parseExchange(s string) (Exchange, bool) {
	switch strings.ToUpper(s) {
	case "SH":
		return ExchangeSH, true
	case "SZ":
		return ExchangeSZ, true
	case "BJ":
		return ExchangeBJ, true
	}
	return "", false
}

// zeroMarketExchange tells Shenzhen from Beijing for Eastmoney market 0.
func zeroMarketExchange(code string) Exchange {
	if strings.HasPrefix(code, "8") || strings.HasPrefix(code, "4") || strings.HasPrefix(code, "92") {
		return ExchangeBJ
	}
	return ExchangeSZ
}
