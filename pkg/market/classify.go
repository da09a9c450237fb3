package market

import "strings"

// AssetClass decides which direct provider a symbol is routed to.
type AssetClass string

const (
	ClassCrypto AssetClass = "crypto"
	ClassForex  AssetClass = "forex"
	ClassEquity AssetClass = "equity"
	ClassOther  AssetClass = "other"
)

var cryptoQuotes = []string{"USDT", "USDC", "BUSD", "FDUSD", "BTC", "ETH"}

var fiatCodes = map[string]struct{}{
	"USD": {}, "EUR": {}, "GBP": {}, "JPY": {}, "CHF": {}, "AUD": {},
	"CAD": {}, "NZD": {}, "SEK": {}, "NOK": {}, "HKD": {}, "SGD": {},
	"CNH": {}, "MXN": {}, "ZAR": {}, "TRY": {}, "PLN": {}, "INR": {},
}

// Classify maps a symbol to its asset class:
//   - "OANDA:EUR_USD", "EUR/USD", "EURUSD=X", "EURUSD" (two fiat codes) -> forex
//   - "BINANCE:BTCUSDT", "BTCUSDT", "BTC-USD", "ETHBTC" -> crypto
//   - "^GSPC", "SPX:INDEX" -> other (index)
//   - anything else alphabetic -> equity
func Classify(symbol string) AssetClass {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" {
		return ClassOther
	}

	if venue, rest, ok := strings.Cut(s, ":"); ok {
		switch venue {
		case "OANDA", "FXCM", "FX":
			return ClassForex
		case "BINANCE", "COINBASE", "KRAKEN", "BYBIT":
			return ClassCrypto
		}
		if rest == "INDEX" {
			return ClassOther
		}
		s = rest
	}

	if strings.HasPrefix(s, "^") {
		return ClassOther
	}
	if strings.HasSuffix(s, "=X") {
		return ClassForex
	}

	compact := strings.NewReplacer("/", "", "_", "", "-", "").Replace(s)
	if len(compact) == 6 && isFiat(compact[:3]) && isFiat(compact[3:]) {
		return ClassForex
	}

	for _, q := range cryptoQuotes {
		if len(compact) > len(q) && strings.HasSuffix(compact, q) {
			return ClassCrypto
		}
	}
	if strings.Contains(s, "-USD") {
		return ClassCrypto
	}

	for _, r := range s {
		if (r < 'A' || r > 'Z') && r != '.' {
			return ClassOther
		}
	}
	return ClassEquity
}

func isFiat(code string) bool {
	_, ok := fiatCodes[code]
	return ok
}
