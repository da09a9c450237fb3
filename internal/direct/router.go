package direct

import (
	"fmt"
	"strings"

	"tickstream/pkg/market"
)

// Router picks the direct provider for a symbol from its asset class.
type Router struct {
	byClass map[market.AssetClass]string
}

// DefaultRouter sends crypto to Binance and everything else to Finnhub.
func DefaultRouter() Router {
	return Router{byClass: map[market.AssetClass]string{
		market.ClassCrypto: ProviderBinance,
		market.ClassForex:  ProviderFinnhub,
		market.ClassEquity: ProviderFinnhub,
		market.ClassOther:  ProviderFinnhub,
	}}
}

// Route returns the provider and its native symbol for symbol.
func (r Router) Route(symbol string) (provider, native string, err error) {
	class := market.Classify(symbol)
	provider, ok := r.byClass[class]
	if !ok {
		return "", "", fmt.Errorf("%w: no provider for %s symbol %q", ErrUnknownProvider, class, symbol)
	}
	return provider, NativeSymbol(provider, class, symbol), nil
}

// NativeSymbol rewrites a generic symbol into the provider's notation:
// Binance wants "BTCUSDT", Finnhub forex wants "OANDA:EUR_USD".
func NativeSymbol(provider string, class market.AssetClass, symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))

	switch provider {
	case ProviderBinance:
		if _, rest, ok := strings.Cut(s, ":"); ok {
			s = rest
		}
		s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
		if strings.HasSuffix(s, "USD") {
			s += "T"
		}
		return s
	case ProviderFinnhub:
		if class != market.ClassForex || strings.Contains(s, ":") {
			return s
		}
		s = strings.TrimSuffix(s, "=X")
		s = strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
		if len(s) == 6 {
			return "OANDA:" + s[:3] + "_" + s[3:]
		}
		return s
	default:
		return s
	}
}
