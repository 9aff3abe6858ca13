package domain

// Currency precision rules. Crypto amounts round to 8 fractional digits,
// fiat to 2, except zero-decimal currencies.

const (
	CryptoPrecision = 8
	FiatPrecision   = 2
)

// supportedCryptos are the crypto currencies the engine will sell.
var supportedCryptos = map[string]bool{
	"BTC":  true,
	"ETH":  true,
	"LTC":  true,
	"BCH":  true,
	"USDT": true,
	"USDC": true,
}

// supportedFiats are the fiat currencies the engine will settle into.
var supportedFiats = map[string]bool{
	"USD": true,
	"EUR": true,
	"GBP": true,
	"CAD": true,
	"AUD": true,
	"JPY": true,
	"KRW": true,
}

// zeroDecimalFiats have no minor unit.
var zeroDecimalFiats = map[string]bool{
	"JPY": true,
	"KRW": true,
	"VND": true,
}

// IsSupportedCrypto reports whether the code is a sellable crypto currency.
func IsSupportedCrypto(code string) bool { return supportedCryptos[code] }

// IsSupportedFiat reports whether the code is a supported settlement fiat.
func IsSupportedFiat(code string) bool { return supportedFiats[code] }

// FiatDecimals returns the number of fractional digits for a fiat currency.
func FiatDecimals(code string) int32 {
	if zeroDecimalFiats[code] {
		return 0
	}
	return FiatPrecision
}
