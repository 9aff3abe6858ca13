package venue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"coinflow/internal/domain"
	"coinflow/internal/util"
)

// Compile-time interface check.
var _ Venue = (*AlpacaVenue)(nil)

// fillPollInterval is the delay between order-status polls after placing a
// market order.
const fillPollInterval = 500 * time.Millisecond

// fillPollAttempts bounds how long Execute waits for a market order to fill
// before reporting an error.
const fillPollAttempts = 20

// quoteRetryAttempts covers transient market-data blips when fetching the
// latest quote.
const quoteRetryAttempts = 3

// AlpacaVenue implements the Venue interface on the Alpaca crypto trading
// and market-data APIs.
type AlpacaVenue struct {
	trading *alpaca.Client
	data    *marketdata.Client
	enabled bool
}

// NewAlpacaVenue creates an AlpacaVenue configured with the given
// credentials and API endpoints. Empty URLs use the SDK defaults.
func NewAlpacaVenue(apiKey, apiSecret, baseURL, dataURL string, enabled bool) *AlpacaVenue {
	tradingOpts := alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if baseURL != "" {
		tradingOpts.BaseURL = baseURL
	}
	dataOpts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		dataOpts.BaseURL = dataURL
	}

	return &AlpacaVenue{
		trading: alpaca.NewClient(tradingOpts),
		data:    marketdata.NewClient(dataOpts),
		enabled: enabled && apiKey != "" && apiSecret != "",
	}
}

// Name returns "alpaca".
func (v *AlpacaVenue) Name() string { return "alpaca" }

// IsAvailable reports whether the venue is enabled with credentials.
func (v *AlpacaVenue) IsAvailable() bool { return v.enabled }

// pairSymbol maps a crypto/fiat pair to Alpaca's crypto symbol format,
// e.g. ("BTC", "USD") -> "BTC/USD".
func pairSymbol(cryptoCurrency, fiatCurrency string) string {
	return strings.ToUpper(cryptoCurrency) + "/" + strings.ToUpper(fiatCurrency)
}

// GetRate returns the latest bid for the pair. The bid side is used because
// conversions sell crypto.
func (v *AlpacaVenue) GetRate(ctx context.Context, cryptoCurrency, fiatCurrency string) (decimal.Decimal, error) {
	symbol := pairSymbol(cryptoCurrency, fiatCurrency)
	var quote *marketdata.CryptoQuote
	err := util.Retry(ctx, quoteRetryAttempts, 250*time.Millisecond, func() error {
		var err error
		quote, err = v.data.GetLatestCryptoQuote(symbol, marketdata.GetLatestCryptoQuoteRequest{})
		return err
	})
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetching quote for %s: %w", symbol, err)
	}
	bid := decimal.NewFromFloat(quote.BidPrice)
	if !bid.IsPositive() {
		return decimal.Zero, fmt.Errorf("no bid for %s", symbol)
	}
	return bid, nil
}

// GetBalances returns the account cash balance plus every crypto position.
func (v *AlpacaVenue) GetBalances(ctx context.Context) ([]domain.Balance, error) {
	acct, err := v.trading.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("fetching account: %w", err)
	}
	now := time.Now()

	balances := []domain.Balance{{
		Venue:     v.Name(),
		Currency:  strings.ToUpper(acct.Currency),
		Available: acct.Cash,
		Total:     acct.Cash,
		SyncedAt:  now,
	}}

	positions, err := v.trading.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}
	for _, p := range positions {
		if p.AssetClass != alpaca.Crypto {
			continue
		}
		// Crypto position symbols look like "BTCUSD"; strip the quote side.
		currency := strings.ToUpper(strings.TrimSuffix(strings.ReplaceAll(p.Symbol, "/", ""), "USD"))
		balances = append(balances, domain.Balance{
			Venue:     v.Name(),
			Currency:  currency,
			Available: p.Qty,
			Total:     p.Qty,
			SyncedAt:  now,
		})
	}
	return balances, nil
}

// Execute places a market order for the pair and waits for the fill. The
// request's ClientRef is passed as the client order id so a retried attempt
// with the same ref cannot double-execute.
func (v *AlpacaVenue) Execute(ctx context.Context, req ExecRequest) (*ExecResult, error) {
	side := alpaca.Sell
	if req.Side == domain.SideBuy {
		side = alpaca.Buy
	}
	qty := req.Amount

	order, err := v.trading.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        pairSymbol(req.CryptoCurrency, req.FiatCurrency),
		Qty:           &qty,
		Side:          side,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.GTC,
		ClientOrderID: req.ClientRef,
	})
	if err != nil {
		return nil, fmt.Errorf("placing order: %w", err)
	}

	// Crypto market orders fill near-instantly; poll briefly for the fill.
	for i := 0; i < fillPollAttempts; i++ {
		if order.Status == "filled" {
			return fillResult(order)
		}
		if order.Status == "canceled" || order.Status == "expired" || order.Status == "rejected" {
			return nil, fmt.Errorf("order %s ended in status %s", order.ID, order.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(fillPollInterval):
		}

		order, err = v.trading.GetOrder(order.ID)
		if err != nil {
			return nil, fmt.Errorf("polling order: %w", err)
		}
	}
	return nil, fmt.Errorf("order %s not filled after %d polls", order.ID, fillPollAttempts)
}

func fillResult(order *alpaca.Order) (*ExecResult, error) {
	if order.FilledAvgPrice == nil {
		return nil, fmt.Errorf("order %s filled without an average price", order.ID)
	}
	executedAt := time.Now()
	if order.FilledAt != nil {
		executedAt = *order.FilledAt
	}
	return &ExecResult{
		ExternalRef:  order.ID,
		FilledAmount: order.FilledQty,
		AvgPrice:     *order.FilledAvgPrice,
		ExecutedAt:   executedAt,
	}, nil
}
