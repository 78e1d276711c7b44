package broker

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"fundwatch/internal/config"
)

// mdLimiter throttles market-data calls across all funds. Alpaca's free data
// tier allows 200 requests/min; we stay well under it.
var mdLimiter = rate.NewLimiter(rate.Limit(2), 5)

// AlpacaGateway implements Gateway against the Alpaca API for one fund.
type AlpacaGateway struct {
	fund        string
	mdClient    *marketdata.Client
	tradeClient *alpaca.Client
}

var _ Gateway = (*AlpacaGateway)(nil)

// NewAlpaca builds a gateway bound to the given fund's credential scope.
// Satisfies Factory.
func NewAlpaca(f config.FundConfig) Gateway {
	creds := CredentialsFor(f)
	return &AlpacaGateway{
		fund: f.ID,
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    creds.APIKey,
			APISecret: creds.APISecret,
		}),
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    creds.APIKey,
			APISecret: creds.APISecret,
			BaseURL:   creds.BaseURL,
		}),
	}
}

func (g *AlpacaGateway) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if len(symbols) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	if err := mdLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	trades, err := g.mdClient.GetLatestTrades(symbols, marketdata.GetLatestTradeRequest{})
	if err != nil {
		return nil, fmt.Errorf("latest trades: %w", err)
	}

	prices := make(map[string]decimal.Decimal, len(trades))
	for sym, t := range trades {
		prices[sym] = decimal.NewFromFloat(t.Price)
	}
	return prices, nil
}

func (g *AlpacaGateway) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*OrderAck, error) {
	// Client order id makes retries idempotent on the broker side.
	clientOrderID := fmt.Sprintf("fw-%s-%s", g.fund, uuid.NewString())

	o, err := g.tradeClient.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:        symbol,
		Qty:           &qty,
		Side:          alpaca.Sell,
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: clientOrderID,
	})
	if err != nil {
		return nil, fmt.Errorf("place sell %s: %w", symbol, err)
	}

	ackQty := decimal.Zero
	if o.Qty != nil {
		ackQty = *o.Qty
	}
	return &OrderAck{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Qty:           ackQty,
		Status:        string(o.Status),
	}, nil
}

func (g *AlpacaGateway) GetAccount(ctx context.Context) (*AccountInfo, error) {
	acct, err := g.tradeClient.GetAccount()
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &AccountInfo{
		Equity:      acct.Equity,
		Cash:        acct.Cash,
		BuyingPower: acct.BuyingPower,
	}, nil
}

func (g *AlpacaGateway) GetClock(ctx context.Context) (*Clock, error) {
	c, err := g.tradeClient.GetClock()
	if err != nil {
		return nil, fmt.Errorf("get clock: %w", err)
	}
	return &Clock{
		IsOpen:    c.IsOpen,
		NextOpen:  c.NextOpen,
		NextClose: c.NextClose,
	}, nil
}
