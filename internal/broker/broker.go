package broker

import (
	"context"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"fundwatch/internal/config"
)

// OrderAck is the broker's acknowledgement of a placed order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Qty           decimal.Decimal
	Status        string
}

// AccountInfo is the subset of account state the core consumes.
type AccountInfo struct {
	Equity      decimal.Decimal
	Cash        decimal.Decimal
	BuyingPower decimal.Decimal
}

// Clock reports market open/close state.
type Clock struct {
	IsOpen    bool
	NextOpen  time.Time
	NextClose time.Time
}

// Gateway is the broker interface the core depends on. Implementations are
// scoped to one fund's credentials; see Factory.
type Gateway interface {
	// GetPrices fetches the latest trade price for each symbol in one call.
	GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	// PlaceMarketSell submits a day market sell for the full quantity.
	PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal) (*OrderAck, error)
	GetAccount(ctx context.Context) (*AccountInfo, error)
	GetClock(ctx context.Context) (*Clock, error)
}

// Factory builds a gateway for one fund. A gateway built for one fund must
// never be handed to another; credentials are resolved fresh per fund.
type Factory func(f config.FundConfig) Gateway

const (
	paperBaseURL = "https://paper-api.alpaca.markets"
	liveBaseURL  = "https://api.alpaca.markets"
)

// Credentials is the per-fund broker credential set.
type Credentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
	Paper     bool
}

// CredentialsFor assembles a fresh credential set for a fund from the
// environment and the fund's broker mode.
func CredentialsFor(f config.FundConfig) Credentials {
	c := Credentials{
		APIKey:    os.Getenv("APCA_API_KEY_ID"),
		APISecret: os.Getenv("APCA_API_SECRET_KEY"),
		Paper:     f.Broker.Mode != "live",
	}
	if c.Paper {
		c.BaseURL = paperBaseURL
	} else {
		c.BaseURL = liveBaseURL
	}
	return c
}
