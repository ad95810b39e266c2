package exchange

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
	"ToolRelay-Chain/internal/protocol/httpapi"
)

// GatewayConfig 描述交易所 REST 网关在各网络上的地址。
type GatewayConfig struct {
	Endpoints map[string]string
	Timeout   time.Duration
	RetryMax  int
}

type gatewayVenue struct {
	client *httpapi.Client
}

// NewGatewayFactory 返回通过 HTTP 网关访问交易所的工厂。
func NewGatewayFactory(gw GatewayConfig) VenueFactory {
	return func(cfg protocol.Config) (Venue, error) {
		network := cfg.NormalizedNetwork()
		endpoint := strings.TrimSpace(gw.Endpoints[network])
		if endpoint == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("no exchange gateway configured for network %s", network))
		}
		signer, err := httpapi.NewSigner(cfg.AccountKey)
		if err != nil {
			return nil, err
		}
		client, err := httpapi.New(httpapi.Config{
			BaseURL:  endpoint,
			Network:  network,
			Timeout:  gw.Timeout,
			RetryMax: gw.RetryMax,
		}, signer)
		if err != nil {
			return nil, err
		}
		return &gatewayVenue{client: client}, nil
	}
}

type tickerDTO struct {
	Symbol    string `json:"symbol"`
	LastPrice string `json:"lastPrice"`
	Volume24h string `json:"volume24h"`
}

func (v *gatewayVenue) Connect(ctx context.Context) error {
	var session struct {
		Token string `json:"token"`
	}
	if err := v.client.Post(ctx, "/v1/auth/session", map[string]string{
		"account": v.client.Signer().Address().Hex(),
	}, &session); err != nil {
		return err
	}
	if session.Token == "" {
		return xerrors.New(xerrors.CodeProtocolFailure, "exchange did not issue a session token")
	}
	return nil
}

func (v *gatewayVenue) Markets(ctx context.Context) ([]MarketData, error) {
	var payload struct {
		Data []tickerDTO `json:"data"`
	}
	if err := v.client.Get(ctx, "/v1/exchangeInfo", nil, &payload); err != nil {
		return nil, err
	}
	ts := now().UnixMilli()
	out := make([]MarketData, 0, len(payload.Data))
	for _, item := range payload.Data {
		price, err := strconv.ParseFloat(item.LastPrice, 64)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, fmt.Sprintf("invalid price for %s", item.Symbol))
		}
		volume, err := strconv.ParseFloat(item.Volume24h, 64)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, fmt.Sprintf("invalid volume for %s", item.Symbol))
		}
		out = append(out, MarketData{Symbol: item.Symbol, Price: price, Volume: volume, Timestamp: ts})
	}
	return out, nil
}

func (v *gatewayVenue) PlaceOrder(ctx context.Context, req TradeRequest) (string, error) {
	var order struct {
		OrderID string `json:"orderId"`
	}
	err := v.client.Post(ctx, "/v1/orders", map[string]string{
		"symbol":    req.Symbol,
		"price":     strconv.FormatFloat(req.Price, 'f', -1, 64),
		"quantity":  strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		"side":      string(req.Side),
		"orderType": "LIMIT",
	}, &order)
	if err != nil {
		return "", err
	}
	return order.OrderID, nil
}

func (v *gatewayVenue) Order(ctx context.Context, orderID string) (OrderStatus, error) {
	var status OrderStatus
	if err := v.client.Get(ctx, "/v1/orders/"+url.PathEscape(orderID), nil, &status); err != nil {
		return nil, err
	}
	return status, nil
}

func (v *gatewayVenue) Close() error { return nil }
