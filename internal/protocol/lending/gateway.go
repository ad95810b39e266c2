package lending

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
	"ToolRelay-Chain/internal/protocol/httpapi"
)

// GatewayConfig 描述借贷网关在各网络上的地址。
type GatewayConfig struct {
	Endpoints map[string]string
	MarketID  string
	Timeout   time.Duration
	RetryMax  int
}

type gatewayMarket struct {
	client   *httpapi.Client
	marketID string
}

// NewGatewayFactory 返回通过 HTTP 网关访问借贷市场的工厂。
func NewGatewayFactory(gw GatewayConfig) MarketFactory {
	return func(cfg protocol.Config) (Market, error) {
		network := cfg.NormalizedNetwork()
		endpoint := strings.TrimSpace(gw.Endpoints[network])
		if endpoint == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("no lending gateway configured for network %s", network))
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
		return &gatewayMarket{client: client, marketID: gw.MarketID}, nil
	}
}

type marketInfo struct {
	MarketID string `json:"marketId"`
}

type reserveDTO struct {
	CoinType        string  `json:"coinType"`
	Symbol          string  `json:"symbol"`
	SupplyAPY       float64 `json:"supplyApy"`
	BorrowAPY       float64 `json:"borrowApy"`
	UtilizationRate float64 `json:"utilizationRate"`
}

type coinDTO struct {
	CoinObjectID string `json:"coinObjectId"`
	Balance      string `json:"balance"`
}

type txReceipt struct {
	Digest string `json:"digest"`
}

func (m *gatewayMarket) Connect(ctx context.Context) error {
	var info marketInfo
	if err := m.client.Get(ctx, "/v1/lending/market", nil, &info); err != nil {
		return err
	}
	if m.marketID != "" && !strings.EqualFold(info.MarketID, m.marketID) {
		return xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("gateway serves market %s, expected %s", info.MarketID, m.marketID))
	}
	m.marketID = info.MarketID
	return nil
}

func (m *gatewayMarket) Reserves(ctx context.Context) ([]Reserve, error) {
	var payload struct {
		Reserves []reserveDTO `json:"reserves"`
	}
	if err := m.client.Get(ctx, "/v1/lending/reserves", nil, &payload); err != nil {
		return nil, err
	}
	out := make([]Reserve, 0, len(payload.Reserves))
	for _, r := range payload.Reserves {
		asset := r.Symbol
		if asset == "" {
			asset = r.CoinType
		}
		out = append(out, Reserve{
			Asset:       asset,
			SupplyRate:  r.SupplyAPY,
			BorrowRate:  r.BorrowAPY,
			Utilization: r.UtilizationRate,
		})
	}
	return out, nil
}

func (m *gatewayMarket) Deposit(ctx context.Context, req DepositRequest) (string, error) {
	var coins struct {
		Coins []coinDTO `json:"coins"`
	}
	endpoint := "/v1/accounts/" + url.PathEscape(req.WalletAddress) + "/coins"
	if err := m.client.Get(ctx, endpoint, url.Values{"coinType": {req.Asset}}, &coins); err != nil {
		return "", err
	}
	if len(coins.Coins) == 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("No coins found for type %s", req.Asset))
	}

	var receipt txReceipt
	err := m.client.Post(ctx, "/v1/lending/deposits", map[string]string{
		"marketId": m.marketID,
		"owner":    req.WalletAddress,
		"coinType": req.Asset,
		"value":    req.Amount.String(),
	}, &receipt)
	if err != nil {
		return "", err
	}
	return receipt.Digest, nil
}

func (m *gatewayMarket) Borrow(ctx context.Context, req BorrowRequest) (string, error) {
	var receipt txReceipt
	err := m.client.Post(ctx, "/v1/lending/borrows", map[string]string{
		"marketId":             m.marketID,
		"owner":                req.WalletAddress,
		"obligationOwnerCapId": req.ObligationOwnerCapID,
		"obligationId":         req.ObligationID,
		"coinType":             req.Asset,
		"value":                req.Amount.String(),
	}, &receipt)
	if err != nil {
		return "", err
	}
	return receipt.Digest, nil
}

func (m *gatewayMarket) Close() error { return nil }
