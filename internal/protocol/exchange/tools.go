package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
	"ToolRelay-Chain/internal/tools"
)

var credentialParams = []tools.Parameter{
	{Name: "network", Type: tools.TypeString, Description: "Network to use (mainnet/testnet)", Required: true},
	{Name: "accountKey", Type: tools.TypeString, Description: "Account private key", Required: true, Sensitive: true},
}

func withCredentials(extra ...tools.Parameter) []tools.Parameter {
	return append(append([]tools.Parameter{}, credentialParams...), extra...)
}

// RegisterTools 注册交易所相关的工具。
func RegisterTools(reg *tools.Registry, factory VenueFactory) error {
	descs := []tools.Descriptor{
		{
			Name:        "get_exchange_info",
			Description: "Get market data from the exchange",
			Parameters:  withCredentials(),
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				conn, err := connect(ctx, env, factory, args)
				if err != nil {
					return "", err
				}
				markets, err := conn.GetExchangeInfo(ctx).Unwrap()
				if err != nil {
					return "", err
				}
				return protocol.Reply("Successfully retrieved exchange information", "Get exchange information", markets)
			},
		},
		{
			Name:        "execute_trade",
			Description: "Execute a trade on the exchange",
			Parameters: withCredentials(
				tools.Parameter{Name: "symbol", Type: tools.TypeString, Description: "Trading pair symbol (e.g., BTC-PERP)", Required: true},
				tools.Parameter{Name: "quantity", Type: tools.TypeString, Description: "Trade quantity", Required: true},
				tools.Parameter{Name: "price", Type: tools.TypeString, Description: "Trade price", Required: true},
				tools.Parameter{Name: "side", Type: tools.TypeString, Description: "Trade side (BUY/SELL)", Required: true},
			),
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				req, err := tradeRequest(args)
				if err != nil {
					return "", err
				}
				conn, err := connect(ctx, env, factory, args)
				if err != nil {
					return "", err
				}
				orderID, err := conn.ExecuteTrade(ctx, req).Unwrap()
				if err != nil {
					return "", err
				}
				query := fmt.Sprintf("Execute %s trade for %s %s at %s",
					req.Side, tools.Arg(args, 3).String(), req.Symbol, tools.Arg(args, 4).String())
				return protocol.Reply("Successfully executed trade", query, orderID)
			},
		},
		{
			Name:        "get_order_status",
			Description: "Get status of an order on the exchange",
			Parameters: withCredentials(
				tools.Parameter{Name: "orderId", Type: tools.TypeString, Description: "Order ID to check", Required: true},
			),
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				conn, err := connect(ctx, env, factory, args)
				if err != nil {
					return "", err
				}
				orderID := tools.Arg(args, 2).String()
				status, err := conn.GetOrderStatus(ctx, orderID).Unwrap()
				if err != nil {
					return "", err
				}
				return protocol.Reply("Successfully retrieved order status", "Get status for order "+orderID, status)
			},
		},
	}
	for _, desc := range descs {
		if err := reg.Register(desc); err != nil {
			return err
		}
	}
	return nil
}

func tradeRequest(args []tools.Value) (TradeRequest, error) {
	side, err := ParseSide(tools.Arg(args, 5).String())
	if err != nil {
		return TradeRequest{}, err
	}
	quantity, err := parsePositive("quantity", tools.Arg(args, 3).String())
	if err != nil {
		return TradeRequest{}, err
	}
	price, err := parsePositive("price", tools.Arg(args, 4).String())
	if err != nil {
		return TradeRequest{}, err
	}
	return TradeRequest{
		Symbol:   strings.TrimSpace(tools.Arg(args, 2).String()),
		Quantity: quantity,
		Price:    price,
		Side:     side,
	}, nil
}

func parsePositive(name, raw string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil || v <= 0 {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("%s must be a positive number, got %q", name, raw))
	}
	return v, nil
}

func connect(ctx context.Context, env tools.Env, factory VenueFactory, args []tools.Value) (*Connector, error) {
	cfg := protocol.Config{
		Network:    tools.Arg(args, 0).String(),
		AccountKey: tools.Arg(args, 1).String(),
	}
	return protocol.Instance(ctx, env.Connectors, ProtocolName, cfg, func(cfg protocol.Config) (*Connector, error) {
		return New(cfg, factory)
	})
}
