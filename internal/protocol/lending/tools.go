package lending

import (
	"context"
	"fmt"
	"math/big"

	"ToolRelay-Chain/internal/protocol"
	"ToolRelay-Chain/internal/tools"
)

var credentialParams = []tools.Parameter{
	{Name: "network", Type: tools.TypeString, Description: "Network to use (mainnet/testnet)", Required: true},
	{Name: "accountKey", Type: tools.TypeString, Description: "Account private key", Required: true, Sensitive: true},
}

// RegisterTools 注册借贷相关的工具。
func RegisterTools(reg *tools.Registry, factory MarketFactory) error {
	descs := []tools.Descriptor{
		{
			Name:        "get_lending_rates",
			Description: "Tool to get current lending rates from the lending market",
			Parameters:  credentialParams,
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				conn, err := connect(ctx, env, factory, args)
				if err != nil {
					return "", err
				}
				reserves, err := conn.GetLendingRates(ctx).Unwrap()
				if err != nil {
					return "", err
				}
				return protocol.Reply("Successfully retrieved lending rates", "Get lending rates", reserves)
			},
		},
		{
			Name:        "lend_tokens",
			Description: "Tool to lend tokens on the lending market",
			Parameters: append(append([]tools.Parameter{}, credentialParams...),
				tools.Parameter{Name: "walletAddress", Type: tools.TypeString, Description: "Wallet address to lend from", Required: true},
				tools.Parameter{Name: "asset", Type: tools.TypeString, Description: "Asset to lend", Required: true},
				tools.Parameter{Name: "amount", Type: tools.TypeBigInt, Description: "Amount to lend", Required: true},
			),
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				conn, err := connect(ctx, env, factory, args)
				if err != nil {
					return "", err
				}
				req := DepositRequest{
					WalletAddress: tools.Arg(args, 2).String(),
					Asset:         tools.Arg(args, 3).String(),
					Amount:        bigArg(args, 4),
				}
				resp := conn.Lend(ctx, req)
				if _, err := resp.Unwrap(); err != nil {
					return "", err
				}
				return protocol.Reply("Successfully executed lending transaction",
					fmt.Sprintf("Lend %s of %s from %s", req.Amount, req.Asset, req.WalletAddress), resp)
			},
		},
		{
			Name:        "borrow_tokens",
			Description: "Tool to borrow tokens from the lending market",
			Parameters: append(append([]tools.Parameter{}, credentialParams...),
				tools.Parameter{Name: "walletAddress", Type: tools.TypeString, Description: "Wallet address to receive borrowed tokens", Required: true},
				tools.Parameter{Name: "obligationOwnerCapId", Type: tools.TypeString, Description: "ID of the obligation owner capability", Required: true},
				tools.Parameter{Name: "obligationId", Type: tools.TypeString, Description: "ID of the obligation", Required: true},
				tools.Parameter{Name: "asset", Type: tools.TypeString, Description: "Asset to borrow", Required: true},
				tools.Parameter{Name: "amount", Type: tools.TypeBigInt, Description: "Amount to borrow", Required: true},
			),
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				conn, err := connect(ctx, env, factory, args)
				if err != nil {
					return "", err
				}
				req := BorrowRequest{
					WalletAddress:        tools.Arg(args, 2).String(),
					ObligationOwnerCapID: tools.Arg(args, 3).String(),
					ObligationID:         tools.Arg(args, 4).String(),
					Asset:                tools.Arg(args, 5).String(),
					Amount:               bigArg(args, 6),
				}
				resp := conn.Borrow(ctx, req)
				if _, err := resp.Unwrap(); err != nil {
					return "", err
				}
				return protocol.Reply("Successfully executed borrowing transaction",
					fmt.Sprintf("Borrow %s of %s to %s", req.Amount, req.Asset, req.WalletAddress), resp)
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

func connect(ctx context.Context, env tools.Env, factory MarketFactory, args []tools.Value) (*Connector, error) {
	cfg := protocol.Config{
		Network:    tools.Arg(args, 0).String(),
		AccountKey: tools.Arg(args, 1).String(),
	}
	return protocol.Instance(ctx, env.Connectors, ProtocolName, cfg, func(cfg protocol.Config) (*Connector, error) {
		return New(cfg, factory)
	})
}

func bigArg(args []tools.Value, i int) *big.Int {
	n, _ := tools.Arg(args, i).AsBigInt()
	return n
}
