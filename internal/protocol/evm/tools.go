package evm

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
	"ToolRelay-Chain/internal/tools"
)

// Factory 根据网络与凭证构造连接器。
type Factory func(cfg protocol.Config) (*Connector, error)

// NewFactory 返回基于链配置拨号的工厂。
func NewFactory(defs ChainDefinitions) Factory {
	return func(cfg protocol.Config) (*Connector, error) {
		def, err := defs.Resolve(cfg.NormalizedNetwork())
		if err != nil {
			return nil, err
		}
		return New(def, cfg.AccountKey)
	}
}

var networkParam = tools.Parameter{Name: "network", Type: tools.TypeString, Description: "Configured EVM network name", Required: true}

// RegisterTools 注册 EVM 相关的工具。
func RegisterTools(reg *tools.Registry, factory Factory) error {
	descs := []tools.Descriptor{
		{
			Name:        "get_chain_snapshot",
			Description: "Get chain id, latest block and base fee of an EVM network",
			Parameters:  []tools.Parameter{networkParam},
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				network := tools.Arg(args, 0).String()
				conn, err := connect(ctx, env, factory, network, "")
				if err != nil {
					return "", err
				}
				snapshot, err := conn.Snapshot(ctx).Unwrap()
				if err != nil {
					return "", err
				}
				return protocol.Reply("Successfully retrieved chain snapshot", "Get chain snapshot for "+network, snapshot)
			},
		},
		{
			Name:        "get_balance",
			Description: "Get the native token balance of an address in wei",
			Parameters: []tools.Parameter{
				networkParam,
				{Name: "address", Type: tools.TypeString, Description: "Account address", Required: true},
			},
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				network := tools.Arg(args, 0).String()
				address, err := parseAddress(tools.Arg(args, 1).String())
				if err != nil {
					return "", err
				}
				conn, err := connect(ctx, env, factory, network, "")
				if err != nil {
					return "", err
				}
				balance, err := conn.Balance(ctx, address).Unwrap()
				if err != nil {
					return "", err
				}
				return protocol.Reply("Successfully retrieved balance",
					fmt.Sprintf("Get balance of %s on %s", address.Hex(), network), balance)
			},
		},
		{
			Name:        "get_transaction_count",
			Description: "Get the confirmed and pending nonce of an address",
			Parameters: []tools.Parameter{
				networkParam,
				{Name: "address", Type: tools.TypeString, Description: "Account address", Required: true},
			},
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				network := tools.Arg(args, 0).String()
				address, err := parseAddress(tools.Arg(args, 1).String())
				if err != nil {
					return "", err
				}
				conn, err := connect(ctx, env, factory, network, "")
				if err != nil {
					return "", err
				}
				count, err := conn.TransactionCount(ctx, address).Unwrap()
				if err != nil {
					return "", err
				}
				return protocol.Reply("Successfully retrieved transaction count",
					fmt.Sprintf("Get transaction count of %s on %s", address.Hex(), network), count)
			},
		},
		{
			Name:        "estimate_transfer_gas",
			Description: "Estimate gas and fees for a native token transfer",
			Parameters: []tools.Parameter{
				networkParam,
				{Name: "from", Type: tools.TypeString, Description: "Sender address", Required: true},
				{Name: "to", Type: tools.TypeString, Description: "Recipient address", Required: true},
				{Name: "amount", Type: tools.TypeBigInt, Description: "Amount in wei", Required: true},
			},
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				network := tools.Arg(args, 0).String()
				from, err := parseAddress(tools.Arg(args, 1).String())
				if err != nil {
					return "", err
				}
				to, err := parseAddress(tools.Arg(args, 2).String())
				if err != nil {
					return "", err
				}
				conn, err := connect(ctx, env, factory, network, "")
				if err != nil {
					return "", err
				}
				estimate, err := conn.EstimateTransfer(ctx, from, to, bigArg(args, 3)).Unwrap()
				if err != nil {
					return "", err
				}
				return protocol.Reply("Gas estimation completed successfully", "Estimate gas for transaction", estimate)
			},
		},
		{
			Name:        "transfer_native",
			Description: "Sign and broadcast a native token transfer",
			Parameters: []tools.Parameter{
				networkParam,
				{Name: "accountKey", Type: tools.TypeString, Description: "Sender private key (hex)", Required: true, Sensitive: true},
				{Name: "to", Type: tools.TypeString, Description: "Recipient address", Required: true},
				{Name: "amount", Type: tools.TypeBigInt, Description: "Amount in wei", Required: true},
			},
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				network := tools.Arg(args, 0).String()
				to, err := parseAddress(tools.Arg(args, 2).String())
				if err != nil {
					return "", err
				}
				conn, err := connect(ctx, env, factory, network, tools.Arg(args, 1).String())
				if err != nil {
					return "", err
				}
				amount := bigArg(args, 3)
				transfer, err := conn.TransferNative(ctx, to, amount).Unwrap()
				if err != nil {
					return "", err
				}
				return protocol.Reply("Transfer transaction created successfully",
					fmt.Sprintf("Transfer %s wei from %s to %s", amount, transfer.From, transfer.To), transfer)
			},
		},
		{
			Name:        "batch_transfer",
			Description: "Sign several native token transfers and broadcast them in one batch",
			Parameters: []tools.Parameter{
				networkParam,
				{Name: "accountKey", Type: tools.TypeString, Description: "Sender private key (hex)", Required: true, Sensitive: true},
				{Name: "recipients", Type: tools.TypeString, Description: "Comma separated recipient addresses", Required: true},
				{Name: "amounts", Type: tools.TypeString, Description: "Comma separated amounts in wei", Required: true},
			},
			Handler: func(ctx context.Context, env tools.Env, args ...tools.Value) (string, error) {
				network := tools.Arg(args, 0).String()
				recipients, amounts, err := parseBatch(tools.Arg(args, 2).String(), tools.Arg(args, 3).String())
				if err != nil {
					return "", err
				}
				conn, err := connect(ctx, env, factory, network, tools.Arg(args, 1).String())
				if err != nil {
					return "", err
				}
				transfers, err := conn.BatchTransfer(ctx, recipients, amounts).Unwrap()
				if err != nil {
					return "", err
				}
				names := make([]string, len(recipients))
				for i, r := range recipients {
					names[i] = r.Hex()
				}
				return protocol.Reply("Multi-transfer transaction created successfully",
					fmt.Sprintf("Multi-transfer from %s to %s", conn.Account().Hex(), strings.Join(names, ", ")), transfers)
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

func connect(ctx context.Context, env tools.Env, factory Factory, network, accountKey string) (*Connector, error) {
	cfg := protocol.Config{Network: network, AccountKey: accountKey}
	return protocol.Instance(ctx, env.Connectors, ProtocolName, cfg, func(cfg protocol.Config) (*Connector, error) {
		return factory(cfg)
	})
}

func parseAddress(raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid address %q", raw))
	}
	return common.HexToAddress(raw), nil
}

func parseBatch(recipientsCSV, amountsCSV string) ([]common.Address, []*big.Int, error) {
	rawRecipients := splitCSV(recipientsCSV)
	rawAmounts := splitCSV(amountsCSV)
	if len(rawRecipients) == 0 || len(rawRecipients) != len(rawAmounts) {
		return nil, nil, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("expected the same number of recipients and amounts, got %d and %d", len(rawRecipients), len(rawAmounts)))
	}
	recipients := make([]common.Address, len(rawRecipients))
	amounts := make([]*big.Int, len(rawAmounts))
	for i := range rawRecipients {
		addr, err := parseAddress(rawRecipients[i])
		if err != nil {
			return nil, nil, err
		}
		amount, ok := new(big.Int).SetString(rawAmounts[i], 10)
		if !ok {
			return nil, nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("invalid amount %q", rawAmounts[i]))
		}
		recipients[i] = addr
		amounts[i] = amount
	}
	return recipients, amounts, nil
}

func splitCSV(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func bigArg(args []tools.Value, i int) *big.Int {
	n, _ := tools.Arg(args, i).AsBigInt()
	return n
}
