package lending

import (
	"context"
	"fmt"
	"math/big"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
)

// Connector 把 Market 包装为可缓存的协议连接器。
type Connector struct {
	protocol.Lifecycle
	cfg    protocol.Config
	market Market
}

// New 创建尚未初始化的连接器。
func New(cfg protocol.Config, factory MarketFactory) (*Connector, error) {
	if factory == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "lending market factory is nil")
	}
	market, err := factory(cfg)
	if err != nil {
		return nil, protocol.InitError("Lending", err)
	}
	return &Connector{Lifecycle: protocol.Lifecycle{Name: "Lending"}, cfg: cfg, market: market}, nil
}

// Protocol 实现 protocol.Connector。
func (c *Connector) Protocol() string { return ProtocolName }

// Initialize 连接市场后端，重复调用无副作用。
func (c *Connector) Initialize(ctx context.Context) error {
	if c.Ready() {
		return nil
	}
	if err := c.market.Connect(ctx); err != nil {
		return protocol.InitError("Lending", err)
	}
	c.MarkReady()
	return nil
}

// GetLendingRates 查询全部资产池的利率。
func (c *Connector) GetLendingRates(ctx context.Context) protocol.Response[[]Reserve] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[[]Reserve]("", err)
	}
	reserves, err := c.market.Reserves(ctx)
	if err != nil {
		return protocol.Fail[[]Reserve]("Failed to fetch lending rates", err)
	}
	return protocol.OK(reserves)
}

// Lend 存入资产，成功时返回交易摘要。
func (c *Connector) Lend(ctx context.Context, req DepositRequest) protocol.Response[string] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[string]("", err)
	}
	if err := checkAmount(req.Amount); err != nil {
		return protocol.Fail[string]("Failed to lend tokens", err)
	}
	digest, err := c.market.Deposit(ctx, req)
	if err != nil {
		return protocol.Fail[string]("Failed to lend tokens", err)
	}
	return protocol.OK(digest)
}

// Borrow 借出资产并发送到钱包地址，成功时返回交易摘要。
func (c *Connector) Borrow(ctx context.Context, req BorrowRequest) protocol.Response[string] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[string]("", err)
	}
	if err := checkAmount(req.Amount); err != nil {
		return protocol.Fail[string]("Failed to borrow tokens", err)
	}
	digest, err := c.market.Borrow(ctx, req)
	if err != nil {
		return protocol.Fail[string]("Failed to borrow tokens", err)
	}
	return protocol.OK(digest)
}

// Close 释放后端资源。
func (c *Connector) Close() error {
	c.MarkClosed()
	return c.market.Close()
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("amount must be positive, got %v", amount))
	}
	return nil
}
