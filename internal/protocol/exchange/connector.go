package exchange

import (
	"context"
	"strings"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
)

// Connector 把 Venue 包装为可缓存的协议连接器。
type Connector struct {
	protocol.Lifecycle
	venue Venue
}

// New 创建尚未初始化的连接器。
func New(cfg protocol.Config, factory VenueFactory) (*Connector, error) {
	if factory == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "exchange venue factory is nil")
	}
	venue, err := factory(cfg)
	if err != nil {
		return nil, protocol.InitError("Exchange", err)
	}
	return &Connector{Lifecycle: protocol.Lifecycle{Name: "Exchange"}, venue: venue}, nil
}

// Protocol 实现 protocol.Connector。
func (c *Connector) Protocol() string { return ProtocolName }

// Initialize 完成交易所登录。
func (c *Connector) Initialize(ctx context.Context) error {
	if c.Ready() {
		return nil
	}
	if err := c.venue.Connect(ctx); err != nil {
		return protocol.InitError("Exchange", err)
	}
	c.MarkReady()
	return nil
}

// GetExchangeInfo 返回全部交易对的行情。
func (c *Connector) GetExchangeInfo(ctx context.Context) protocol.Response[[]MarketData] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[[]MarketData]("", err)
	}
	markets, err := c.venue.Markets(ctx)
	if err != nil {
		return protocol.Fail[[]MarketData]("Failed to fetch exchange info", err)
	}
	return protocol.OK(markets)
}

// ExecuteTrade 下限价单并返回订单号。
func (c *Connector) ExecuteTrade(ctx context.Context, req TradeRequest) protocol.Response[string] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[string]("", err)
	}
	orderID, err := c.venue.PlaceOrder(ctx, req)
	if err != nil {
		return protocol.Fail[string]("Failed to execute trade", err)
	}
	return protocol.OK(orderID)
}

// GetOrderStatus 查询订单状态。
func (c *Connector) GetOrderStatus(ctx context.Context, orderID string) protocol.Response[OrderStatus] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[OrderStatus]("", err)
	}
	status, err := c.venue.Order(ctx, orderID)
	if err != nil {
		return protocol.Fail[OrderStatus]("Failed to get order status", err)
	}
	return protocol.OK(status)
}

// Close 释放后端资源。
func (c *Connector) Close() error {
	c.MarkClosed()
	return c.venue.Close()
}

// ParseSide 解析买卖方向，大小写不敏感。
func ParseSide(raw string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", xerrors.New(xerrors.CodeInvalidArgument, "Invalid side: must be BUY or SELL")
}
