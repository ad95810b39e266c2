package exchange

import (
	"context"
	"encoding/json"
	"time"

	"ToolRelay-Chain/internal/protocol"
)

// ProtocolName 是交易所连接器在缓存中的名称。
const ProtocolName = "exchange"

// Side 表示买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// MarketData 是单个交易对的行情快照。
type MarketData struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Volume    float64 `json:"volume"`
	Timestamp int64   `json:"timestamp"`
}

// TradeRequest 描述一笔限价单。
type TradeRequest struct {
	Symbol   string
	Quantity float64
	Price    float64
	Side     Side
}

// OrderStatus 保留交易所返回的原始订单信息。
type OrderStatus = json.RawMessage

// Venue 抽象交易所后端。
type Venue interface {
	Connect(ctx context.Context) error
	Markets(ctx context.Context) ([]MarketData, error)
	PlaceOrder(ctx context.Context, req TradeRequest) (string, error)
	Order(ctx context.Context, orderID string) (OrderStatus, error)
	Close() error
}

// VenueFactory 根据网络与凭证创建交易所后端。
type VenueFactory func(cfg protocol.Config) (Venue, error)

var now = time.Now
