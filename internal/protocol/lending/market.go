package lending

import (
	"context"
	"math/big"

	"ToolRelay-Chain/internal/protocol"
)

// ProtocolName 是借贷连接器在缓存中的名称。
const ProtocolName = "lending"

// Reserve 描述某个资产池的利率情况。SupplyRate 与 BorrowRate 为年化收益率，Utilization 为资金利用率。
type Reserve struct {
	Asset       string  `json:"asset"`
	SupplyRate  float64 `json:"supplyRate"`
	BorrowRate  float64 `json:"borrowRate"`
	Utilization float64 `json:"utilization"`
}

// DepositRequest 描述一次存入操作。
type DepositRequest struct {
	WalletAddress string
	Asset         string
	Amount        *big.Int
}

// BorrowRequest 描述一次借出操作。
type BorrowRequest struct {
	WalletAddress        string
	ObligationOwnerCapID string
	ObligationID         string
	Asset                string
	Amount               *big.Int
}

// Market 抽象借贷市场后端。Deposit 与 Borrow 返回交易摘要。
type Market interface {
	Connect(ctx context.Context) error
	Reserves(ctx context.Context) ([]Reserve, error)
	Deposit(ctx context.Context, req DepositRequest) (string, error)
	Borrow(ctx context.Context, req BorrowRequest) (string, error)
	Close() error
}

// MarketFactory 根据网络与凭证创建市场后端。
type MarketFactory func(cfg protocol.Config) (Market, error)
