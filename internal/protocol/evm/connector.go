package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "ToolRelay-Chain/internal/errors"
	"ToolRelay-Chain/internal/protocol"
)

// ProtocolName 是 EVM 连接器在缓存中的名称。
const ProtocolName = "evm"

// Backend 是连接器依赖的链访问能力，ethclient 与模拟链均满足该接口。
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
}

// ChainSnapshot 汇总链的基本信息。
type ChainSnapshot struct {
	Network     string `json:"network"`
	ChainID     string `json:"chainId"`
	BlockNumber string `json:"blockNumber"`
	BaseFee     string `json:"baseFee,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// Balance 是账户余额，单位为 wei。
type Balance struct {
	Address string `json:"address"`
	Wei     string `json:"wei"`
}

// TransactionCount 同时给出已确认与待打包的 nonce。
type TransactionCount struct {
	Address string `json:"address"`
	Latest  uint64 `json:"latest"`
	Pending uint64 `json:"pending"`
}

// GasEstimate 是一次原生币转账的费用估算。
type GasEstimate struct {
	Gas       uint64 `json:"gas"`
	GasTipCap string `json:"gasTipCap"`
	GasFeeCap string `json:"gasFeeCap"`
	MaxCost   string `json:"maxCostWei"`
}

// Transfer 是已广播的转账。
type Transfer struct {
	Hash  string `json:"hash"`
	From  string `json:"from"`
	To    string `json:"to"`
	Value string `json:"value"`
	Nonce uint64 `json:"nonce"`
}

// Option 定义连接器的可选配置。
type Option func(*Connector)

// WithBackend 使用现成的链后端，不再拨号。后端的生命周期由调用方管理。
func WithBackend(backend Backend) Option {
	return func(c *Connector) {
		c.eth = backend
		c.external = backend != nil
	}
}

// WithCommit 在交易发送后调用，用于模拟链出块。
func WithCommit(commit func()) Option {
	return func(c *Connector) {
		c.commit = commit
	}
}

// Connector 实现 EVM 链上的查询与转账。
type Connector struct {
	protocol.Lifecycle
	def      ChainDefinition
	key      *ecdsa.PrivateKey
	from     common.Address
	mu       sync.Mutex
	rpc      *gethrpc.Client
	batch    *gethrpc.Client
	eth      Backend
	external bool
	commit   func()
	chainID  *big.Int
}

// New 创建尚未连接的 EVM 连接器。accountKey 为空时只能执行只读操作。
func New(def ChainDefinition, accountKey string, opts ...Option) (*Connector, error) {
	c := &Connector{Lifecycle: protocol.Lifecycle{Name: "EVM"}, def: def}
	if key := strings.TrimPrefix(strings.TrimSpace(accountKey), "0x"); key != "" {
		priv, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid account key")
		}
		c.key = priv
		c.from = crypto.PubkeyToAddress(priv.PublicKey)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Protocol 实现 protocol.Connector。
func (c *Connector) Protocol() string { return ProtocolName }

// Initialize 拨号 RPC 端点并读取链 ID。
func (c *Connector) Initialize(ctx context.Context) error {
	if c.Ready() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.eth == nil {
		rpcURL := strings.TrimSpace(c.def.RPCURL)
		if rpcURL == "" {
			return protocol.InitError("EVM", xerrors.New(xerrors.CodeInvalidArgument, "未配置 RPC 地址"))
		}
		rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
		if err != nil {
			return protocol.InitError("EVM", err)
		}
		c.rpc = rpcClient
		c.batch = rpcClient
		if batchURL := strings.TrimSpace(c.def.BatchRPCURL); batchURL != "" && batchURL != rpcURL {
			batchClient, err := gethrpc.DialContext(ctx, batchURL)
			if err != nil {
				c.closeLocked()
				return protocol.InitError("EVM", err)
			}
			c.batch = batchClient
		}
		c.eth = ethclient.NewClient(rpcClient)
	}

	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		c.closeLocked()
		return protocol.InitError("EVM", err)
	}
	if c.def.ChainID != 0 && chainID.Cmp(big.NewInt(c.def.ChainID)) != 0 {
		c.closeLocked()
		return protocol.InitError("EVM", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("chain id mismatch: expected %d, got %s", c.def.ChainID, chainID)))
	}
	c.chainID = chainID
	c.MarkReady()
	return nil
}

// Account 返回签名账户地址，未配置私钥时为零地址。
func (c *Connector) Account() common.Address { return c.from }

// Snapshot 读取链 ID、最新高度与基础费用。
func (c *Connector) Snapshot(ctx context.Context) protocol.Response[ChainSnapshot] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[ChainSnapshot]("", err)
	}
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return protocol.Fail[ChainSnapshot]("Failed to fetch chain snapshot", err)
	}
	snapshot := ChainSnapshot{
		Network:     c.def.Name,
		ChainID:     toHexBig(c.chainID),
		BlockNumber: hexutil.EncodeUint64(header.Number.Uint64()),
		Notes:       c.def.Description,
	}
	if header.BaseFee != nil {
		snapshot.BaseFee = header.BaseFee.String()
	}
	return protocol.OK(snapshot)
}

// Balance 查询账户余额。
func (c *Connector) Balance(ctx context.Context, address common.Address) protocol.Response[Balance] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[Balance]("", err)
	}
	wei, err := c.eth.BalanceAt(ctx, address, nil)
	if err != nil {
		return protocol.Fail[Balance]("Failed to get balance", err)
	}
	return protocol.OK(Balance{Address: address.Hex(), Wei: wei.String()})
}

// TransactionCount 查询账户的 nonce。
func (c *Connector) TransactionCount(ctx context.Context, address common.Address) protocol.Response[TransactionCount] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[TransactionCount]("", err)
	}
	latest, err := c.eth.NonceAt(ctx, address, nil)
	if err != nil {
		return protocol.Fail[TransactionCount]("Failed to get transaction count", err)
	}
	pending, err := c.eth.PendingNonceAt(ctx, address)
	if err != nil {
		return protocol.Fail[TransactionCount]("Failed to get transaction count", err)
	}
	return protocol.OK(TransactionCount{Address: address.Hex(), Latest: latest, Pending: pending})
}

// EstimateTransfer 估算原生币转账的 gas 与费用上限。
func (c *Connector) EstimateTransfer(ctx context.Context, from, to common.Address, amount *big.Int) protocol.Response[GasEstimate] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[GasEstimate]("", err)
	}
	gas, tip, feeCap, err := c.quote(ctx, from, to, amount)
	if err != nil {
		return protocol.Fail[GasEstimate]("Failed to estimate gas", err)
	}
	maxCost := new(big.Int).Mul(feeCap, new(big.Int).SetUint64(gas))
	return protocol.OK(GasEstimate{
		Gas:       gas,
		GasTipCap: tip.String(),
		GasFeeCap: feeCap.String(),
		MaxCost:   maxCost.String(),
	})
}

// TransferNative 签名并广播一笔原生币转账。
func (c *Connector) TransferNative(ctx context.Context, to common.Address, amount *big.Int) protocol.Response[Transfer] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[Transfer]("", err)
	}
	transfers, err := c.transfer(ctx, []common.Address{to}, []*big.Int{amount})
	if err != nil {
		return protocol.Fail[Transfer]("Failed to transfer", err)
	}
	return protocol.OK(transfers[0])
}

// BatchTransfer 以连续 nonce 签名多笔转账，并通过批量 RPC 一次广播。
func (c *Connector) BatchTransfer(ctx context.Context, recipients []common.Address, amounts []*big.Int) protocol.Response[[]Transfer] {
	if err := c.Guard(); err != nil {
		return protocol.Fail[[]Transfer]("", err)
	}
	if len(recipients) == 0 || len(recipients) != len(amounts) {
		return protocol.Fail[[]Transfer]("Failed to send batch transfer", xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("recipients and amounts must be non-empty and equal in length, got %d and %d", len(recipients), len(amounts))))
	}
	transfers, err := c.transfer(ctx, recipients, amounts)
	if err != nil {
		return protocol.Fail[[]Transfer]("Failed to send batch transfer", err)
	}
	return protocol.OK(transfers)
}

func (c *Connector) transfer(ctx context.Context, recipients []common.Address, amounts []*big.Int) ([]Transfer, error) {
	if c.key == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "account key is required to sign transactions")
	}
	for i, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("amount %d must be positive", i))
		}
	}

	nonce, err := c.eth.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "获取 nonce 失败")
	}
	signer := coretypes.LatestSignerForChainID(c.chainID)
	txs := make([]*coretypes.Transaction, 0, len(recipients))
	transfers := make([]Transfer, 0, len(recipients))
	for i, to := range recipients {
		gas, tip, feeCap, err := c.quote(ctx, c.from, to, amounts[i])
		if err != nil {
			return nil, err
		}
		recipient := to
		tx, err := coretypes.SignNewTx(c.key, signer, &coretypes.DynamicFeeTx{
			ChainID:   c.chainID,
			Nonce:     nonce + uint64(i),
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &recipient,
			Value:     amounts[i],
		})
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "签名交易失败")
		}
		txs = append(txs, tx)
		transfers = append(transfers, Transfer{
			From:  c.from.Hex(),
			To:    to.Hex(),
			Value: amounts[i].String(),
			Nonce: tx.Nonce(),
		})
	}

	hashes, err := c.SendBatch(ctx, txs)
	if err != nil {
		return nil, err
	}
	for i := range transfers {
		transfers[i].Hash = hashes[i].Hex()
	}
	return transfers, nil
}

// SendBatch 广播已签名的交易。配置了 RPC 时使用一次批量调用，否则逐笔发送。
func (c *Connector) SendBatch(ctx context.Context, txs []*coretypes.Transaction) ([]common.Hash, error) {
	if len(txs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有可发送的交易")
	}
	c.mu.Lock()
	batch := c.batch
	c.mu.Unlock()

	if batch == nil {
		hashes := make([]common.Hash, 0, len(txs))
		for i, tx := range txs {
			if err := c.eth.SendTransaction(ctx, tx); err != nil {
				return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, fmt.Sprintf("交易 %d 发送失败", i))
			}
			hashes = append(hashes, tx.Hash())
		}
		if c.commit != nil {
			c.commit()
		}
		return hashes, nil
	}

	hashes := make([]common.Hash, len(txs))
	elems := make([]gethrpc.BatchElem, len(txs))
	for i, tx := range txs {
		raw, err := tx.MarshalBinary()
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "序列化交易失败")
		}
		elems[i] = gethrpc.BatchElem{
			Method: "eth_sendRawTransaction",
			Args:   []any{hexutil.Encode(raw)},
			Result: &hashes[i],
		}
	}
	if err := batch.BatchCallContext(ctx, elems); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "批量发送交易失败")
	}
	for i := range elems {
		if elems[i].Error != nil {
			return nil, xerrors.Wrap(xerrors.CodeProtocolFailure, elems[i].Error, fmt.Sprintf("交易 %d 发送失败", i))
		}
	}
	return hashes, nil
}

func (c *Connector) quote(ctx context.Context, from, to common.Address, amount *big.Int) (uint64, *big.Int, *big.Int, error) {
	recipient := to
	gas, err := c.eth.EstimateGas(ctx, gethcore.CallMsg{From: from, To: &recipient, Value: amount})
	if err != nil {
		return 0, nil, nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "估算 gas 失败")
	}
	tip, err := c.eth.SuggestGasTipCap(ctx)
	if err != nil {
		return 0, nil, nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "获取小费建议失败")
	}
	head, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, nil, nil, xerrors.Wrap(xerrors.CodeProtocolFailure, err, "获取最新区块失败")
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return gas, tip, feeCap, nil
}

// Close 关闭拨号得到的 RPC 连接。
func (c *Connector) Close() error {
	c.MarkClosed()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Connector) closeLocked() {
	if c.batch != nil && c.batch != c.rpc {
		c.batch.Close()
	}
	if c.rpc != nil {
		c.rpc.Close()
	}
	c.batch = nil
	c.rpc = nil
	if !c.external {
		c.eth = nil
	}
}

func toHexBig(n *big.Int) string {
	if n == nil {
		return "0x0"
	}
	return "0x" + n.Text(16)
}
