package httpapi

import (
	"crypto/ecdsa"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "ToolRelay-Chain/internal/errors"
)

// Signer 使用 secp256k1 私钥为网关请求签名。
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// NewSigner 解析十六进制私钥（可带 0x 前缀）。
func NewSigner(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "account key is empty")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "invalid account key")
	}
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}, nil
}

// Address 返回签名者地址。
func (s *Signer) Address() common.Address { return s.address }

// Sign 对请求摘要签名，返回 0x 开头的 65 字节签名。
func (s *Signer) Sign(method, path string, timestamp int64, body []byte) (string, error) {
	sig, err := crypto.Sign(Digest(method, path, timestamp, body), s.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "sign request")
	}
	return hexutil.Encode(sig), nil
}

// Digest 计算请求的 keccak256 摘要，服务端以相同方式验签。
func Digest(method, path string, timestamp int64, body []byte) []byte {
	header := strings.ToUpper(method) + "\n" + path + "\n" + strconv.FormatInt(timestamp, 10) + "\n"
	return crypto.Keccak256([]byte(header), body)
}

// RecoverAddress 根据摘要与签名恢复签名者地址。
func RecoverAddress(digest []byte, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(*pub), nil
}
