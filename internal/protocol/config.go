package protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// 已知的网络名称。
const (
	NetworkMainnet = "mainnet"
	NetworkTestnet = "testnet"
)

// Config 描述创建连接器所需的网络与凭证。
type Config struct {
	Network    string
	AccountKey string
	Options    map[string]string
}

// NormalizedNetwork 返回小写的网络名，缺省为 mainnet。
func (c Config) NormalizedNetwork() string {
	network := strings.ToLower(strings.TrimSpace(c.Network))
	if network == "" {
		return NetworkMainnet
	}
	return network
}

// CredentialID 返回凭证的指纹，避免在缓存键和日志中出现明文私钥。
func (c Config) CredentialID() string {
	key := strings.TrimSpace(c.AccountKey)
	if key == "" {
		return "anonymous"
	}
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}

// Option 读取附加配置项。
func (c Config) Option(name string) string {
	if c.Options == nil {
		return ""
	}
	return c.Options[name]
}
