package evm

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	xerrors "ToolRelay-Chain/internal/errors"
)

// ChainDefinitions 对应 configs/chains.yaml 的结构，键为网络名。
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition 描述单条链的访问端点。
type ChainDefinition struct {
	Name        string `yaml:"-"`
	RPCURL      string `yaml:"rpc_url"`
	BatchRPCURL string `yaml:"batch_rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions 读取链配置文件，路径为空时返回空配置。
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "读取链配置失败")
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions 解析 YAML 格式的链配置。
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析链配置失败")
	}
	normalized := make(map[string]ChainDefinition, len(defs.Chains))
	for name, def := range defs.Chains {
		key := strings.ToLower(strings.TrimSpace(name))
		if strings.TrimSpace(def.RPCURL) == "" {
			return ChainDefinitions{}, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("链 %s 缺少 rpc_url", name))
		}
		def.Name = key
		normalized[key] = def
	}
	defs.Chains = normalized
	return defs, nil
}

// Resolve 返回网络对应的链定义。
func (d ChainDefinitions) Resolve(network string) (ChainDefinition, error) {
	key := strings.ToLower(strings.TrimSpace(network))
	def, ok := d.Chains[key]
	if !ok {
		return ChainDefinition{}, xerrors.New(xerrors.CodeInvalidArgument,
			fmt.Sprintf("network %s is not configured, known networks: %s", network, strings.Join(d.Names(), ", ")))
	}
	return def, nil
}

// Names 返回已配置的网络名，按字典序排列。
func (d ChainDefinitions) Names() []string {
	names := make([]string, 0, len(d.Chains))
	for name := range d.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
