package protocol

import (
	"fmt"
	"sync/atomic"

	xerrors "ToolRelay-Chain/internal/errors"
)

// Lifecycle 记录连接器是否完成初始化，供连接器内嵌使用。
// Name 用于错误提示，例如 "Lending"。
type Lifecycle struct {
	Name  string
	ready atomic.Bool
}

// MarkReady 标记初始化完成。
func (l *Lifecycle) MarkReady() { l.ready.Store(true) }

// MarkClosed 标记连接器已关闭，之后的操作会返回未初始化错误。
func (l *Lifecycle) MarkClosed() { l.ready.Store(false) }

// Ready 报告是否已初始化。
func (l *Lifecycle) Ready() bool { return l.ready.Load() }

// Guard 在未初始化时返回 NOT_INITIALIZED 错误。
func (l *Lifecycle) Guard() error {
	if l.ready.Load() {
		return nil
	}
	return xerrors.New(xerrors.CodeNotInitialized,
		fmt.Sprintf("%s client not initialized. Call initialize() first", l.Name))
}

// InitError 包装初始化阶段的失败。
func InitError(displayName string, cause error) error {
	return xerrors.Wrap(xerrors.CodeInitializationFailure, cause,
		fmt.Sprintf("Failed to initialize %s client", displayName))
}
