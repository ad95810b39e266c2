package task

import (
	"slices"
	"strings"
	"time"
)

const (
	// DefaultListLimit 是未指定 limit 时单页返回的任务数。
	DefaultListLimit = 20
	// MaxListLimit 是单页任务数的上限。
	MaxListLimit = 100
)

// SortOrder 决定任务列表按更新时间的排列方向。
type SortOrder int

const (
	// NewestFirst 最近更新的任务排在前面。
	NewestFirst SortOrder = iota
	// OldestFirst 最早更新的任务排在前面，适合按时间顺序回放。
	OldestFirst
)

// ListOptions 是存储层实际使用的过滤条件。时间边界以 Unix 秒表示，0 表示不限。
type ListOptions struct {
	Limit       int
	Offset      int
	Statuses    []Status
	Tools       []string
	UpdatedFrom int64
	UpdatedTo   int64
	HasResult   *bool
	Order       SortOrder
	Query       string
}

func (opts *ListOptions) applyDefaults() {
	switch {
	case opts.Limit <= 0:
		opts.Limit = DefaultListLimit
	case opts.Limit > MaxListLimit:
		opts.Limit = MaxListLimit
	}
	opts.Offset = max(opts.Offset, 0)
	opts.Statuses = normalizeStatuses(opts.Statuses)
	opts.Tools = normalizeTools(opts.Tools)
	if opts.Order != OldestFirst {
		opts.Order = NewestFirst
	}
	opts.Query = strings.TrimSpace(opts.Query)
}

// ListOption 修改任务列表的查询条件。
type ListOption func(*ListOptions)

// WithLimit 设置单页大小，越界值会被收敛到 [1, MaxListLimit]。
func WithLimit(limit int) ListOption {
	return func(opts *ListOptions) { opts.Limit = limit }
}

// WithOffset 跳过前 offset 个匹配的任务。
func WithOffset(offset int) ListOption {
	return func(opts *ListOptions) { opts.Offset = offset }
}

// WithStatuses 只返回处于给定状态的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(opts *ListOptions) {
		opts.Statuses = append([]Status(nil), statuses...)
	}
}

// WithTools 只返回调用给定工具的任务，工具名不区分大小写。
func WithTools(names ...string) ListOption {
	return func(opts *ListOptions) {
		opts.Tools = append([]string(nil), names...)
	}
}

// WithUpdatedSince 只返回在 ts 及之后更新过的任务。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedFrom = unixOrZero(ts) }
}

// WithUpdatedUntil 只返回在 ts 及之前最后更新的任务。
func WithUpdatedUntil(ts time.Time) ListOption {
	return func(opts *ListOptions) { opts.UpdatedTo = unixOrZero(ts) }
}

// WithResultPresence 按是否已有结构化结果过滤。
func WithResultPresence(hasResult bool) ListOption {
	return func(opts *ListOptions) { opts.HasResult = &hasResult }
}

// WithSortOrder 设置排列方向。
func WithSortOrder(order SortOrder) ListOption {
	return func(opts *ListOptions) { opts.Order = order }
}

// WithQuery 在任务 ID、查询文本、工具名、最近错误与结果中做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(opts *ListOptions) { opts.Query = query }
}

func buildListOptions(opts []ListOption) ListOptions {
	var options ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}
	options.applyDefaults()
	return options
}

func unixOrZero(ts time.Time) int64 {
	if ts.IsZero() {
		return 0
	}
	return ts.Unix()
}

func normalizeStatuses(input []Status) []Status {
	var out []Status
	for _, status := range input {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}

func normalizeTools(input []string) []string {
	var out []string
	for _, name := range input {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || slices.Contains(out, name) {
			continue
		}
		out = append(out, name)
	}
	return out
}
