package task

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

// ListOptions 是任务列表查询的过滤与分页条件。
type ListOptions struct {
	Limit           int
	Offset          int
	Statuses        []Status
	ExcludeStatuses []Status
	Types           []Type
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 设置返回条数，超过上限时截断。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 跳过前 n 条。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只保留给定状态的任务。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = append(o.Statuses, statuses...) }
}

// WithoutStatuses 排除给定状态的任务。
func WithoutStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.ExcludeStatuses = append(o.ExcludeStatuses, statuses...) }
}

// WithTypes 只保留给定类型的任务。
func WithTypes(types ...Type) ListOption {
	return func(o *ListOptions) { o.Types = append(o.Types, types...) }
}

// Active 排除所有终态任务。
func Active() ListOption {
	return WithoutStatuses(StatusCompleted, StatusCancelled, StatusClosed)
}

// BuildListOptions 依次应用选项并补齐默认值。无效的状态和类型会被丢弃。
func BuildListOptions(opts ...ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	o.Statuses = dedupe(o.Statuses, IsValidStatus)
	o.ExcludeStatuses = dedupe(o.ExcludeStatuses, IsValidStatus)
	o.Types = dedupe(o.Types, func(t Type) bool {
		_, ok := ParseType(string(t), "")
		return ok
	})
	return o
}

func dedupe[T comparable](in []T, valid func(T) bool) []T {
	var out []T
	seen := make(map[T]bool, len(in))
	for _, v := range in {
		if !valid(v) || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
