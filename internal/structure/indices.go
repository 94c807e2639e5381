package structure

import "fmt"

// Indices は祖先のインデックス値を積んだ不変スタック。
// Push は新しい値を返し、元のスタックは変更しない。
type Indices struct {
	values []any
}

// NewIndices は空のスタックを返す。
func NewIndices() Indices {
	return Indices{}
}

// Push は v を積んだ新しいスタックを返す。
func (s Indices) Push(v any) Indices {
	values := make([]any, len(s.values)+1)
	copy(values, s.values)
	values[len(s.values)] = v
	return Indices{values: values}
}

// Pop は先頭を取り除いたスタックを返す。空の場合はそのまま返す。
func (s Indices) Pop() Indices {
	if len(s.values) == 0 {
		return s
	}
	return Indices{values: s.values[:len(s.values)-1]}
}

// Peek は先頭の値を返す。
func (s Indices) Peek() (any, bool) {
	if len(s.values) == 0 {
		return nil, false
	}
	return s.values[len(s.values)-1], true
}

// Len はスタックの深さを返す。
func (s Indices) Len() int {
	return len(s.values)
}

// IndexAt は先頭から depth 番目（0 が直近の祖先）の値を T として取り出す。
func IndexAt[T any](s Indices, depth int) (T, error) {
	var zero T
	pos := len(s.values) - 1 - depth
	if depth < 0 || pos < 0 {
		return zero, fmt.Errorf("%w: no index at depth %d", ErrIndexType, depth)
	}
	v, ok := s.values[pos].(T)
	if !ok {
		return zero, fmt.Errorf("%w: depth %d holds %T, want %T", ErrIndexType, depth, s.values[pos], zero)
	}
	return v, nil
}
