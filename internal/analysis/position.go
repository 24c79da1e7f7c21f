package analysis

import "sort"

// LineIndex 换行位置索引，用于大文本的偏移到行列换算
type LineIndex struct {
	starts []int
	size   int
}

// NewLineIndex 构建索引
func NewLineIndex(text string) *LineIndex {
	starts := []int{0}
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			starts = append(starts, i+1)
		}
	}
	return &LineIndex{starts: starts, size: len(text)}
}

// Position 偏移对应的 1-based 行列号，越界返回 0,0
func (li *LineIndex) Position(offset int) (int, int) {
	if offset < 0 || offset > li.size {
		return 0, 0
	}
	line := sort.Search(len(li.starts), func(i int) bool { return li.starts[i] > offset }) - 1
	return line + 1, offset - li.starts[line] + 1
}

// Lines 行数
func (li *LineIndex) Lines() int {
	return len(li.starts)
}
