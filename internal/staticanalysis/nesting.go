package staticanalysis

import "strings"

// regexStartAfter 这些字符之后的 / 视为正则字面量开头而不是除号
const regexStartAfter = "(,=:[!&|?{};+-*%<>~^"

// nestingDepth 线性扫描括号嵌套深度，超过 limit 后立即返回
// 跳过字符串、注释和正则字面量，模板字符串里的 ${ 计入嵌套
func nestingDepth(text string, limit int) int {
	s := &depthScanner{text: text, limit: limit}
	s.run()
	return s.max
}

type depthScanner struct {
	text  string
	limit int
	stack []byte // ( [ { 或 $（模板插值）
	max   int
}

// push 返回 true 表示已超过上限
func (s *depthScanner) push(b byte) bool {
	s.stack = append(s.stack, b)
	if len(s.stack) > s.max {
		s.max = len(s.stack)
	}
	return s.max > s.limit
}

func (s *depthScanner) pop() byte {
	if len(s.stack) == 0 {
		return 0
	}
	top := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return top
}

func (s *depthScanner) run() {
	text := s.text
	prev := byte(0)
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '"', '\'':
			i = skipQuoted(text, i+1, c)
		case '`':
			var stop bool
			if i, stop = s.template(i + 1); stop {
				return
			}
		case '/':
			switch {
			case i+1 < len(text) && text[i+1] == '/':
				i = skipLine(text, i+2)
				continue
			case i+1 < len(text) && text[i+1] == '*':
				i = skipBlockComment(text, i+2)
				continue
			case prev == 0 || strings.IndexByte(regexStartAfter, prev) >= 0:
				i = skipRegex(text, i+1)
			}
		case '(', '[', '{':
			if s.push(c) {
				return
			}
		case ')', ']':
			s.pop()
		case '}':
			if s.pop() == '$' {
				var stop bool
				if i, stop = s.template(i + 1); stop {
					return
				}
				c = '`'
			}
		}
		prev = c
	}
}

// template 扫描模板字符串直到结束的反引号或 ${，返回停下的位置
func (s *depthScanner) template(i int) (int, bool) {
	text := s.text
	for ; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case '`':
			return i, false
		case '$':
			if i+1 < len(text) && text[i+1] == '{' {
				return i + 1, s.push('$')
			}
		}
	}
	return len(text), false
}

func skipQuoted(text string, i int, quote byte) int {
	for ; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case quote, '\n':
			return i
		}
	}
	return len(text)
}

func skipLine(text string, i int) int {
	if j := strings.IndexByte(text[i:], '\n'); j >= 0 {
		return i + j
	}
	return len(text)
}

func skipBlockComment(text string, i int) int {
	if i > len(text) {
		return len(text)
	}
	if j := strings.Index(text[i:], "*/"); j >= 0 {
		return i + j + 1
	}
	return len(text)
}

func skipRegex(text string, i int) int {
	inClass := false
	for ; i < len(text); i++ {
		switch text[i] {
		case '\\':
			i++
		case '[':
			inClass = true
		case ']':
			inClass = false
		case '/':
			if !inClass {
				return i
			}
		case '\n':
			return i
		}
	}
	return len(text)
}
