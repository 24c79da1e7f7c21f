package staticanalysis

import (
	"fmt"
	"reflect"

	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"

	"github.com/extension-analysis/extension-analysis-go/internal/analysis"
)

// parseOutcome 解析结果：program 与 err 恰有一个非空
type parseOutcome struct {
	program *ast.Program
	err     *analysis.ParseError
}

func (o parseOutcome) ok() bool {
	return o.err == nil && o.program != nil
}

// parseScript 解析脚本
// 解析器是递归下降实现，栈溢出无法 recover，所以超过语法树上限或嵌套过深的脚本不进入解析器
func parseScript(name, text string) (out parseOutcome) {
	if len(text) > MaxParseSize {
		return parseOutcome{err: &analysis.ParseError{File: name,
			Err: fmt.Errorf("%d bytes exceeds the %d byte syntax tree limit", len(text), MaxParseSize)}}
	}
	if depth := nestingDepth(text, MaxNestingDepth); depth > MaxNestingDepth {
		return parseOutcome{err: &analysis.ParseError{File: name,
			Err: fmt.Errorf("bracket nesting deeper than %d", MaxNestingDepth)}}
	}

	defer func() {
		if r := recover(); r != nil {
			out = parseOutcome{err: &analysis.ParseError{File: name, Err: fmt.Errorf("parser panic: %v", r)}}
		}
	}()
	program, err := parser.ParseFile(nil, name, text, parser.IgnoreRegExpErrors, parser.WithDisableSourceMaps)
	if err != nil {
		return parseOutcome{err: &analysis.ParseError{File: name, Err: err}}
	}
	if program == nil {
		return parseOutcome{err: &analysis.ParseError{File: name, Err: fmt.Errorf("empty program")}}
	}
	return parseOutcome{program: program}
}

var (
	astNodeType = reflect.TypeOf((*ast.Node)(nil)).Elem()
	astPkgPath  = reflect.TypeOf(ast.Program{}).PkgPath()
)

// walk 用显式栈前序遍历语法树，visit 返回 false 时跳过该节点的子树
// DeclarationList 只是变量提升用的重复引用，不遍历
func walk(root ast.Node, visit func(ast.Node) bool) {
	stack := []reflect.Value{reflect.ValueOf(root)}
	for len(stack) > 0 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		for v.Kind() == reflect.Interface && !v.IsNil() {
			v = v.Elem()
		}

		switch v.Kind() {
		case reflect.Ptr:
			if v.IsNil() || v.Elem().Kind() != reflect.Struct || v.Elem().Type().PkgPath() != astPkgPath {
				continue
			}
			if v.Type().Implements(astNodeType) && !visit(v.Interface().(ast.Node)) {
				continue
			}
			stack = pushFields(stack, v.Elem())
		case reflect.Struct:
			if v.Type().PkgPath() == astPkgPath {
				stack = pushFields(stack, v)
			}
		case reflect.Slice:
			for i := v.Len() - 1; i >= 0; i-- {
				stack = append(stack, v.Index(i))
			}
		}
	}
}

func pushFields(stack []reflect.Value, v reflect.Value) []reflect.Value {
	t := v.Type()
	for i := t.NumField() - 1; i >= 0; i-- {
		f := t.Field(i)
		if !f.IsExported() || f.Name == "DeclarationList" {
			continue
		}
		switch f.Type.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Struct:
			stack = append(stack, v.Field(i))
		}
	}
	return stack
}

// walker 遍历语法树，把关注的节点归一化后交给规则表
type walker struct {
	file     string
	lines    *analysis.LineIndex
	findings analysis.FindingSet
	consumed map[ast.Node]bool
}

func newWalker(file, text string, findings analysis.FindingSet) *walker {
	return &walker{
		file:     file,
		lines:    analysis.NewLineIndex(text),
		findings: findings,
		consumed: make(map[ast.Node]bool),
	}
}

func (w *walker) visit(n ast.Node) bool {
	switch x := n.(type) {
	case *ast.CallExpression:
		w.dispatch(&node{kind: kindCall, path: normalizePath(exprPath(x.Callee)), args: x.ArgumentList, offset: offsetOf(x)})
	case *ast.NewExpression:
		w.dispatch(&node{kind: kindNew, path: normalizePath(exprPath(x.Callee)), args: x.ArgumentList, offset: offsetOf(x)})
	case *ast.AssignExpression:
		w.dispatch(&node{kind: kindAssign, path: normalizePath(exprPath(x.Left)), right: x.Right, offset: offsetOf(x)})
	case *ast.DotExpression:
		if !w.consumed[x] {
			w.consumeChain(x.Left)
			w.dispatch(&node{kind: kindMember, path: normalizePath(exprPath(x)), offset: offsetOf(x)})
		}
	case *ast.BracketExpression:
		if !w.consumed[x] {
			w.consumeChain(x.Left)
			w.dispatch(&node{kind: kindMember, path: normalizePath(exprPath(x)), offset: offsetOf(x)})
		}
	case *ast.StringLiteral:
		w.dispatch(&node{kind: kindString, value: x.Value.String(), offset: offsetOf(x)})
	case *ast.TemplateElement:
		w.dispatch(&node{kind: kindString, value: x.Parsed.String(), offset: offsetOf(x)})
	case *ast.DebuggerStatement:
		w.dispatch(&node{kind: kindDebugger, offset: offsetOf(x)})
	}
	return true
}

// consumeChain 标记内层成员访问，避免 a.b.c 被拆成三次匹配
func (w *walker) consumeChain(e ast.Expression) {
	for e != nil {
		switch x := e.(type) {
		case *ast.DotExpression:
			w.consumed[x] = true
			e = x.Left
		case *ast.BracketExpression:
			w.consumed[x] = true
			e = x.Left
		case *ast.Optional:
			e = x.Expression
		case *ast.OptionalChain:
			e = x.Expression
		default:
			return
		}
	}
}

func (w *walker) dispatch(n *node) {
	for _, r := range rulesByKind[n.kind] {
		if !r.match(n) {
			continue
		}
		line, col := w.lines.Position(n.offset)
		w.findings.Add(analysis.Finding{
			Category:    r.category,
			Severity:    r.severity,
			File:        w.file,
			Line:        line,
			Column:      col,
			Description: r.description,
			Match:       w.matchText(n),
		})
	}
}

func (w *walker) matchText(n *node) string {
	switch n.kind {
	case kindString:
		return analysis.Snippet(n.value, 120)
	case kindDebugger:
		return "debugger"
	}
	return n.path
}

// offsetOf 解析器的 Idx 从 1 开始
func offsetOf(n ast.Node) int {
	idx := int(n.Idx0()) - 1
	if idx < 0 {
		return 0
	}
	return idx
}

// scanAST 语法树路径
func scanAST(name, text string, program *ast.Program, findings analysis.FindingSet) (err *analysis.ParseError) {
	defer func() {
		if r := recover(); r != nil {
			err = &analysis.ParseError{File: name, Err: fmt.Errorf("walk panic: %v", r)}
		}
	}()
	walk(program, newWalker(name, text, findings).visit)
	return nil
}
