package compiler

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Transpiler turns alternative-syntax source into native tengo text.
type Transpiler interface {
	Transpile(ctx context.Context, source string) (string, error)
}

// TranspileError is a positioned failure of the indent transpiler.
type TranspileError struct {
	Line   int
	Column int
	Msg    string
}

func (e *TranspileError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Msg)
}

// IndentTranspiler converts the indentation-structured dialect to tengo.
//
// Block headers (if, elif, else, for, while, def) end with a colon and the
// block closes on dedent. `let x = e` declares a variable. Lines starting
// with # are comments. Every input line maps to the same output line, so
// positions reported against the output are valid for the input.
type IndentTranspiler struct{}

var (
	letPattern = regexp.MustCompile(`^let\s+([A-Za-z_][A-Za-z0-9_]*)\s*=\s*`)
	defPattern = regexp.MustCompile(`^def\s+([A-Za-z_][A-Za-z0-9_]*)\s*\((.*)\)\s*:$`)
)

func (IndentTranspiler) Transpile(ctx context.Context, source string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	lines := strings.Split(source, "\n")
	out := make([]string, len(lines))
	stack := []int{0}
	var (
		indentChar   byte
		expectBlock  bool
		headerLineNo int
	)

	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimRight(raw, " \t\r")
		trimmed := strings.TrimLeft(line, " \t")
		if trimmed == "" {
			out[i] = ""
			continue
		}
		indent := line[:len(line)-len(trimmed)]
		for j := 0; j < len(indent); j++ {
			if indentChar == 0 {
				indentChar = indent[j]
			} else if indent[j] != indentChar {
				return "", &TranspileError{Line: lineNo, Column: j + 1, Msg: "inconsistent use of tabs and spaces in indentation"}
			}
		}
		if strings.HasPrefix(trimmed, "#") {
			out[i] = indent + "//" + trimmed[1:]
			continue
		}

		level := len(indent)
		top := stack[len(stack)-1]
		closes := 0
		switch {
		case expectBlock:
			if level <= top {
				return "", &TranspileError{Line: headerLineNo, Column: 1, Msg: "expected an indented block"}
			}
			stack = append(stack, level)
			expectBlock = false
		case level > top:
			return "", &TranspileError{Line: lineNo, Column: level + 1, Msg: "unexpected indent"}
		case level < top:
			for len(stack) > 1 && stack[len(stack)-1] > level {
				stack = stack[:len(stack)-1]
				closes++
			}
			if stack[len(stack)-1] != level {
				return "", &TranspileError{Line: lineNo, Column: level + 1, Msg: "unindent does not match any outer indentation level"}
			}
		}

		continues := trimmed == "else:" || strings.HasPrefix(trimmed, "elif ")
		if continues && closes == 0 {
			return "", &TranspileError{Line: lineNo, Column: level + 1, Msg: "else without a preceding block"}
		}

		stmt, header, err := translateLine(trimmed)
		if err != nil {
			return "", &TranspileError{Line: lineNo, Column: level + 1, Msg: err.Error()}
		}

		prefix := ""
		if closes > 0 {
			prefix = strings.TrimSuffix(strings.Repeat("} ", closes), " ")
			if continues {
				prefix += " "
			} else {
				prefix += "; "
			}
		}
		out[i] = indent + prefix + stmt
		if header {
			expectBlock = true
			headerLineNo = lineNo
		}
	}

	if expectBlock {
		return "", &TranspileError{Line: headerLineNo, Column: 1, Msg: "expected an indented block"}
	}
	if open := len(stack) - 1; open > 0 {
		// a new trailing line keeps every earlier line number intact
		out = append(out, strings.TrimSuffix(strings.Repeat("} ", open), " "))
	}
	return strings.Join(out, "\n"), nil
}

// translateLine converts one statement. header reports whether the line opens a block.
func translateLine(s string) (stmt string, header bool, err error) {
	if m := letPattern.FindStringSubmatch(s); m != nil {
		return m[1] + " := " + s[len(m[0]):], false, nil
	}
	if s == "pass" {
		return "", false, nil
	}
	if !strings.HasSuffix(s, ":") {
		return s, false, nil
	}

	word, rest, _ := strings.Cut(strings.TrimSuffix(s, ":"), " ")
	rest = strings.TrimSpace(rest)
	switch word {
	case "if":
		if rest == "" {
			return "", false, fmt.Errorf("if without condition")
		}
		return "if " + rest + " {", true, nil
	case "elif":
		if rest == "" {
			return "", false, fmt.Errorf("elif without condition")
		}
		return "else if " + rest + " {", true, nil
	case "else":
		return "else {", true, nil
	case "for":
		if rest == "" {
			return "for {", true, nil
		}
		return "for " + rest + " {", true, nil
	case "while":
		if rest == "" {
			return "", false, fmt.Errorf("while without condition")
		}
		return "for " + rest + " {", true, nil
	case "def":
		m := defPattern.FindStringSubmatch(s)
		if m == nil {
			return "", false, fmt.Errorf("malformed function definition")
		}
		return m[1] + " := func(" + strings.TrimSpace(m[2]) + ") {", true, nil
	}
	// not a block header, the tengo parser reports anything invalid
	return s, false, nil
}
