package guest

import (
	"fmt"
	"strings"
)

// I/O markers guest programs use in place of backend-specific calls. The
// workspace materializer rewrites them to the chosen backend's native I/O.
const (
	IORead   = "zkpipe_io::read();"
	IOCommit = "zkpipe_io::commit"
	IOWrite  = "zkpipe_io::write"
	IOOut    = "zkpipe_io::out();"
)

type scanMode int

const (
	modeCode scanMode = iota
	modeSlash
	modeLineComment
	modeBlockComment
	modeBlockStar
	modeString
	modeChar
)

// ExtractFunctionBodies returns the brace-delimited body of each signature,
// searching the signatures in their order of appearance in src. A signature
// that is missing, repeated, or has an unterminated body is an error.
func ExtractFunctionBodies(src string, signatures []string) ([]string, error) {
	bodies := make([]string, 0, len(signatures))
	searchFrom := 0

	for _, sig := range signatures {
		idx := strings.Index(src[searchFrom:], sig)
		if idx < 0 {
			return nil, fmt.Errorf("function %q not found", sig)
		}
		abs := searchFrom + idx
		if strings.Contains(src[abs+len(sig):], sig) {
			return nil, fmt.Errorf("function %q declared more than once", sig)
		}

		body, err := extractBody(src, abs)
		if err != nil {
			return nil, fmt.Errorf("function %q: %v", sig, err)
		}
		bodies = append(bodies, body)
		searchFrom = abs + len(sig)
	}

	return bodies, nil
}

// extractBody scans from the signature at sigIdx to the matching closing
// brace. Braces inside string literals, char literals and comments do not
// count toward nesting.
func extractBody(src string, sigIdx int) (string, error) {
	rel := strings.IndexByte(src[sigIdx:], '{')
	if rel < 0 {
		return "", fmt.Errorf("no opening brace")
	}
	open := sigIdx + rel

	depth := 1
	mode := modeCode
	escaped := false

	for i := open + 1; i < len(src); i++ {
		ch := src[i]
		switch mode {
		case modeCode:
			switch ch {
			case '/':
				mode = modeSlash
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return strings.TrimSpace(src[open+1 : i]), nil
				}
			case '"':
				mode = modeString
				escaped = false
			case '\'':
				mode = modeChar
				escaped = false
			}
		case modeSlash:
			switch ch {
			case '/':
				mode = modeLineComment
			case '*':
				mode = modeBlockComment
			default:
				mode = modeCode
				i-- // reprocess in code mode
			}
		case modeLineComment:
			if ch == '\n' {
				mode = modeCode
			}
		case modeBlockComment:
			if ch == '*' {
				mode = modeBlockStar
			}
		case modeBlockStar:
			switch ch {
			case '/':
				mode = modeCode
			case '*':
				// still a candidate terminator
			default:
				mode = modeBlockComment
			}
		case modeString:
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '"' {
				mode = modeCode
			}
		case modeChar:
			if escaped {
				escaped = false
			} else if ch == '\\' {
				escaped = true
			} else if ch == '\'' {
				mode = modeCode
			}
		}
	}

	return "", fmt.Errorf("unterminated body")
}

// ExtractImports collects the use and mod declarations of a source file,
// including declarations that span multiple lines.
func ExtractImports(src string) string {
	var b strings.Builder
	lines := strings.Split(src, "\n")

	for i := 0; i < len(lines); i++ {
		trimmed := strings.TrimLeft(lines[i], " \t")
		if !strings.HasPrefix(trimmed, "use ") &&
			!strings.HasPrefix(trimmed, "mod ") &&
			!strings.HasPrefix(trimmed, "pub mod ") {
			continue
		}
		b.WriteString(lines[i])
		b.WriteByte('\n')
		for !strings.Contains(lines[i], ";") && i+1 < len(lines) {
			i++
			b.WriteString(lines[i])
			b.WriteByte('\n')
		}
	}

	return b.String()
}
