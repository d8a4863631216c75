package content

import (
	"strconv"
	"strings"
)

// wordGapThreshold is the TJ displacement, in thousandths of text space,
// below which the gap between two string fragments reads as a word break.
const wordGapThreshold = -100

// contentToText recovers the text-showing operands from a raw PDF content
// stream. Literal strings feeding the Tj, TJ, ' and " operators hold the
// page text in reading order for most born-digital PDFs. Hex strings are
// dropped: without the font's CMap they decode to glyph indexes, not
// characters.
func contentToText(content []byte) string {
	var out strings.Builder
	var pending []string
	inArray := false

	flush := func(sep string) {
		if len(pending) == 0 {
			return
		}
		run := strings.Join(pending, "")
		pending = pending[:0]
		if strings.TrimSpace(run) == "" {
			return
		}
		out.WriteString(run)
		out.WriteString(sep)
	}

	i := 0
	for i < len(content) {
		switch c := content[i]; {
		case c == '(':
			s, next := parseLiteralString(content, i+1)
			pending = append(pending, s)
			i = next
		case c == '<':
			i = skipAngle(content, i+1)
		case c == '%':
			i = skipComment(content, i)
		case c == '[':
			inArray = true
			i++
		case c == ']':
			inArray = false
			i++
		case isPDFSpace(c):
			i++
		default:
			tok, next := readToken(content, i)
			i = next
			switch tok {
			case "Tj", "'", `"`, "TJ":
				flush(" ")
			case "":
				// lone delimiter, already skipped
			default:
				if value, err := strconv.ParseFloat(tok, 64); err == nil {
					// TJ kern values wide enough to read as word
					// breaks become spaces
					if inArray && len(pending) > 0 && value <= wordGapThreshold {
						pending = append(pending, " ")
					}
				} else if tok[0] != '/' {
					// some other operator consumed the strings we
					// buffered; they were not page text
					pending = pending[:0]
				}
			}
		}
	}
	flush("")

	return out.String()
}

// parseLiteralString decodes a PDF literal string starting just past the
// opening parenthesis. Returns the decoded text and the index after the
// closing parenthesis.
func parseLiteralString(content []byte, i int) (string, int) {
	var sb strings.Builder
	depth := 1

	for i < len(content) {
		c := content[i]
		switch c {
		case '\\':
			if i+1 >= len(content) {
				return sb.String(), i + 1
			}
			i++
			switch esc := content[i]; esc {
			case 'n':
				sb.WriteByte('\n')
			case 'r':
				sb.WriteByte('\r')
			case 't':
				sb.WriteByte('\t')
			case 'b', 'f':
				// backspace and form feed never read as page text
			case '\n':
				// line continuation
			case '\r':
				if i+1 < len(content) && content[i+1] == '\n' {
					i++
				}
			default:
				if esc >= '0' && esc <= '7' {
					code := int(esc - '0')
					for n := 0; n < 2 && i+1 < len(content) && content[i+1] >= '0' && content[i+1] <= '7'; n++ {
						i++
						code = code*8 + int(content[i]-'0')
					}
					sb.WriteByte(byte(code))
				} else {
					sb.WriteByte(esc)
				}
			}
			i++
		case '(':
			depth++
			sb.WriteByte(c)
			i++
		case ')':
			depth--
			if depth == 0 {
				return sb.String(), i + 1
			}
			sb.WriteByte(c)
			i++
		default:
			sb.WriteByte(c)
			i++
		}
	}

	return sb.String(), i
}

// skipAngle skips a hex string or dictionary starting just past the opening
// angle bracket.
func skipAngle(content []byte, i int) int {
	if i < len(content) && content[i] == '<' {
		depth := 1
		i++
		for i < len(content) && depth > 0 {
			if content[i] == '<' && i+1 < len(content) && content[i+1] == '<' {
				depth++
				i += 2
				continue
			}
			if content[i] == '>' && i+1 < len(content) && content[i+1] == '>' {
				depth--
				i += 2
				continue
			}
			i++
		}
		return i
	}

	for i < len(content) && content[i] != '>' {
		i++
	}
	return i + 1
}

// skipComment skips from a % marker to the end of the line.
func skipComment(content []byte, i int) int {
	for i < len(content) && content[i] != '\n' && content[i] != '\r' {
		i++
	}
	return i
}

// readToken reads an operator, number or name token starting at i.
func readToken(content []byte, i int) (string, int) {
	start := i
	if content[i] == '/' {
		i++
	}
	for i < len(content) && !isPDFSpace(content[i]) && !isPDFDelim(content[i]) {
		i++
	}
	if i == start {
		return "", i + 1
	}
	return string(content[start:i]), i
}

func isPDFSpace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}

func isPDFDelim(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}
