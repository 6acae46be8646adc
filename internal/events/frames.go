package events

import "strings"

// programDataLines returns the base64 payloads of every "Program data: ..."
// log line whose immediately enclosing "Program <addr> invoke [n]" frame
// matches programAddress. Log messages form nested frames delimited by
// "Program <addr> invoke [n]" ... "Program <addr> success"/"failed"; only
// the innermost currently-open frame owns a given data line.
func programDataLines(logMessages []string, programAddress string) []string {
	var stack []string
	var out []string

	for _, line := range logMessages {
		switch {
		case strings.HasPrefix(line, "Program data: "):
			if len(stack) > 0 && stack[len(stack)-1] == programAddress {
				out = append(out, strings.TrimPrefix(line, "Program data: "))
			}
		case strings.HasPrefix(line, "Program ") && strings.Contains(line, " invoke ["):
			addr := strings.TrimPrefix(line, "Program ")
			if idx := strings.Index(addr, " invoke ["); idx >= 0 {
				addr = addr[:idx]
			}
			stack = append(stack, addr)
		case strings.HasPrefix(line, "Program ") && (strings.HasSuffix(line, " success") || strings.Contains(line, " failed")):
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}

	return out
}
