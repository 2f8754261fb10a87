package filter

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// celErrorRegex extracts position information from CEL compilation errors.
	celErrorRegex = regexp.MustCompile(`ERROR:\s+<input>:(\d+):(\d+):\s+(.+)`)
)

// extractErrorPosition parses CEL error messages to locate the error position.
// Returns (0, 0) if position information is not available.
func extractErrorPosition(err error) (line, column int) {
	if err == nil {
		return 0, 0
	}

	matches := celErrorRegex.FindStringSubmatch(err.Error())
	if len(matches) >= 4 {
		if l, parseErr := strconv.Atoi(matches[1]); parseErr == nil {
			line = l
		}
		if c, parseErr := strconv.Atoi(matches[2]); parseErr == nil {
			column = c
		}
	}
	return line, column
}

// formatFilterError turns a CEL error into a one-line message with the
// position and the fields an expression may use.
func formatFilterError(err error) string {
	if err == nil {
		return "invalid event filter"
	}

	line, column := extractErrorPosition(err)
	errMsg := simplifyErrorMessage(err.Error())

	var msg strings.Builder
	if column > 0 {
		msg.WriteString(fmt.Sprintf("invalid event filter at line %d, column %d: %s", line, column, errMsg))
	} else {
		msg.WriteString(fmt.Sprintf("invalid event filter: %s", errMsg))
	}
	msg.WriteString(". Available fields: ")
	msg.WriteString(availableFields())

	return msg.String()
}

// simplifyErrorMessage strips CEL implementation details from error messages.
func simplifyErrorMessage(celError string) string {
	msg := strings.ReplaceAll(celError, "ERROR: <input>:", "")

	if idx := strings.Index(msg, ": "); idx != -1 && idx < 10 {
		parts := strings.SplitN(msg, ": ", 2)
		if len(parts) == 2 {
			msg = parts[1]
		}
	}

	if idx := strings.Index(msg, "\n"); idx != -1 {
		msg = msg[:idx]
	}

	return strings.TrimSpace(msg)
}
