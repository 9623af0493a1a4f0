// Package protocol implements the line-oriented wire codec.
//
// Requests are single UTF-8 lines; responses are one line each except KEYS,
// which is followed by one line per key. Binary values travel base64-encoded
// in both directions.
package protocol

import (
	"encoding/base64"
	"fmt"
	"strings"

	"blazekv/internal/command"
)

// Parse errors carry enough context for the ERROR response without leaking
// internals.
type ParseError struct {
	msg string
}

func (e *ParseError) Error() string { return e.msg }

func invalidFormat(msg string) *ParseError {
	return &ParseError{msg: fmt.Sprintf("Invalid command format: %s", msg)}
}

func unknownCommand(name string) *ParseError {
	return &ParseError{msg: fmt.Sprintf("Unknown command: %s", name)}
}

func missingArguments(msg string) *ParseError {
	return &ParseError{msg: fmt.Sprintf("Missing arguments for command: %s", msg)}
}

// ParseCommand turns one request line into a command.
//
// SET's value field is forgiving: a single token that decodes as base64 is
// taken as binary, anything else is raw bytes, and a multi-word tail is
// rejoined with single spaces.
func ParseCommand(line string) (command.Command, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, invalidFormat("empty command")
	}

	parts := strings.Fields(line)
	name := strings.ToUpper(parts[0])

	switch name {
	case "GET":
		if len(parts) < 2 {
			return nil, missingArguments("GET requires key")
		}
		return &command.Get{Key: parts[1]}, nil

	case "SET":
		if len(parts) < 3 {
			return nil, missingArguments("SET requires key and value")
		}
		var value []byte
		if len(parts) == 3 {
			if decoded, err := base64.StdEncoding.DecodeString(parts[2]); err == nil {
				value = decoded
			} else {
				value = []byte(parts[2])
			}
		} else {
			value = []byte(strings.Join(parts[2:], " "))
		}
		return &command.Set{Key: parts[1], Value: value}, nil

	case "DELETE", "DEL":
		if len(parts) < 2 {
			return nil, missingArguments("DELETE requires key")
		}
		return &command.Delete{Key: parts[1]}, nil

	case "EXIST":
		if len(parts) < 2 {
			return nil, missingArguments("EXIST requires key")
		}
		return &command.Exists{Key: parts[1]}, nil

	case "SCAN":
		prefix := ""
		if len(parts) >= 2 {
			prefix = parts[1]
		}
		return &command.Scan{Prefix: prefix}, nil

	case "STATS":
		return &command.Stats{}, nil

	case "PING":
		return &command.Ping{}, nil

	default:
		return nil, unknownCommand(name)
	}
}

// ParseCommands parses every non-empty line of buffer, preserving order.
func ParseCommands(buffer string) []ParsedLine {
	var out []ParsedLine
	for _, line := range strings.Split(buffer, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cmd, err := ParseCommand(line)
		out = append(out, ParsedLine{Command: cmd, Err: err})
	}
	return out
}

// ParsedLine is one line's parse outcome.
type ParsedLine struct {
	Command command.Command
	Err     error
}

// SerializeResponse renders a response in the wire grammar.
func SerializeResponse(resp command.Response) string {
	switch resp.Kind {
	case command.KindValue:
		return fmt.Sprintf("VALUE %s\n", base64.StdEncoding.EncodeToString(resp.Value))
	case command.KindOk:
		return "OK\n"
	case command.KindBool:
		if resp.Flag {
			return "TRUE\n"
		}
		return "FALSE\n"
	case command.KindKeys:
		var b strings.Builder
		fmt.Fprintf(&b, "KEYS %d\n", len(resp.Keys))
		for _, key := range resp.Keys {
			b.WriteString(key)
			b.WriteByte('\n')
		}
		return b.String()
	case command.KindStats:
		// The total_operations separator really is a colon; clients depend
		// on the line verbatim.
		return fmt.Sprintf("STATS total_keys=%d memory_usage=%d hit_rate=%.3f total_operations:%d\n",
			resp.Stats.TotalKeys, resp.Stats.MemoryUsage, resp.Stats.HitRate, resp.Stats.TotalOperations)
	case command.KindPong:
		return "PONG\n"
	default:
		return fmt.Sprintf("ERROR %s\n", resp.Err)
	}
}
