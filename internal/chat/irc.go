package chat

import (
	"errors"
	"strings"
)

var (
	ErrEmptyLine = errors.New("empty line")
	ErrNoCommand = errors.New("line has no command")
)

// Message is one parsed protocol line.
type Message struct {
	Raw     string
	Tags    map[string]string
	Prefix  string
	Command string
	Params  []string
}

// Nick returns the nickname part of the prefix.
func (m Message) Nick() string {
	nick, _, _ := strings.Cut(m.Prefix, "!")
	if strings.Contains(nick, ".") && !strings.Contains(m.Prefix, "!") {
		return ""
	}
	return nick
}

// Channel returns the first parameter if it names a channel, without '#'.
func (m Message) Channel() string {
	if len(m.Params) > 0 && strings.HasPrefix(m.Params[0], "#") {
		return strings.TrimPrefix(m.Params[0], "#")
	}
	return ""
}

// Text returns the trailing parameter.
func (m Message) Text() string {
	if len(m.Params) == 0 {
		return ""
	}
	return m.Params[len(m.Params)-1]
}

// ParseMessage parses a line without its CRLF terminator.
func ParseMessage(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Message{}, ErrEmptyLine
	}
	msg := Message{Raw: line}
	rest := line

	if strings.HasPrefix(rest, "@") {
		var tags string
		tags, rest, _ = strings.Cut(rest[1:], " ")
		msg.Tags = parseTags(tags)
	}
	rest = strings.TrimLeft(rest, " ")

	if strings.HasPrefix(rest, ":") {
		msg.Prefix, rest, _ = strings.Cut(rest[1:], " ")
	}
	rest = strings.TrimLeft(rest, " ")

	var trailing *string
	if i := strings.Index(rest, " :"); i >= 0 {
		t := rest[i+2:]
		trailing = &t
		rest = rest[:i]
	} else if strings.HasPrefix(rest, ":") {
		return Message{}, ErrNoCommand
	}

	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return Message{}, ErrNoCommand
	}
	msg.Command = strings.ToUpper(fields[0])
	msg.Params = fields[1:]
	if trailing != nil {
		msg.Params = append(msg.Params, *trailing)
	}
	return msg, nil
}

func parseTags(raw string) map[string]string {
	tags := make(map[string]string)
	for _, kv := range strings.Split(raw, ";") {
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		tags[k] = unescapeTag(v)
	}
	return tags
}

var tagUnescaper = strings.NewReplacer(
	`\:`, ";",
	`\s`, " ",
	`\\`, `\`,
	`\r`, "\r",
	`\n`, "\n",
)

func unescapeTag(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	return tagUnescaper.Replace(v)
}
