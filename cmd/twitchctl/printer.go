package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"github.com/rickgao/twitchkit/internal/chat"
	"github.com/rickgao/twitchkit/internal/poller"
	"github.com/rickgao/twitchkit/internal/router"
)

// printer writes one colored line per event.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) HandleEvent(ev router.Event) {
	line := formatEvent(ev)
	if line == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

// HandleStatus prints live status transitions from the poller.
func (p *printer) HandleStatus(s poller.Status) {
	line := formatStatus(s)
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func formatStatus(s poller.Status) string {
	tag := fmt.Sprintf("%s %-6s", s.At.Format("15:04:05"), "watch")
	if !s.Live {
		return tag + " " + s.Login + " " + color.HiBlackString("went offline")
	}
	line := tag + " " + s.Login + " " + color.GreenString("went live")
	if s.Stream != nil && s.Stream.Title != "" {
		line += ": " + s.Stream.Title
	}
	return line
}

func formatEvent(ev router.Event) string {
	ts := ev.At.Format("15:04:05")
	tag := fmt.Sprintf("%s %-6s", ts, ev.Source)

	switch ev.Kind {
	case router.KindMessage:
		return tag + " " + formatMessage(ev)
	case router.KindOpened:
		return tag + " " + color.GreenString("connected")
	case router.KindClosed:
		if ev.Err != nil {
			return tag + " " + color.YellowString("disconnected: %v", ev.Err)
		}
		return tag + " " + color.YellowString("disconnected")
	case router.KindReconnectStarted:
		return tag + " " + color.CyanString("reconnect attempt %d in %s", ev.Attempt, ev.Delay)
	case router.KindReconnectSucceeded:
		return tag + " " + color.GreenString("reconnected after %d attempts", ev.Attempt)
	case router.KindReconnectGaveUp:
		return tag + " " + color.RedString("gave up reconnecting after %d attempts", ev.Attempt)
	case router.KindSendFailed, router.KindDecodeError:
		return tag + " " + color.RedString("%s: %v", ev.Kind, ev.Err)
	}
	return ""
}

func formatMessage(ev router.Event) string {
	switch m := ev.Payload.(type) {
	case chat.Message:
		switch m.Command {
		case "PRIVMSG":
			return color.MagentaString("#%s", m.Channel()) + " " + color.New(color.Bold).Sprint(m.Nick()) + ": " + m.Text()
		case "JOIN", "PART", "PING", "PONG":
			return ""
		default:
			return color.HiBlackString("%s %s", m.Command, m.Text())
		}
	case json.RawMessage:
		return color.MagentaString("%s", ev.Topic) + " " + string(m)
	default:
		return color.MagentaString("%s", ev.Topic) + " " + fmt.Sprint(m)
	}
}
