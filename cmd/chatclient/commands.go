package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"chat-sync/internal/delivery"
	"chat-sync/internal/protocol"
	"chat-sync/internal/session"
)

var errUsage = errors.New("usage")

type command struct {
	name string
	args []string
}

var arity = map[string]int{
	"send":     2,
	"reply":    3,
	"edit":     2,
	"delete":   1,
	"react":    2,
	"unreact":  2,
	"read":     2,
	"retry":    1,
	"cancel":   1,
	"typing":   1,
	"stop":     1,
	"ack":      1,
	"focus":    0,
	"blur":     0,
	"resync":   0,
	"token":    1,
	"inbox":    0,
	"history":  1,
	"presence": 1,
}

// parseLine splits a console line. The last argument of send, reply and
// edit keeps its spaces.
func parseLine(line string) (command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, errUsage
	}
	name := strings.ToLower(fields[0])
	n, ok := arity[name]
	if !ok {
		return command{}, fmt.Errorf("%w: unknown command %q", errUsage, name)
	}
	if name == "focus" && len(fields) > 1 {
		return command{name: name, args: fields[1:2]}, nil
	}
	rest := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))
	var args []string
	if n > 0 {
		args = strings.SplitN(rest, " ", n)
		for i := range args {
			args[i] = strings.TrimSpace(args[i])
		}
	}
	if len(args) != n || (n > 0 && args[n-1] == "") {
		return command{}, fmt.Errorf("%w: %s takes %d argument(s)", errUsage, name, n)
	}
	return command{name: name, args: args}, nil
}

// execute runs cmd against the session and returns a line to print.
func execute(ctx context.Context, s *session.Session, cmd command) (string, error) {
	switch cmd.name {
	case "send":
		msg, err := s.Send(ctx, delivery.Draft{ConversationID: cmd.args[0], Body: cmd.args[1]})
		if err != nil {
			return "", err
		}
		return "queued " + msg.TempID, nil
	case "reply":
		msg, err := s.Send(ctx, delivery.Draft{ConversationID: cmd.args[0], ReplyToID: cmd.args[1], Body: cmd.args[2]})
		if err != nil {
			return "", err
		}
		return "queued " + msg.TempID, nil
	case "edit":
		_, err := s.Edit(ctx, cmd.args[0], cmd.args[1])
		return "edited", err
	case "delete":
		_, err := s.Delete(ctx, cmd.args[0])
		return "deleted", err
	case "react":
		_, err := s.React(ctx, cmd.args[0], cmd.args[1], protocol.ReactionAdd)
		return "reacted", err
	case "unreact":
		_, err := s.React(ctx, cmd.args[0], cmd.args[1], protocol.ReactionRemove)
		return "reaction removed", err
	case "read":
		return "read", s.MarkRead(ctx, cmd.args[0], cmd.args[1])
	case "retry":
		msg, err := s.Retry(ctx, cmd.args[0])
		if err != nil {
			return "", err
		}
		return "retrying " + msg.TempID, nil
	case "cancel":
		return "cancelled", s.Cancel(ctx, cmd.args[0])
	case "typing":
		return "", s.Typing(ctx, cmd.args[0], false)
	case "stop":
		return "", s.Typing(ctx, cmd.args[0], true)
	case "ack":
		return "acknowledged", s.MarkNotificationRead(ctx, cmd.args[0])
	case "focus":
		open := ""
		if len(cmd.args) > 0 {
			open = cmd.args[0]
		}
		s.SetFocus(true, open)
		return "focused", nil
	case "blur":
		s.SetFocus(false, "")
		return "backgrounded", nil
	case "resync":
		s.Resync()
		return "resync requested", nil
	case "token":
		return "credential rotated", s.RotateCredential(cmd.args[0])
	case "inbox":
		var b strings.Builder
		for _, n := range s.Inbox() {
			fmt.Fprintf(&b, "%s [%s] %s: %s\n", n.ID, n.Type, n.Title, n.Body)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "history":
		var b strings.Builder
		for _, m := range s.Conversation(cmd.args[0]) {
			fmt.Fprintf(&b, "%s %s %s: %s\n", m.ID, m.Status, m.SenderID, m.Body)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	case "presence":
		p := s.Presence(cmd.args[0])
		return fmt.Sprintf("%s online=%t last_seen=%s", p.UserID, p.Online, p.LastSeen.Format("15:04:05")), nil
	}
	return "", fmt.Errorf("%w: unknown command %q", errUsage, cmd.name)
}
