package ws

import (
	"github.com/antonmedv/expr"
	"github.com/antonmedv/expr/vm"
	"github.com/syncpad/syncpad/filter"
	"github.com/syncpad/syncpad/globals"
	"github.com/syncpad/syncpad/types"
)

// runChatFilter decides whether a chat message is delivered to target. A nil
// program (no filter on the message) delivers to everyone. A filter that does
// not evaluate to boolean true, or fails to run, withholds delivery.
func runChatFilter(room *types.Room, msg *types.ChatMessage, sender, target *Client, prog *vm.Program) bool {
	if prog == nil {
		return true
	}
	targetName := target.DisplayName()
	if m := room.Member(target.ConnectionId()); m != nil {
		targetName = m.DisplayName
	}
	env := filter.Env{
		Room: filter.Room{
			Id: room.Id,
		},
		Sender: filter.User{
			ConnectionId: sender.ConnectionId(),
			DisplayName:  msg.DisplayName,
		},
		Target: filter.User{
			ConnectionId: target.ConnectionId(),
			DisplayName:  targetName,
		},
		Content: msg.Content,
		Created: msg.Timestamp.Unix(),
	}
	res, err := expr.Run(prog, env)
	if err != nil {
		globals.AppLogger.Error("could not run message filter", "error", err)
		return false
	}
	if bRes, ok := res.(bool); ok && bRes {
		return true
	}
	return false
}
