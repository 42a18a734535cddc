package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/whalelabs/whale/pkg/protocol"
)

// runAttach connects the chat REPL to a running gateway instead of an
// in-process engine.
func runAttach(ctx context.Context, url string) error {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")
	conn.SetReadLimit(1 << 20)

	var ready protocol.ServerFrame
	if err := wsjson.Read(ctx, conn, &ready); err != nil {
		return fmt.Errorf("read ready frame: %w", err)
	}
	fmt.Printf("attached to gateway %s (%d tools). /exit to quit.\n", ready.Version, len(ready.Tools))

	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("\n> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil
		}
		prompt := strings.TrimSpace(line)
		switch prompt {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}

		if err := wsjson.Write(ctx, conn, protocol.ClientFrame{Type: protocol.MsgQuery, Prompt: prompt}); err != nil {
			return fmt.Errorf("send query: %w", err)
		}
		if err := streamUntilTerminal(ctx, conn); err != nil {
			return err
		}
	}
}

func streamUntilTerminal(ctx context.Context, conn *websocket.Conn) error {
	for {
		var frame protocol.ServerFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		switch frame.Type {
		case protocol.MsgText:
			fmt.Print(frame.Text)
		case protocol.MsgToolStart:
			fmt.Printf("\n⚙ %s\n", frame.ToolName)
		case protocol.MsgToolResult:
			mark := "✓"
			if frame.IsError {
				mark = "✗"
			}
			fmt.Printf("%s %s (%dms)\n", mark, frame.ToolName, frame.Duration)
		case protocol.MsgDone:
			if frame.Usage != nil {
				fmt.Printf("\n[%d turns, $%.4f]\n", frame.Usage.Turns, frame.Usage.CostUSD)
			}
			return nil
		case protocol.MsgAborted:
			fmt.Println("\n(aborted)")
			return nil
		case protocol.MsgError:
			fmt.Fprintf(os.Stderr, "\nerror: %s\n", frame.Error)
			return nil
		}
	}
}
