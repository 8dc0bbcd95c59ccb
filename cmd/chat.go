package cmd

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/hive/internal/config"
	"github.com/nextlevelbuilder/hive/pkg/protocol"
)

func chatCmd() *cobra.Command {
	var (
		addr      string
		sessionID string
		agentID   string
		model     string
		message   string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a running hive over WebSocket",
		Long:  "Connect to a running hive server, create (or resume) a session, and stream replies. With --message, send one message and exit; otherwise start an interactive REPL.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if addr == "" {
				host := cfg.Server.Host
				if host == "" || host == "0.0.0.0" {
					host = "127.0.0.1"
				}
				addr = fmt.Sprintf("%s:%d", host, cfg.Server.Port)
			}
			return runChat(addr, sessionID, agentID, model, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "server address (default from config)")
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session id")
	cmd.Flags().StringVarP(&agentID, "agent", "a", "", "agent id for a new session")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model alias override")
	cmd.Flags().StringVar(&message, "message", "", "send one message and exit")
	return cmd
}

func runChat(addr, sessionID, agentID, model, oneShot string) error {
	if sessionID == "" {
		id, err := createChatSession(addr, agentID, model)
		if err != nil {
			return err
		}
		sessionID = id
		fmt.Fprintf(os.Stderr, "Session: %s\n", sessionID)
	}

	wsURL := fmt.Sprintf("ws://%s/ws/chat/%s", addr, sessionID)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", wsURL, err)
	}
	defer conn.Close()

	if oneShot != "" {
		return sendAndStream(conn, oneShot, model)
	}

	fmt.Fprintln(os.Stderr, "Type \"exit\" to quit.")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Fprint(os.Stderr, "You: ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}
		if err := sendAndStream(conn, input, model); err != nil {
			return err
		}
		fmt.Println()
	}
}

// createChatSession makes a session over REST so the socket has
// something to attach to.
func createChatSession(addr, agentID, model string) (string, error) {
	body, _ := json.Marshal(map[string]string{
		"agent_id": agentID,
		"model":    model,
	})
	resp, err := http.Post(fmt.Sprintf("http://%s/sessions", addr), "application/json", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("create session: unexpected status %s", resp.Status)
	}
	var sess struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		return "", fmt.Errorf("decode session: %w", err)
	}
	return sess.ID, nil
}

// sendAndStream writes one message and prints frames until the turn
// ends.
func sendAndStream(conn *websocket.Conn, content, model string) error {
	if err := conn.WriteJSON(protocol.ClientMessage{Type: "message", Content: content, Model: model}); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	for {
		var f protocol.Frame
		if err := conn.ReadJSON(&f); err != nil {
			return fmt.Errorf("read: %w", err)
		}
		switch f.Type {
		case protocol.FrameContent:
			fmt.Print(f.Content)
		case protocol.FrameThinking:
			// Thinking stays off stdout so piped output is clean.
			fmt.Fprint(os.Stderr, f.Thinking)
		case protocol.FrameToolCall:
			fmt.Fprintf(os.Stderr, "\n[tool] %s\n", f.ToolName)
		case protocol.FrameToolResult:
			if f.ToolOK != nil && !*f.ToolOK {
				fmt.Fprintf(os.Stderr, "[tool] %s failed\n", f.ToolName)
			}
		case protocol.FrameStreamEnd:
			fmt.Println()
			return nil
		case protocol.FrameError:
			return fmt.Errorf("server: %s", f.Error)
		}
	}
}
