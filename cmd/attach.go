package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/api"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/errors"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/terminal"
	"github.com/firefly-engineering/firefly-forage/packages/forage-broker/internal/workspace"
)

var attachCmd = &cobra.Command{
	Use:   "attach",
	Short: "Open an interactive terminal in a workspace",
	Long: `Connects to the terminal endpoint of a running 'forage-broker serve' and
attaches the local terminal to a shell in the workspace. The local terminal
is put in raw mode for the duration of the session.`,
	Args: cobra.NoArgs,
	RunE: runAttach,
}

var (
	attachOwner  ownerFlags
	attachServer string
	attachToken  string
)

func init() {
	attachOwner.register(attachCmd)
	attachCmd.Flags().StringVar(&attachServer, "server", "", "Broker URL (default derived from server.listen)")
	attachCmd.Flags().StringVar(&attachToken, "token", "", "API token (default server.token)")
	rootCmd.AddCommand(attachCmd)
}

func runAttach(cmd *cobra.Command, args []string) error {
	owner, err := attachOwner.owner()
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	base := attachServer
	if base == "" {
		base = serverURL(cfg)
	}
	token := attachToken
	if token == "" {
		token = cfg.Server.Token
	}

	reason, err := attachTerminal(cmd.Context(), base, token, owner, os.Stdin, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	logInfo("Session closed: %s", reason)
	return nil
}

// terminalURL builds the WebSocket URL of the terminal endpoint.
func terminalURL(base string, owner workspace.Owner, cols, rows uint16) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", errors.InvalidArgument("invalid server URL: " + err.Error())
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", errors.InvalidArgument(fmt.Sprintf("unsupported server URL scheme %q", u.Scheme))
	}
	u.Path += "/api/v1/terminal"

	q := url.Values{}
	if owner.ProjectID != "" {
		q.Set("project_id", owner.ProjectID)
	} else {
		q.Set("conversation_id", owner.ConversationID)
	}
	q.Set("cols", strconv.Itoa(int(cols)))
	q.Set("rows", strconv.Itoa(int(rows)))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// handshakeError turns a rejected upgrade into the broker's typed error.
func handshakeError(base string, resp *http.Response, err error) error {
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
		var body api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&body) == nil && body.Error.Kind != "" {
			return errors.New(errors.Kind(body.Error.Kind), body.Error.Message)
		}
	}
	return errors.SessionFailed("failed to connect to "+base, err)
}

// attachTerminal runs one terminal session, copying in to the workspace and
// workspace output to out. It returns the close reason the broker reported.
func attachTerminal(ctx context.Context, base, token string, owner workspace.Owner, in *os.File, out io.Writer) (string, error) {
	fd := int(in.Fd())
	interactive := term.IsTerminal(fd)

	cols, rows := uint16(80), uint16(24)
	if interactive {
		if w, h, err := term.GetSize(fd); err == nil {
			cols, rows = uint16(w), uint16(h)
		}
	}

	target, err := terminalURL(base, owner, cols, rows)
	if err != nil {
		return "", err
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, header)
	if err != nil {
		return "", handshakeError(base, resp, err)
	}
	defer conn.Close()

	if interactive {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return "", errors.SessionFailed("failed to set raw mode", err)
		}
		defer term.Restore(fd, state)
	}

	var mu sync.Mutex
	send := func(messageType int, data []byte) error {
		mu.Lock()
		defer mu.Unlock()
		return conn.WriteMessage(messageType, data)
	}
	sendControl := func(c terminal.Control) {
		data, _ := json.Marshal(c)
		_ = send(websocket.TextMessage, data)
	}

	stop := context.AfterFunc(ctx, func() {
		sendControl(terminal.Control{Type: terminal.ControlClose})
	})
	defer stop()

	if interactive {
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer func() {
			signal.Stop(winch)
			close(winch)
		}()
		go func() {
			for range winch {
				if w, h, err := term.GetSize(fd); err == nil {
					sendControl(terminal.Control{Type: terminal.ControlResize, Cols: uint16(w), Rows: uint16(h)})
				}
			}
		}()
	}

	// The stdin pump is abandoned when the session ends; a blocked Read
	// cannot be interrupted.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := in.Read(buf)
			if n > 0 {
				if send(websocket.BinaryMessage, buf[:n]) != nil {
					return
				}
			}
			if err != nil {
				sendControl(terminal.Control{Type: terminal.ControlClose})
				return
			}
		}
	}()

	var (
		reason  string
		failure error
	)
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if failure != nil {
				return reason, failure
			}
			if reason != "" {
				return reason, nil
			}
			if ctx.Err() != nil {
				return terminal.ReasonClientClose, nil
			}
			return "", errors.SessionFailed("connection lost", err)
		}

		switch messageType {
		case websocket.BinaryMessage:
			if _, err := out.Write(data); err != nil {
				return "", err
			}
		case websocket.TextMessage:
			c, err := terminal.ParseControl(data)
			if err != nil {
				continue
			}
			switch c.Type {
			case terminal.ControlError:
				failure = errors.New(errors.Kind(c.Kind), c.Message)
			case terminal.ControlClosed:
				reason = c.Reason
			}
		}
	}
}
