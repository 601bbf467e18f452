package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	nimbus "github.com/NimbusChat/nimbus-go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var chatVerbose bool

func init() {
	chatCmd.Flags().BoolVarP(&chatVerbose, "verbose", "v", false, "Log connection events")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive chat session",
	Long: `Open a live chat session with the Nimbus server.

Commands inside the session:
  /to <username>        switch the active conversation
  /who                  list online users
  /more                 load older history
  /find <text>          search loaded messages
  /unread               show unread counters
  /react <id> <emoji>   toggle a reaction on a message
  /quit                 leave

Anything else is sent to the active peer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		identity := getIdentity()
		client := getClient()

		sc := sessionConfig(client, cfg)
		if chatVerbose {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return fmt.Errorf("cannot build logger: %w", err)
			}
			defer logger.Sync()
			sc.Logger = logger
		}

		session := nimbus.NewSession(client, identity, sc)
		defer session.Close()

		effects := nimbus.NewEffects(nimbus.DefaultEffectLifetime)
		defer effects.Close()

		session.OnMessage(func(m nimbus.Message) {
			peer, ok := session.Store().Peer()
			if ok && (m.Sender == peer.Username || m.Sender == identity.Username) {
				printMessage(m)
				return
			}
			fmt.Printf("  (new message from %s; /to %s to read)\n", m.Sender, m.Sender)
		})
		session.OnTyping(func(sender string, isTyping bool) {
			if isTyping {
				fmt.Printf("  * %s is typing...\n", sender)
			}
		})
		session.OnPresence(func(users []nimbus.User) {
			names := make([]string, len(users))
			for i, u := range users {
				names[i] = u.Username
			}
			fmt.Printf("  * online: %s\n", strings.Join(names, ", "))
		})
		session.OnReaction(func(messageID, userID int64, value string) {
			if value == "" {
				return
			}
			fmt.Printf("  * reaction %s on message %d\n", value, messageID)
			effects.Spawn(value, 0, 0)
		})
		session.OnStateChange(func(state nimbus.ConnState) {
			fmt.Printf("  * connection: %s\n", state)
		})
		session.OnError(func(err error) {
			fmt.Fprintf(os.Stderr, "  ! %v\n", err)
		})

		ctx := context.Background()
		if err := session.Open(ctx); err != nil {
			// The session keeps retrying in the background; report and
			// let the user decide whether to wait.
			fmt.Fprintf(os.Stderr, "  ! initial connect failed: %v (retrying)\n", err)
		}

		fmt.Printf("Connected as %s. Pick a peer with /to <username>.\n", identity.Username)

		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				break
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				if quit := runChatCommand(session, line); quit {
					break
				}
				continue
			}

			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := session.SendMessage(sendCtx, line)
			cancel()
			if err != nil {
				fmt.Fprintf(os.Stderr, "  ! send failed: %v\n", err)
			}
		}
		return scanner.Err()
	},
}

// runChatCommand handles one slash command; it returns true on /quit.
func runChatCommand(session *nimbus.Session, line string) bool {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	switch cmd {
	case "/quit", "/q":
		return true

	case "/to":
		if len(args) != 1 {
			fmt.Println("usage: /to <username>")
			return false
		}
		var peer *nimbus.User
		for _, u := range session.Store().Presence() {
			if u.Username == args[0] {
				u := u
				peer = &u
				break
			}
		}
		if peer == nil {
			fmt.Printf("%s is not online\n", args[0])
			return false
		}
		if err := session.SelectPeer(ctx, *peer); err != nil {
			fmt.Fprintf(os.Stderr, "  ! history load failed: %v\n", err)
			return false
		}
		msgs := session.Store().Messages()
		for _, m := range msgs {
			printMessage(m)
		}
		fmt.Printf("-- talking to %s (%d messages loaded) --\n", peer.Username, len(msgs))

	case "/who":
		users := session.Store().Presence()
		if len(users) == 0 {
			fmt.Println("nobody else is online")
			return false
		}
		unread := session.Store().Unread()
		for _, u := range users {
			suffix := ""
			if n := unread[u.Username]; n > 0 {
				suffix = fmt.Sprintf(" (%d unread)", n)
			}
			fmt.Printf("  %s%s\n", u.Username, suffix)
		}

	case "/more":
		before := session.Store().MessageCount()
		if err := session.History().LoadMore(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "  ! history load failed: %v\n", err)
			return false
		}
		loaded := session.Store().MessageCount() - before
		if loaded == 0 {
			fmt.Println("no older messages")
			return false
		}
		for _, m := range session.Store().Messages()[:loaded] {
			printMessage(m)
		}
		fmt.Printf("-- loaded %d older messages --\n", loaded)

	case "/find":
		if len(args) == 0 {
			fmt.Println("usage: /find <text>")
			return false
		}
		hits := session.Store().Search(strings.Join(args, " "))
		if len(hits) == 0 {
			fmt.Println("no matches")
			return false
		}
		for _, m := range hits {
			printMessage(m)
		}

	case "/unread":
		unread := session.Store().Unread()
		if len(unread) == 0 {
			fmt.Println("no unread messages")
			return false
		}
		for name, n := range unread {
			fmt.Printf("  %s: %d\n", name, n)
		}

	case "/react":
		if len(args) != 2 {
			fmt.Println("usage: /react <message-id> <emoji>")
			return false
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			fmt.Printf("bad message id %q\n", args[0])
			return false
		}
		if err := session.SendReaction(ctx, id, args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "  ! reaction failed: %v\n", err)
		}

	default:
		fmt.Printf("unknown command %s\n", cmd)
	}
	return false
}

func printMessage(m nimbus.Message) {
	reactions := ""
	if len(m.Reactions) > 0 {
		var vals []string
		for _, v := range m.Reactions {
			vals = append(vals, v)
		}
		reactions = "  [" + strings.Join(vals, " ") + "]"
	}
	fmt.Printf("[%s] #%d %s: %s%s\n",
		m.Timestamp.Local().Format("15:04"), m.ID, m.Sender, m.Text, reactions)
}
