package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"vestnik/internal/client"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Server base URL")
	token := flag.String("token", os.Getenv("VESTNIK_TOKEN"), "Access token (defaults to $VESTNIK_TOKEN)")
	route := flag.String("route", "/", "Initial view")
	flag.Parse()

	if *token == "" {
		fmt.Println("Usage: vestnik-client -server <url> -token <token>")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cancel, *server, *token, *route, os.Stdin, os.Stdout); err != nil {
		log.Fatalf("Client error: %v", err)
	}
}

func run(ctx context.Context, stop func(), server, token, route string, in io.Reader, out io.Writer) error {
	session := client.NewSession(client.Config{
		Token:  token,
		Dialer: client.WebsocketDialer{URL: websocketURL(server)},
		API:    client.NewRESTClient(server, token, nil),
		Route:  route,
	})

	go printEffects(session, out)
	go func() {
		readCommands(session, in, out)
		stop()
	}()

	return session.Run(ctx)
}

// websocketURL maps an http(s) base URL to the chat endpoint.
func websocketURL(server string) string {
	return "ws" + strings.TrimPrefix(strings.TrimRight(server, "/"), "http") + "/api/chat"
}

func printEffects(s *client.Session, out io.Writer) {
	for {
		select {
		case e := <-s.Effects():
			switch e.Kind {
			case client.EffectBadge:
				fmt.Fprintf(out, "[unread] messages=%d notifications=%d\n", e.UnreadMessages, e.UnreadNotifications)
			case client.EffectToast:
				fmt.Fprintf(out, "[notification] %s liked your post %s\n", e.Notification.UserName, e.Notification.PostID)
			case client.EffectMessagePopup:
				fmt.Fprintf(out, "[message] %s: %s\n", e.Popup.SenderName, e.Popup.Message.Msg)
			case client.EffectSound:
				fmt.Fprint(out, "\a")
			case client.EffectAlert:
				fmt.Fprintf(out, "[error] %v\n", e.Err)
			case client.EffectConnected, client.EffectDisconnected:
				fmt.Fprintf(out, "[%s]\n", e.Kind)
			}
		case <-s.Done():
			return
		}
	}
}

const help = `commands:
  /open <user>        open the conversation with a user
  /close              close the open conversation
  /send <text>        send to the open conversation
  /reply <text>       answer the message popup without opening the conversation
  /delete <msg>       delete a message of the open conversation
  /deletechat <user>  delete a conversation
  /go <route>         navigate (/messages, /notifications, /)
  /like <post>        like a post
  /follow <user>      follow a user
  /unfollow <user>    unfollow a user
  /list               show conversations
  /history            show the open conversation
  /online             show followed users that are online
  /connect            reconnect
  /disconnect         disconnect
  /quit               exit`

func readCommands(s *client.Session, in io.Reader, out io.Writer) {
	fmt.Fprintln(out, help)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		if cmd == "/quit" {
			return
		}
		if err := execute(s, cmd, arg, out); err != nil {
			if errors.Is(err, client.ErrSessionClosed) {
				return
			}
			fmt.Fprintf(out, "error: %v\n", err)
		}
	}
}

func execute(s *client.Session, cmd, arg string, out io.Writer) error {
	switch cmd {
	case "/open":
		return s.Open(arg)
	case "/close":
		return s.CloseConversation()
	case "/send":
		snap, err := s.Snapshot()
		if err != nil {
			return err
		}
		return s.Send(snap.OpenID, arg)
	case "/reply":
		snap, err := s.Snapshot()
		if err != nil {
			return err
		}
		to, err := replyTarget(snap)
		if err != nil {
			return err
		}
		if err := s.Send(to, arg); err != nil {
			return err
		}
		return s.CloseMessagePopup()
	case "/delete":
		return s.DeleteMessage(arg)
	case "/deletechat":
		return s.DeleteChat(arg)
	case "/go":
		return s.Navigate(arg)
	case "/like":
		return s.Like(arg)
	case "/follow":
		return s.Follow(arg)
	case "/unfollow":
		return s.Unfollow(arg)
	case "/connect":
		return s.Connect()
	case "/disconnect":
		return s.Disconnect()
	case "/list", "/history", "/online":
		snap, err := s.Snapshot()
		if err != nil {
			return err
		}
		printSnapshot(out, cmd, snap)
		return nil
	default:
		fmt.Fprintln(out, help)
		return nil
	}
}

var errNoPopup = errors.New("no message to reply to")

func replyTarget(snap client.Snapshot) (string, error) {
	if snap.Popup == nil {
		return "", errNoPopup
	}
	return snap.Popup.Message.Sender, nil
}

func printSnapshot(out io.Writer, cmd string, snap client.Snapshot) {
	switch cmd {
	case "/list":
		for _, c := range snap.Chats {
			marker := " "
			if c.MessagesWith == snap.OpenID {
				marker = "*"
			}
			fmt.Fprintf(out, "%s %-20s %-36s %s\n", marker, c.UserName, c.MessagesWith, c.LastMessage)
		}
	case "/history":
		if snap.OpenID == "" {
			fmt.Fprintln(out, "no open conversation")
			return
		}
		for _, m := range snap.History {
			from := snap.Counterpart.UserName
			if m.Sender == snap.User.ID {
				from = "me"
			}
			fmt.Fprintf(out, "%s %s: %s (%s)\n", m.Date.Local().Format("15:04"), from, m.Msg, m.ID)
		}
	case "/online":
		for _, u := range snap.Online {
			fmt.Fprintf(out, "%s (%s)\n", u.UserName, u.UserID)
		}
	}
}
