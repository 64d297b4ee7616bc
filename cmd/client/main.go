// Terminal client for codesync rooms. Joins a room, mirrors the shared
// buffer and chat, and can submit the buffer to the execution service.
//
// Commands: plain text sends chat, "/code <text>" replaces the buffer,
// "/show" prints it, "/run <language>" executes it, "/quit" leaves.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/codesync/codesync/client"
	"github.com/codesync/codesync/executor"
	"github.com/codesync/codesync/model"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.WarnLevel)
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		wsURL       = fs.StringP("ws-url", "w", "ws://localhost:8888/ws", "relay websocket url")
		room        = fs.StringP("room", "r", "default", "room to join")
		name        = fs.StringP("name", "n", "cli-user", "display name")
		executorURL = fs.StringP("executor-url", "e", "http://localhost:5000", "code execution service url")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	conn, err := client.Dial(ctx, *wsURL, &logger)
	if err != nil {
		logger.Fatal().Err(err).Str("url", *wsURL).Msg("failed to connect")
	}

	buf := client.NewBuffer()
	sess := client.NewSession(client.Config{
		Transport: conn,
		Buffer:    buf,
		Logger:    &logger,
		Callbacks: client.Callbacks{
			OnRosterChange: func(members []model.Member) {
				names := make([]string, 0, len(members))
				for _, m := range members {
					names = append(names, m.DisplayName)
				}
				fmt.Printf("* room members: %s\n", strings.Join(names, ", "))
			},
			OnPeerJoined: func(displayName string) {
				fmt.Printf("* %s joined the room\n", displayName)
			},
			OnPeerLeft: func(displayName string) {
				fmt.Printf("* %s left the room\n", displayName)
			},
			OnChat: func(msg client.ChatMessage) {
				fmt.Printf("<%s> %s\n", msg.SenderName, msg.Text)
			},
			OnError: func(err error) {
				fmt.Printf("! %v\n", err)
			},
		},
	})
	buf.OnChange(sess.HandleLocalEdit)

	runErr := make(chan error, 1)
	go func() {
		runErr <- sess.Run(ctx)
	}()

	sess.Join(*room, *name)
	fmt.Printf("Joined room %q as %s. Type a message, or /code, /show, /run, /quit.\n", *room, *name)

	exec := executor.New(executor.Config{BaseURL: *executorURL, Logger: &logger})
	go readInput(ctx, cancel, sess, exec)

	if err = <-runErr; err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("session ended")
	}
}

func readInput(
	ctx context.Context,
	cancel context.CancelFunc,
	sess *client.Session,
	exec *executor.Client,
) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "/quit":
			sess.Leave()
			return
		case line == "/show":
			fmt.Printf("--- buffer ---\n%s\n--------------\n", sess.Text())
		case strings.HasPrefix(line, "/code "):
			sess.Edit(strings.TrimPrefix(line, "/code "))
		case strings.HasPrefix(line, "/run "):
			language := strings.TrimSpace(strings.TrimPrefix(line, "/run "))
			out, err := exec.Run(ctx, language, sess.Text())
			if err != nil {
				fmt.Printf("! run: %v\n", err)
				continue
			}
			fmt.Printf("--- output ---\n%s\n--------------\n", out)
		default:
			sess.SendChat(line)
		}
	}
	cancel()
}
