package main

import (
	"context"
	"encoding/base64"
	"errors"
	"flag"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"vestnik/internal/auth"
	"vestnik/internal/chat"
	"vestnik/internal/commands"
	"vestnik/internal/config"
	"vestnik/internal/http"
	"vestnik/internal/push"
	"vestnik/internal/storage"
	"vestnik/internal/ws"

	"golang.org/x/sync/errgroup"
)

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("vestnik", flag.ContinueOnError)
	addUser := fs.String("add-user", "", "Username to create (prints the new user's id and access token)")
	addPost := fs.String("add-post", "", "User id to create a likeable post for")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cliMode := *addUser != "" || *addPost != ""
	cfg, err := config.Load(cliMode)
	if err != nil {
		return err
	}

	switch {
	case *addUser != "":
		return commands.AddUser(*addUser, cfg)
	case *addPost != "":
		return commands.AddPost(*addPost, cfg)
	}

	authConfig := auth.Config{
		Secret:   base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenTTL: cfg.TokenTTL,
	}

	bbStorage, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return err
	}
	defer func() { _ = bbStorage.Close() }()

	authService, err := auth.NewAuthService(ctx, authConfig, bbStorage)
	if err != nil {
		return err
	}

	chats := chat.New(chat.Config{Store: bbStorage, HistoryLimit: cfg.HistoryLimit})
	notifier := push.New(push.Config{
		VAPIDPublicKey:  cfg.VAPIDPublicKey,
		VAPIDPrivateKey: cfg.VAPIDPrivateKey,
		Subscriber:      cfg.VAPIDSubscriber,
	}, bbStorage)
	if !notifier.Enabled() {
		log.Println("Web push disabled: VAPID keys are not configured")
	}

	hub := ws.NewHub(chats, bbStorage, notifier)

	adminServer := http.NewAdminServer(authService, bbStorage, cfg.AdminAddr)
	apiServer := http.NewAPIServer(authService, hub, chats, bbStorage, cfg.APIAddr)

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		log.Println("Shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Admin server shutdown error: %v", err)
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("API server shutdown error: %v", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
