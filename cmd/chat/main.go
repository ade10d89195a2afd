package main

import (
	"bufio"
	"context"
	"fmt"
	"os"

	"github.com/harmonia-app/chatcore/internal/api"
	"github.com/harmonia-app/chatcore/internal/cache"
	"github.com/harmonia-app/chatcore/internal/chat"
	"github.com/harmonia-app/chatcore/internal/config"
	apperr "github.com/harmonia-app/chatcore/internal/errors"
	"github.com/harmonia-app/chatcore/internal/logger"
	"github.com/harmonia-app/chatcore/internal/session"
	"github.com/harmonia-app/chatcore/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: chat <partner-user-id>")
		os.Exit(1)
	}
	partnerID := os.Args[1]

	cfg := config.New()

	// Init logger (global singleton)
	logger.InitFromConfig(cfg)
	log := logger.L()

	ctx := context.Background()
	client := api.NewClient(cfg)

	opts := session.Options{}

	// Snapshot cache is optional; the session runs without Redis.
	if cfg.Redis.Addr != "" {
		snapCache := cache.NewSnapshotCache(cfg)
		if err := snapCache.Ping(ctx); err != nil {
			log.Warn("redis unavailable, continuing without snapshot cache", "err", err)
		} else {
			opts.Cache = snapCache
			opts.DeleteSnapshot = snapCache.DeleteSnapshot
		}
	}

	// Local conversation archive
	archive, err := store.Open(cfg)
	if err != nil {
		log.Warn("conversation archive unavailable", "err", err)
	} else {
		opts.ConvRepo = store.NewConversationRepository(archive)
	}

	sess, err := session.New(cfg, client, opts, log)
	if err != nil {
		log.Error("failed to build session", "err", err)
		return
	}

	sess.OnMessage = func(msg chat.Message) {
		fmt.Printf("\r<%s> %s\n> ", msg.SenderID, msg.Body)
	}

	if err := sess.Start(ctx); err != nil {
		log.Error("failed to start session", "err", err)
		return
	}
	defer sess.Logout(ctx)

	pipeline, err := sess.OpenRoom(ctx, partnerID, false)
	if err != nil {
		log.Error("failed to open room", "partner", partnerID, "err", err)
		return
	}

	log.Info("room joined", "partner", partnerID, "remaining_messages", sess.Engine.RemainingMessages())

	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		line := scanner.Text()
		if line == "/quit" {
			break
		}
		if line == "" {
			fmt.Print("> ")
			continue
		}

		if _, err := pipeline.Compose(ctx, line); err != nil {
			switch apperr.CodeOf(err) {
			case apperr.CodeQuotaExceeded:
				fmt.Println("message limit reached, upgrade to premium to keep chatting")
			case apperr.CodeBlocked:
				fmt.Println("messaging is disabled for this conversation")
			default:
				fmt.Printf("send failed: %v\n", err)
			}
		}
		fmt.Print("> ")
	}
}
