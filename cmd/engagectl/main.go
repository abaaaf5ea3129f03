// Command engagectl drives the engagement engine against a running gateway:
// it focuses one item, performs an action and prints the resulting state.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"engagesync/internal/cache"
	"engagesync/internal/config"
	"engagesync/internal/engagement"
	"engagesync/internal/featureflags"
	"engagesync/internal/models"
	"engagesync/internal/rest"
	"engagesync/internal/session"
	"engagesync/internal/transport"
)

func main() {
	itemID := flag.String("item", "post-1", "Item id")
	kind := flag.String("kind", string(models.ItemKindPost), "Item kind (post or shorts)")
	creator := flag.String("creator", "", "Creator id")
	action := flag.String("action", "status", "One of: status, like, comment, comments, share, recipients, watch")
	text := flag.String("text", "", "Comment text for -action comment")
	recipient := flag.String("recipient", "", "Recipient id for -action share")
	user := flag.String("user", "demo-user", "User id for a development token when ENGAGE_TOKEN is empty")
	wait := flag.Duration("wait", 2*time.Second, "How long to wait for confirmations")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	token := cfg.Token
	if token == "" {
		if cfg.IsProduction() {
			log.Fatal("ENGAGE_TOKEN is required in production")
		}
		token, err = session.IssueToken(cfg.JWTSecret, *user, time.Hour)
		if err != nil {
			log.Fatalf("Failed to issue development token: %v", err)
		}
	}
	identity, err := session.NewTokenIdentity(token)
	if err != nil {
		log.Fatalf("Invalid token: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := buildEngine(ctx, cfg, identity)
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}
	defer engine.Close()

	item := models.ContentItem{ID: *itemID, Kind: models.ItemKind(*kind), CreatorID: *creator}
	if err := engine.Focus(ctx, item); err != nil {
		log.Fatalf("Focus failed: %v", err)
	}
	settle(ctx, *wait/2)

	switch *action {
	case "status":
		liked, err := engine.CheckStatus(ctx, item.ID)
		exitOn(err)
		fmt.Printf("liked: %v\n", liked)
	case "like":
		_, err := engine.ToggleLike(ctx, item.ID)
		exitOn(err)
	case "comment":
		c, err := engine.SubmitComment(ctx, item.ID, *text)
		exitOn(err)
		fmt.Printf("comment %s confirmed\n", c.ID)
	case "comments":
		exitOn(engine.ListComments(ctx, item.ID))
	case "share":
		_, err := engine.Share(ctx, item.ID, *recipient)
		exitOn(err)
	case "recipients":
		list, err := engine.FetchRecipients(ctx)
		exitOn(err)
		printJSON(list)
		return
	case "watch":
		engine.Observe(func(st models.EngagementState) {
			if st.Item.ID == item.ID {
				printJSON(st)
			}
		})
		<-ctx.Done()
		return
	default:
		log.Fatalf("unknown action %q", *action)
	}

	settle(ctx, *wait)
	st, _ := engine.State(item.ID)
	printJSON(st)
}

func buildEngine(ctx context.Context, cfg *config.Config, identity *session.TokenIdentity) (*engagement.Engine, error) {
	ch, err := transport.NewChannel(transport.Options{
		URL:          cfg.WSURL,
		Tokens:       identity,
		ReconnectMin: cfg.ReconnectMin,
		ReconnectMax: cfg.ReconnectMax,
	})
	if err != nil {
		return nil, err
	}

	opts := engagement.Options{
		Channel:  ch,
		Identity: identity,
		REST:     rest.NewClient(cfg.APIURL, identity, nil),
		Flags:    featureflags.NewManager(cfg.FeatureFlags),
		Notifier: engagement.NotifierFunc(func(n engagement.Notice) {
			fmt.Fprintf(os.Stderr, "notice [%s] %s\n", n.Code, n.Message)
		}),
		Timeouts: engagement.Timeouts{
			StatusCheck:   cfg.StatusTimeout,
			LikeAck:       cfg.LikeTimeout,
			RESTCall:      cfg.RESTTimeout,
			CommentSubmit: cfg.CommentTimeout,
			SweepInterval: cfg.SweepInterval,
			SweepMaxAge:   cfg.SweepMaxAge,
			CheckAttempts: cfg.CheckAttempts,
			CheckInterval: cfg.CheckInterval,
		},
	}
	if cfg.SnapshotRedisAddr != "" {
		rdb, err := cache.NewRedisClient(ctx, cfg.SnapshotRedisAddr)
		if err != nil {
			log.Printf("snapshot cache disabled: %v", err)
		} else {
			opts.Cache = cache.NewSnapshotCache(rdb, cfg.SnapshotCacheTTL)
		}
	}

	engine, err := engagement.NewEngine(opts)
	if err != nil {
		return nil, err
	}
	go func() { _ = ch.Run(ctx) }()
	go func() { _ = engine.Run(ctx) }()

	deadline := time.Now().Add(cfg.ReconnectMax)
	for !ch.Connected() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if !ch.Connected() {
		log.Printf("channel not connected yet, continuing with REST fallback")
	}
	return engine, nil
}

func settle(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}

func exitOn(err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "error [%s]: %v\n", models.CodeOf(err), err)
	os.Exit(1)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
