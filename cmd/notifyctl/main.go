// notifyctl is the ops CLI: inject test events, inspect a user's feed and
// preferences, and check fallback queue health.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brightfeed/notify/internal/bus"
	"github.com/brightfeed/notify/internal/config"
	"github.com/brightfeed/notify/internal/database"
	"github.com/brightfeed/notify/internal/events"
	"github.com/brightfeed/notify/internal/metrics"
	"github.com/brightfeed/notify/internal/retry"
	"github.com/brightfeed/notify/internal/service"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	})))

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "send":
		err = cmdSend(ctx, cfg, os.Args[2:])
	case "list":
		err = cmdList(ctx, cfg, os.Args[2:])
	case "read":
		err = cmdRead(ctx, cfg, os.Args[2:])
	case "read-all":
		err = cmdReadAll(ctx, cfg, os.Args[2:])
	case "prefs":
		err = cmdPrefs(ctx, cfg, os.Args[2:])
	case "stats":
		err = cmdStats(ctx, cfg)
	case "metrics":
		err = cmdMetrics(ctx, cfg)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fatal(err)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: notifyctl <command> [flags]

commands:
  send      publish a test event onto the bus
  list      list a user's notifications
  read      mark one notification read
  read-all  mark all of a user's notifications read
  prefs     show or update a user's preferences
  stats     show fallback queue health
  metrics   dump pipeline counters from Redis`)
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "notifyctl:", err)
	os.Exit(1)
}

func openService(ctx context.Context, cfg *config.Config, needBus bool) (*service.Service, func(), error) {
	db, err := database.NewDB(cfg.DBURL)
	if err != nil {
		return nil, nil, err
	}

	var pub service.Publisher
	cleanup := func() { db.Close() }
	if needBus {
		producer, err := bus.NewProducer(cfg.BusBrokers, retry.DefaultConfig(), db)
		if err != nil {
			db.Close()
			return nil, nil, err
		}
		pub = producer
		cleanup = func() {
			producer.Close()
			db.Close()
		}
	}

	return service.New(db, pub), cleanup, nil
}

func cmdSend(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	eventType := fs.String("type", "like", "event type (like, comment, follow, mention, bell_post)")
	actor := fs.String("actor", "", "actor user id")
	actorName := fs.String("actor-name", "", "actor display name")
	target := fs.String("target", "", "recipient user id")
	refType := fs.String("ref-type", "post", "target ref type")
	refID := fs.String("ref-id", "", "target ref id")
	priority := fs.String("priority", "", "override priority (high, normal, low)")
	count := fs.Int("count", 1, "number of events to send")
	fs.Parse(args)

	svc, cleanup, err := openService(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer cleanup()

	for i := 0; i < *count; i++ {
		actorID := *actor
		if *count > 1 {
			actorID = fmt.Sprintf("%s-%d", *actor, i)
		}
		ev := &events.Event{
			Type:         events.EventType(*eventType),
			Priority:     events.Priority(*priority),
			ActorID:      actorID,
			ActorName:    *actorName,
			TargetUserID: *target,
			TargetRef:    events.TargetRef{Type: *refType, ID: *refID},
			OccurredAt:   time.Now(),
		}
		id, err := svc.EnqueueEvent(ctx, ev)
		if err != nil {
			return err
		}
		fmt.Println("enqueued", id)
	}
	return nil
}

func cmdList(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	cursor := fs.String("cursor", "", "pagination cursor")
	limit := fs.Int("limit", 20, "page size")
	fs.Parse(args)

	svc, cleanup, err := openService(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer cleanup()

	page, err := svc.ListNotifications(ctx, *user, *cursor, *limit)
	if err != nil {
		return err
	}

	fmt.Printf("unread: %d\n", page.UnreadCount)
	for _, h := range page.Items {
		read := " "
		if h.IsRead {
			read = "r"
		}
		fmt.Printf("[%s] %s %-9s %-9s %s (%s)\n",
			read, h.ID, h.Type, h.DeliveryStatus, h.Message,
			strings.Join(h.Channels, ","))
	}
	if page.NextCursor != "" {
		fmt.Println("next cursor:", page.NextCursor)
	}
	return nil
}

func cmdRead(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	id := fs.String("id", "", "notification id")
	fs.Parse(args)

	svc, cleanup, err := openService(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer cleanup()
	return svc.MarkRead(ctx, *user, *id)
}

func cmdReadAll(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("read-all", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	fs.Parse(args)

	svc, cleanup, err := openService(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer cleanup()

	n, err := svc.MarkAllRead(ctx, *user)
	if err != nil {
		return err
	}
	fmt.Println("marked read:", n)
	return nil
}

func cmdPrefs(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("prefs", flag.ExitOnError)
	user := fs.String("user", "", "user id")
	set := fs.Bool("set", false, "apply the flag values instead of printing")
	pushOn := fs.Bool("push", true, "push channel enabled")
	emailOn := fs.Bool("email", true, "email channel enabled")
	smsOn := fs.Bool("sms", false, "sms channel enabled")
	emailAddr := fs.String("email-addr", "", "email address")
	phone := fs.String("phone", "", "phone number")
	dnd := fs.String("dnd", "", "quiet hours window HH:MM-HH:MM (empty disables)")
	tz := fs.String("tz", "UTC", "IANA timezone")
	fs.Parse(args)

	svc, cleanup, err := openService(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer cleanup()

	if !*set {
		p, err := svc.GetPreferences(ctx, *user)
		if err != nil {
			return err
		}
		fmt.Printf("push=%v email=%v sms=%v activity=%v social=%v marketing=%v\n",
			p.PushEnabled, p.EmailEnabled, p.SMSEnabled,
			p.ActivityEnabled, p.SocialEnabled, p.MarketingEnabled)
		if p.DNDEnabled {
			fmt.Printf("dnd=%s-%s tz=%s\n", p.DNDStart, p.DNDEnd, p.Timezone)
		}
		return nil
	}

	p := database.DefaultPreferences(*user)
	p.PushEnabled = *pushOn
	p.EmailEnabled = *emailOn
	p.SMSEnabled = *smsOn
	p.EmailAddr = *emailAddr
	p.Phone = *phone
	p.Timezone = *tz
	if *dnd != "" {
		parts := strings.SplitN(*dnd, "-", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid dnd window %q, expected HH:MM-HH:MM", *dnd)
		}
		p.DNDEnabled = true
		p.DNDStart = parts[0]
		p.DNDEnd = parts[1]
	}
	return svc.UpdatePreferences(ctx, p)
}

func cmdStats(ctx context.Context, cfg *config.Config) error {
	svc, cleanup, err := openService(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := svc.FallbackQueueStats(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("fallback pending:  %d\n", stats.Pending)
	fmt.Printf("fallback poisoned: %d\n", stats.Poisoned)
	if stats.OldestPending != nil {
		fmt.Printf("oldest pending:    %s\n", time.Since(*stats.OldestPending).Round(time.Second))
	}
	return nil
}

func cmdMetrics(ctx context.Context, cfg *config.Config) error {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	collector := metrics.NewCollector(rdb, "notifyd")
	counters, err := collector.Read(ctx)
	if err != nil {
		return err
	}
	for name, value := range counters {
		fmt.Printf("%-28s %d\n", name, value)
	}
	return nil
}
