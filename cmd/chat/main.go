package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"qfit-chat/config"
	"qfit-chat/internal/api"
	"qfit-chat/internal/auth"
	"qfit-chat/internal/channel"
	"qfit-chat/internal/directory"
	"qfit-chat/internal/domain"
	"qfit-chat/internal/session"
	"qfit-chat/internal/status"
	"qfit-chat/internal/store"
	"qfit-chat/internal/uploader"
	"qfit-chat/pkg/logger"
)

func main() {
	var (
		token   = flag.String("token", os.Getenv("QFIT_TOKEN"), "auth token from the login flow")
		groupID = flag.String("group", "", "group id to open")
		list    = flag.Bool("list", false, "list your groups and exit")
	)
	flag.Parse()

	cfg := config.LoadConfig()
	logg := logger.New(cfg.AppMode)
	defer logg.Sync()

	identity, err := auth.ParseIdentity(*token, cfg.JWTSecret)
	if err != nil {
		log.Fatalf("Failed to resolve identity: %v", err)
	}

	st, err := buildStore(cfg, logg)
	if err != nil {
		log.Fatalf("Failed to open message store: %v", err)
	}
	defer st.Close()

	rest := api.NewClient(cfg.ServerURL, logg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *list {
		listGroups(ctx, rest, st, identity, logg)
		return
	}
	if *groupID == "" {
		log.Fatal("missing -group (or use -list to see your groups)")
	}

	ch, err := channel.Dial(ctx, cfg.SocketServerURL, logg)
	if err != nil {
		log.Fatalf("Failed to connect to messaging server: %v", err)
	}

	var up session.Uploader
	if cfg.S3Bucket != "" {
		s3up, err := uploader.NewS3Uploader(ctx, uploader.S3Config{
			Region:     cfg.S3Region,
			Bucket:     cfg.S3Bucket,
			AccessKey:  cfg.S3AccessKey,
			SecretKey:  cfg.S3SecretKey,
			Endpoint:   cfg.S3Endpoint,
			PublicBase: cfg.S3PublicBase,
		}, logg)
		if err != nil {
			ch.Close()
			log.Fatalf("Failed to configure uploads: %v", err)
		}
		up = s3up
	}

	// Declared before Open so the observer can close over it; the
	// callbacks never fire before Open returns.
	var sess *session.Session

	sess, err = session.Open(ctx, session.Config{
		GroupID:  *groupID,
		Identity: identity,
		Store:    st,
		Channel:  ch,
		Uploader: up,
		History:  rest,
		Observer: session.Observer{
			OnUpdate: func() {
				if msgs := sess.Messages(); len(msgs) > 0 {
					printMessage(msgs[len(msgs)-1])
				}
			},
			OnError:    func(err error) { fmt.Fprintf(os.Stderr, "! %v\n", err) },
			OnProgress: func(pct int) { fmt.Fprintf(os.Stderr, "uploading... %d%%\n", pct) },
		},
		Logger: logg,
	})
	if err != nil {
		ch.Close()
		log.Fatalf("Failed to open session: %v", err)
	}
	defer sess.Close()

	if cfg.StatusEnabled {
		statusSrv := status.NewServer(cfg.StatusPort, cfg.AppMode,
			func() []session.Info { return []session.Info{sess.Info()} }, logg)
		statusSrv.Start()
		defer statusSrv.Shutdown(context.Background())
	}

	printHistory(sess)
	runInputLoop(ctx, sess)
}

func buildStore(cfg *config.Config, logg *logger.Logger) (store.MessageStore, error) {
	switch cfg.StoreBackend {
	case "redis":
		return store.NewRedisStore(store.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logg), nil
	default:
		return store.NewSQLiteStore(cfg.SQLitePath, logg)
	}
}

func listGroups(ctx context.Context, rest *api.Client, st store.MessageStore, identity auth.Identity, logg *logger.Logger) {
	dir := directory.New(rest, st, logg)
	summaries, err := dir.UserGroups(ctx, identity.Email)
	if err != nil {
		log.Fatalf("Failed to list groups: %v", err)
	}
	if len(summaries) == 0 {
		fmt.Println("You are not part of any groups yet.")
		return
	}
	for _, s := range summaries {
		fmt.Printf("%-12s %-24s %s: %s\n", s.ID, s.Name, s.LatestSender, s.LatestBody)
	}
}

func printHistory(sess *session.Session) {
	for _, bucket := range sess.Buckets() {
		fmt.Printf("--- %s ---\n", bucket.Day)
		for _, m := range bucket.Messages {
			printMessage(m)
		}
	}
}

func printMessage(m domain.Message) {
	ts := m.SentAt.Local().Format("15:04")
	if m.AttachmentURL != "" {
		fmt.Printf("[%s] %s: %s (%s: %s)\n", ts, m.SenderName, m.Body, m.AttachmentKind, m.AttachmentURL)
		return
	}
	fmt.Printf("[%s] %s: %s\n", ts, m.SenderName, m.Body)
}

func runInputLoop(ctx context.Context, sess *session.Session) {
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			handleLine(ctx, sess, line)
			if sess.State() == session.StateClosed {
				return
			}
		}
	}
}

func handleLine(ctx context.Context, sess *session.Session, line string) {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
	case line == "/leave":
		if err := sess.Leave(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	case line == "/cancel":
		sess.CancelUpload()
	case strings.HasPrefix(line, "/upload "):
		path := strings.TrimSpace(strings.TrimPrefix(line, "/upload "))
		if err := sess.SendAttachment(ctx, path, filepath.Base(path)); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	default:
		if err := sess.SendText(ctx, line); err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	}
}
