package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/mahaj/studio-chat/pkg/client"
	"github.com/mahaj/studio-chat/pkg/config"
	"github.com/mahaj/studio-chat/pkg/delivery"
	"github.com/mahaj/studio-chat/pkg/logger"
	"github.com/mahaj/studio-chat/pkg/model"
	"github.com/mahaj/studio-chat/pkg/session"
	"github.com/mahaj/studio-chat/pkg/syncer"
)

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "studio-chat", "session")
}

func main() {
	apiAddr := flag.String("api", "http://localhost:8080", "chat api address")
	email := flag.String("email", "", "account email (anonymous when empty)")
	password := flag.String("password", "", "account password")
	register := flag.Bool("register", false, "create the account first")
	sessionFlag := flag.String("session", "", "session to open (admins only; defaults to your own)")
	statePath := flag.String("state", defaultStatePath(), "where the anonymous session id is kept")
	flag.Parse()

	slog.SetDefault(logger.New(config.Config{Env: "client"}, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	api, err := client.New(*apiAddr)
	if err != nil {
		log.Fatal(err)
	}

	sender := model.SenderUser
	var sessionID string
	switch {
	case *email != "":
		var res client.AuthResult
		if *register {
			res, err = api.Register(ctx, *email, *password, "")
		} else {
			res, err = api.Login(ctx, *email, *password)
		}
		if err != nil {
			log.Fatal("login failed: ", err)
		}
		sessionID = res.SessionID
		if res.Role == model.RoleAdmin {
			sender = model.SenderAdmin
		}
		fmt.Printf("signed in as %s (%s)\n", res.Email, res.Role)
		defer api.Logout(context.Background())
	default:
		sessionID, err = session.LoadOrCreateAnonymous(*statePath)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Printf("chatting anonymously as %s\n", sessionID)
	}
	if *sessionFlag != "" {
		sessionID = *sessionFlag
	}

	out := &screen{}
	ctrl := delivery.New(api)
	engine := syncer.New(api, ctrl, syncer.Options{OnChange: out.render})
	ctrl.OnChange(engine.Refresh)
	engine.Start(ctx, sessionID)
	defer engine.Stop()

	// Push is only a hint to poll early; polling works without it. Admins
	// take the all-sessions feed so /session switches keep their hints.
	feed := sessionID
	if sender == model.SenderAdmin {
		feed = ""
	}
	if hints, err := api.Subscribe(ctx, feed); err != nil {
		slog.Debug("push channel unavailable", "error", err)
	} else {
		go engine.WatchHints(ctx, hints)
	}

	fmt.Println("commands: /retry, /session <id>, /quit")
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			switch {
			case line == "":
			case line == "/quit":
				return
			case line == "/retry":
				for _, e := range ctrl.Entries(engine.SessionID()) {
					if e.State == model.StateFailed {
						go ctrl.Retry(ctx, e.TempID)
					}
				}
			case strings.HasPrefix(line, "/session "):
				next := strings.TrimSpace(strings.TrimPrefix(line, "/session "))
				if !session.Valid(next) {
					fmt.Println("invalid session id")
					continue
				}
				engine.SetSession(next)
			default:
				go ctrl.Submit(ctx, engine.SessionID(), sender, line)
			}
		}
	}
}

// screen redraws the conversation on every change.
type screen struct {
	mu sync.Mutex
}

func (s *screen) render(sessionID string, view []syncer.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Print("\033[H\033[2J")
	fmt.Printf("── %s ──\n", displayName(sessionID))
	for _, it := range view {
		mark := ""
		switch it.State {
		case model.StateSending:
			mark = "  …"
		case model.StateFailed:
			mark = "  ✗ not sent, /retry"
		}
		fmt.Printf("[%s] %-5s %s%s\n", it.CreatedAt.Local().Format("15:04"), it.Sender, it.Text, mark)
	}
	fmt.Print("> ")
}

func displayName(sessionID string) string {
	if email, err := session.EmailFor(sessionID); err == nil {
		return email
	}
	return sessionID
}
