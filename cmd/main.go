package main

import (
	"bufio"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/victornm/codeduel/internal/app"
	"github.com/victornm/codeduel/internal/config"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	a, err := app.Init(c)
	if err != nil {
		log.Fatalf("Init app failed: %v", err)
	}

	go a.Start()

	lines := make(chan string)
	go func() {
		defer close(lines)
		s := bufio.NewScanner(os.Stdin)
		for s.Scan() {
			lines <- s.Text()
		}
	}()

	con := newConsole(a, os.Stdout)
	con.help()

loop:
	for {
		select {
		case <-shutdown:
			break loop
		case line, ok := <-lines:
			if !ok || !con.exec(line) {
				break loop
			}
		}
	}

	con.close()
	a.Shutdown()
}

// loadConfig reads .env first, then CONFIG_PATH if set. Without a file the defaults and the
// environment apply.
func loadConfig() (app.Config, error) {
	c := app.DefaultConfig()

	if err := config.Dotenv(".env"); err != nil {
		return c, fmt.Errorf("load .env: %w", err)
	}

	if err := config.Load(os.Getenv("CONFIG_PATH"), &c); err != nil {
		return c, fmt.Errorf("load config: %w", err)
	}

	if c.Self.ID == "" {
		return c, fmt.Errorf("SELF_ID not set")
	}

	return c, nil
}
