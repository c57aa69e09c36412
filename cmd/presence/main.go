package main

import (
	"flag"
	"log"

	"github.com/aussiebroadwan/tabconsole/internal/console/app"
)

func main() {
	logout := flag.Bool("logout", false, "revoke and forget the persisted session, then exit")
	flag.Parse()

	cfg := app.LoadConfig()

	application, err := app.New(cfg)
	if err != nil {
		log.Fatalf("failed to initialize application: %v", err)
	}

	if *logout {
		if err := application.Logout(); err != nil {
			log.Fatalf("logout failed: %v", err)
		}
		return
	}

	if err := application.Run(); err != nil {
		log.Fatalf("application error: %v", err)
	}
}
