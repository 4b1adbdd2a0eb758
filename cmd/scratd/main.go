// Command scratd is the headless daemon entrypoint: it opens the
// metadata store, starts the scheduler against every configured
// schedule, and runs until a signal asks it to stop. Credential
// storage, the setup wizard, tray icon and autostart registration are
// the desktop shell's job, not this binary's — it only needs a
// passphrase per watched source, supplied here through the
// environment since no credential store is in scope.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/scrat-backup/scrat/backup"
	"github.com/scrat-backup/scrat/events"
	"github.com/scrat-backup/scrat/metadata"
	"github.com/scrat-backup/scrat/schedule"
)

// passphraseEnvPrefix names the environment variables scratd reads a
// source's passphrase from: SCRAT_PASSPHRASE_<sourceID>, with any
// non-alphanumeric rune in the id flattened to an underscore.
const passphraseEnvPrefix = "SCRAT_PASSPHRASE_"

func main() {
	dbPath := flag.String("db", "", "path to the scrat metadata database (default: ~/.scrat/scrat.db)")
	flag.Parse()

	path := *dbPath
	if path == "" {
		var err error
		path, err = metadata.DefaultPath()
		if err != nil {
			log.Fatalf("scratd: resolve default database path: %v", err)
		}
	}

	store, err := metadata.Open(path)
	if err != nil {
		log.Fatalf("scratd: open metadata store %s: %v", path, err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus(ctx)
	engine := backup.NewEngine(store, bus)
	sched := schedule.NewScheduler(store, engine, bus)

	sources, err := store.ListSources()
	if err != nil {
		log.Fatalf("scratd: list sources: %v", err)
	}
	for _, src := range sources {
		if pass, ok := lookupPassphrase(src.ID); ok {
			sched.SetPassphrase(src.ID, pass)
		}
	}

	if err := sched.Start(ctx); err != nil {
		log.Fatalf("scratd: start scheduler: %v", err)
	}
	log.Printf("scratd: running against %s", path)

	<-ctx.Done()
	log.Println("scratd: shutting down")
	sched.Stop()
}

func lookupPassphrase(sourceID string) (string, bool) {
	key := passphraseEnvPrefix + sanitizeEnvName(sourceID)
	return os.LookupEnv(key)
}

func sanitizeEnvName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, s)
}
