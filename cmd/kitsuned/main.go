// Command kitsuned runs the ActivityPub federation core: an inbound inbox
// endpoint, a bounded-depth fetcher, and a backoff-retrying delivery queue,
// adapted from the teacher's main.go/app.App flag-parse → configure →
// initialize → start → graceful-shutdown shape, minus the SSH/TUI surface
// that sits outside this core's scope.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/kitsune-fed/kitsune/config"
	"github.com/kitsune-fed/kitsune/domain"
	"github.com/kitsune-fed/kitsune/federation"
	"github.com/kitsune-fed/kitsune/queue"
	"github.com/kitsune-fed/kitsune/store"
	"github.com/kitsune-fed/kitsune/util"
	"github.com/kitsune-fed/kitsune/web"
)

func main() {
	versionFlag := flag.Bool("v", false, "Print version information")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("kitsuned v%s\n", util.GetVersion())
		os.Exit(0)
	}

	conf, err := config.ReadConf()
	if err != nil {
		log.Fatalln(err)
	}

	util.SetupLogging(conf.Conf.WithJournald)

	log.Printf("kitsuned v%s", util.GetVersion())
	log.Println("Configuration: ")
	log.Println(util.PrettyPrint(conf))

	if conf.Conf.WithPprof {
		go func() {
			log.Println("pprof server listening on localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	db := store.GetDB()

	accounts := store.NewAccountStore(db)
	posts := store.NewPostStore(db)
	follows := store.NewFollowStore(db)
	favourites := store.NewFavouriteStore(db)
	jobRows := store.NewJobStore(db)

	urls := web.NewURLBuilder(conf)
	filter := federation.NewFilter(conf.Conf.FederationPolicy, conf.Conf.FederationDomains)
	client := federation.NewClient(time.Duration(conf.Conf.HttpTimeoutSeconds) * time.Second)

	webfingerCache := store.NewTTLCache[string, federation.AccountResource](10 * time.Minute)
	accountCache := store.NewTTLCache[string, domain.Account](10 * time.Minute)
	postCache := store.NewTTLCache[string, domain.Post](10 * time.Minute)
	emojiCache := store.NewTTLCache[string, domain.CustomEmoji](time.Hour)

	resolver := federation.NewWebfingerResolver(client, filter, webfingerCache)

	fetcher := federation.NewAPFetcher(
		client, filter, resolver, accounts, posts,
		accountCache, postCache, emojiCache,
		store.NoopSearchIndex{}, conf.Conf.MaxFetchDepth,
	)

	inboxResolver := federation.NewInboxResolver(accounts, follows, posts)

	// adapter's retry handler closes over deliverer, which in turn needs
	// adapter (as its JobQueue) to enqueue retries — assigned here, wired
	// below once both exist.
	var deliverer *federation.ActivityDeliverer

	adapter := queue.NewAdapter(jobRows, func(ctx context.Context, payload []byte) error {
		return deliverer.RetryDelivery(ctx, payload)
	}, "kitsuned")

	deliverer = federation.NewDeliverer(
		client, accounts, posts, follows, inboxResolver,
		accounts, urls, adapter, conf.Conf.MaxConcurrentRequests,
	)

	dispatcher := federation.NewDispatcher(fetcher, accounts, posts, follows, favourites, deliverer, adapter)

	workers := conf.Conf.JobQueueWorkers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < workers; i++ {
		go adapter.Run(ctx)
	}

	resolveLocalActor := func(ctx context.Context, username string) (uuid.UUID, error) {
		account, err := accounts.FindByUsername(ctx, username)
		if err != nil {
			return uuid.Nil, err
		}
		if account == nil {
			return uuid.Nil, federation.NewNotFound("no local account with that username", nil)
		}
		return account.Id, nil
	}

	router := newRouter(conf, dispatcher, fetcher, resolveLocalActor)
	httpServer := &http.Server{
		Addr:    listenAddr(conf),
		Handler: router,
	}

	go func() {
		log.Printf("Starting HTTP server on %s:%d", conf.Conf.Host, conf.Conf.HttpPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-done
	log.Println("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	cancel() // stop queue workers

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	} else {
		log.Println("HTTP server stopped gracefully")
	}
}
