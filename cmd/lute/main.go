package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shedrachokonofua/lute/config"
	"github.com/shedrachokonofua/lute/contentstore"
	"github.com/shedrachokonofua/lute/crawler"
	"github.com/shedrachokonofua/lute/eventlog"
	eventlogpg "github.com/shedrachokonofua/lute/eventlog/postgres"
	"github.com/shedrachokonofua/lute/files"
	"github.com/shedrachokonofua/lute/kv"
	"github.com/shedrachokonofua/lute/scheduler"
	schedulerpg "github.com/shedrachokonofua/lute/scheduler/postgres"
)

var version = "dev"

func main() {
	fmt.Printf("lute %s\n", version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Load().Get()

	eventLog, err := eventlogpg.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("eventlog: %v", err)
	}
	defer eventLog.Close()

	schedulerStore, err := schedulerpg.Open(ctx, cfg.Database.URL)
	if err != nil {
		log.Fatalf("scheduler: %v", err)
	}
	defer schedulerStore.Close()

	kvStore, err := kv.Open(cfg.Redis.URL, cfg.Redis.MaxPoolSize)
	if err != nil {
		log.Fatalf("kv: %v", err)
	}
	defer kvStore.Close()

	contentStoreRoot := env("LUTE_CONTENT_STORE_DIR", "./data/content")
	contentStore := contentstore.NewFS(contentStoreRoot)

	fileStore := files.NewKVStore(kvStore)
	fileInteractor := files.NewDefaultInteractor(fileStore, files.TTLByPageType{
		files.PageTypeArtist:            time.Duration(cfg.File.TTLDays.Artist) * 24 * time.Hour,
		files.PageTypeAlbum:             time.Duration(cfg.File.TTLDays.Album) * 24 * time.Hour,
		files.PageTypeChart:             time.Duration(cfg.File.TTLDays.Chart) * 24 * time.Hour,
		files.PageTypeAlbumSearchResult: time.Duration(cfg.File.TTLDays.Search) * 24 * time.Hour,
	})

	sched := scheduler.New(schedulerStore)
	claimDuration := time.Duration(cfg.Crawler.ClaimTTLSeconds) * time.Second

	var proxy *crawler.ProxySettings
	if cfg.Crawler.Proxy.Host != "" {
		proxy = &crawler.ProxySettings{
			Host:     cfg.Crawler.Proxy.Host,
			Port:     cfg.Crawler.Proxy.Port,
			Username: cfg.Crawler.Proxy.Username,
			Password: cfg.Crawler.Proxy.Password,
		}
	}

	crwl := crawler.New(crawler.Config{
		Proxy:           proxy,
		RateLimitWindow: time.Duration(cfg.Crawler.RateLimit.WindowSeconds) * time.Second,
		RateLimitMax:    uint32(cfg.Crawler.RateLimit.MaxRequests),
		RequestTimeout:  30 * time.Second,
		ClaimDuration:   claimDuration,
	}, contentStore, fileStore, fileInteractor, eventLog, sched, schedulerStore, kvStore)

	sched.Register(scheduler.JobNameCrawl, crwl.Execute, scheduler.ProcessorConfig{
		BatchSize:     cfg.Crawler.PoolSize,
		Concurrency:   cfg.Crawler.PoolSize,
		ClaimDuration: claimDuration,
		Cooldown:      time.Duration(cfg.Crawler.WaitTimeSeconds) * time.Second,
	})
	sched.Register(scheduler.JobNameChangeSubscriberStatus, changeSubscriberStatusProcessor(eventLog), scheduler.ProcessorConfig{
		BatchSize: 10,
		Cooldown:  time.Second,
	})

	go func() {
		if err := sched.Run(ctx); err != nil {
			log.Printf("scheduler: run: %v", err)
		}
	}()
	go garbageCollectOrphans(ctx, sched, claimDuration)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down…")
	cancel()
}

// changeSubscriberStatusProcessor binds JobNameChangeSubscriberStatus to the
// flip of a subscriber's durable status — the mechanism subscriber.PauseFor
// and PauseUntil use to schedule their own resumption.
func changeSubscriberStatusProcessor(eventLog eventlog.Log) scheduler.Processor {
	return func(ctx context.Context, job scheduler.Job) error {
		payload, err := scheduler.DecodePayload[scheduler.ChangeSubscriberStatusPayload](job)
		if err != nil {
			return err
		}
		return eventLog.SetSubscriberStatus(ctx, payload.SubscriberID, eventlog.SubscriberStatus(payload.Status))
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func garbageCollectOrphans(ctx context.Context, sched *scheduler.Scheduler, claimDuration time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sched.GarbageCollectOrphanedTransientJobs(ctx, claimDuration); err != nil {
				log.Printf("scheduler: garbage collect: %v", err)
			}
		}
	}
}
