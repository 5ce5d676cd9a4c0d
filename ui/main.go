// Command ui runs a job queue with a small web frontend that streams
// queue state and job lifecycle events over a websocket.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/calque/jobq"
	"github.com/calque/jobq/mysql"
	jobqredis "github.com/calque/jobq/redis"
	"github.com/calque/jobq/sqlite"
	"github.com/calque/jobq/ui/server"
)

func main() {
	var (
		addr        = flag.String("addr", "127.0.0.1:8997", "web server address")
		concurrency = flag.Int("c", 5, "maximum number of workers")
		dburl       = flag.String("dburl", "", "MySQL DSN for persistent storage")
		redisurl    = flag.String("redisurl", "", "Redis URL for broker storage")
		sqlitePath  = flag.String("sqlite", "", "SQLite database path (e.g. jobs.db)")
		fillTime    = flag.Duration("fill-time", 3*time.Second, "interval in which new demo jobs get added")
		failureRate = flag.Float64("failure-rate", 0.1, "failure rate in the interval [0.0,1.0]")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	st, err := newStore(*dburl, *redisurl, *sqlitePath)
	if err != nil {
		log.Fatal(err)
	}

	var srv *server.Server
	m := jobq.New(
		jobq.SetStore(st),
		jobq.SetConcurrency(*concurrency),
		jobq.SetEventHandler(func(e jobq.Event) { srv.EventHandler()(e) }),
	)
	srv = server.New(m)

	err = m.Register("demo", func(ctx context.Context, payload json.RawMessage) error {
		time.Sleep(time.Duration(rand.Int63n(int64(2 * time.Second))))
		if rand.Float64() < *failureRate {
			return errors.New("demo job failed")
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}
	defer m.Close()

	// A cron entry keeps the queue busy even without the filler below.
	sched := jobq.NewScheduler(m)
	if err := sched.AddEntry("@every 1m", "demo", nil); err != nil {
		log.Fatal(err)
	}
	if err := sched.Start(); err != nil {
		log.Fatal(err)
	}
	defer sched.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		for {
			select {
			case <-time.After(time.Duration(rand.Int63n(int64(*fillTime)))):
				if _, err := m.Enqueue(ctx, "demo", nil); err != nil {
					log.Printf("enqueue: %v", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	log.Printf("listening on http://%s", *addr)
	if err := srv.Serve(ctx, *addr); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

func newStore(dburl, redisurl, sqlitePath string) (jobq.Store, error) {
	switch {
	case dburl != "":
		return mysql.NewStore(dburl)
	case redisurl != "":
		return jobqredis.NewStore(redisurl)
	case sqlitePath != "":
		return sqlite.NewStore(sqlitePath)
	}
	return jobq.NewInMemoryStore(), nil
}
