// Command e2e soaks a job queue end to end: it continuously enqueues
// jobs with a configurable failure rate and prints queue statistics
// until interrupted.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/calque/jobq"
	"github.com/calque/jobq/mongodb"
	"github.com/calque/jobq/mysql"
	jobqredis "github.com/calque/jobq/redis"
	"github.com/calque/jobq/sqlite"
)

func main() {
	const (
		exampleDBURL = "root@tcp(127.0.0.1:3306)/jobq_e2e?loc=UTC&parseTime=true"
	)
	var (
		concurrency     = flag.Int("c", 2, "maximum number of workers")
		fillTime        = flag.Duration("fill-time", 5*time.Second, "interval in which new jobs get added")
		runTime         = flag.Duration("run-time", 7*time.Second, "maximum run time of a single job")
		logInterval     = flag.Duration("log-interval", 1*time.Second, "log interval for stats")
		maxAttempts     = flag.Int("max-attempts", 3, "maximum number of attempts per job")
		lease           = flag.Duration("lease", 10*time.Second, "lease duration for claimed jobs")
		dburl           = flag.String("dburl", "", "MySQL DSN for persistent storage, e.g. "+exampleDBURL)
		dbdebug         = flag.Bool("dbdebug", false, "Enable debug output for the MySQL store")
		redisurl        = flag.String("redisurl", "", "Redis URL, e.g. redis://localhost:6379/0")
		mongourl        = flag.String("mongourl", "", "MongoDB URL, e.g. mongodb://localhost/jobq_e2e")
		sqlitePath      = flag.String("sqlite", "", "SQLite database path")
		classList       = flag.String("classes", "a,b,c", "comma-separated list of job classes")
		cronSpec        = flag.String("cron", "", "additionally enqueue the first class on this cron expression")
		failureRate     = flag.Float64("failure-rate", 0.05, "failure rate in the interval [0.0,1.0]")
		shutdownTimeout = flag.Duration("shutdown-timeout", -1*time.Second, "timeout to wait after shutdown (negative to wait forever)")
	)
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize the manager
	options := []jobq.ManagerOption{
		jobq.SetConcurrency(*concurrency),
		jobq.SetLeaseDuration(*lease),
	}
	st, err := newStore(*dburl, *dbdebug, *redisurl, *mongourl, *sqlitePath)
	if err != nil {
		log.Fatal(err)
	}
	if st != nil {
		options = append(options, jobq.SetStore(st))
	}
	m := jobq.New(options...)

	// Add classes and handlers
	classes := strings.SplitN(*classList, ",", -1)
	for _, class := range classes {
		if err := m.Register(class, makeHandler(*failureRate, *runTime)); err != nil {
			log.Fatal(err)
		}
	}

	// Start the manager
	if err := m.Start(); err != nil {
		log.Fatal(err)
	}

	errc := make(chan error, 1)

	// Enqueue jobs
	go func() {
		errc <- enqueuer(m, classes, *fillTime, *maxAttempts)
	}()

	// Optionally drive one class from a cron entry
	if *cronSpec != "" {
		sched := jobq.NewScheduler(m)
		if err := sched.AddEntry(*cronSpec, classes[0], nil, jobq.WithMaxAttempts(*maxAttempts)); err != nil {
			log.Fatal(err)
		}
		if err := sched.Start(); err != nil {
			log.Fatal(err)
		}
		defer sched.Stop()
	}

	// Print stats
	go logger(m, *logInterval)

	// Wait for e.g. Ctrl+C
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
		log.Printf("signal %v", fmt.Sprint(<-c))
		errc <- m.CloseWithTimeout(*shutdownTimeout)
	}()

	if err := <-errc; err != nil {
		log.Fatal(err)
	} else {
		log.Print("exiting")
	}
}

func newStore(dburl string, dbdebug bool, redisurl, mongourl, sqlitePath string) (jobq.Store, error) {
	switch {
	case dburl != "":
		var options []mysql.StoreOption
		if dbdebug {
			options = append(options, mysql.SetDebug(true))
		}
		return mysql.NewStore(dburl, options...)
	case redisurl != "":
		return jobqredis.NewStore(redisurl)
	case mongourl != "":
		return mongodb.NewStore(mongourl)
	case sqlitePath != "":
		return sqlite.NewStore(sqlitePath)
	}
	return nil, nil // in-memory default
}

func enqueuer(m *jobq.Manager, classes []string, fillTime time.Duration, maxAttempts int) error {
	var cnt int

	fillTimeNanos := fillTime.Nanoseconds()
	for {
		time.Sleep(time.Duration(rand.Int63n(fillTimeNanos)) * time.Nanosecond)
		class := classes[rand.Intn(len(classes))]
		cnt++
		payload, _ := json.Marshal(map[string]interface{}{"n": cnt})
		_, err := m.Enqueue(context.Background(), class, payload,
			jobq.WithMaxAttempts(maxAttempts))
		if err != nil {
			return err
		}
	}
}

func logger(m *jobq.Manager, d time.Duration) {
	t := time.NewTicker(d)
	defer t.Stop()

	for range t.C {
		ss, err := m.Stats(context.Background(), &jobq.StatsRequest{})
		if err == nil {
			fmt.Printf("Queued=%6d Processing=%6d Completed=%6d Failed=%6d Cancelled=%6d\n",
				ss.Queued,
				ss.Processing,
				ss.Completed,
				ss.Failed,
				ss.Cancelled)
		}
	}
}

func makeHandler(failureRate float64, runTime time.Duration) jobq.Handler {
	runTimeNanos := runTime.Nanoseconds()
	return func(ctx context.Context, payload json.RawMessage) error {
		select {
		case <-time.After(time.Duration(rand.Int63n(runTimeNanos)) * time.Nanosecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		if failureRate > 0 && rand.Float64() < failureRate {
			return errors.New("handler failed")
		}
		return nil
	}
}
