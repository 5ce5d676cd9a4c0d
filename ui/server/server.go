// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/calque/jobq"
)

// Server is a simple web server with a WebSocket backend. It pushes a
// periodic snapshot of the queue and live job lifecycle events to all
// connected clients.
type Server struct {
	m *jobq.Manager
	h *hub
}

// New initializes a new Server.
func New(m *jobq.Manager) *Server {
	return &Server{
		m: m,
		h: newHub(),
	}
}

// EventHandler returns a sink for the manager's SetEventHandler
// option. Events are broadcast to all connected clients; the send is
// non-blocking, so worker goroutines never stall on slow clients.
func (srv *Server) EventHandler() jobq.EventHandler {
	return func(e jobq.Event) {
		payload, err := json.Marshal(struct {
			Type  string     `json:"type"`
			Event jobq.Event `json:"event"`
		}{Type: "JOB_EVENT", Event: e})
		if err != nil {
			return
		}
		select {
		case srv.h.broadcast <- payload:
		default:
		}
	}
}

// Serve initializes the mux and starts the web server at the given
// address. It blocks until the server fails or ctx is cancelled.
func (srv *Server) Serve(ctx context.Context, addr string) error {
	r := http.NewServeMux()
	r.Handle("/ws", wsserver{srv: srv})
	r.Handle("/", http.FileServer(http.Dir("public")))

	hs := &http.Server{Addr: addr, Handler: r}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.h.run(ctx) })
	g.Go(func() error { return srv.watch(ctx) })
	g.Go(func() error { return hs.ListenAndServe() })
	g.Go(func() error {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(sctx)
	})
	return g.Wait()
}

// State is a point-in-time snapshot of the job queue.
type State struct {
	Type       string      `json:"type"`
	Stats      *jobq.Stats `json:"stats,omitempty"`
	Queued     []*jobq.Job `json:"queued,omitempty"`
	Processing []*jobq.Job `json:"processing,omitempty"`
	Completed  []*jobq.Job `json:"completed,omitempty"`
	Failed     []*jobq.Job `json:"failed,omitempty"`
}

// watch periodically collects a snapshot and broadcasts it.
func (srv *Server) watch(ctx context.Context) error {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			state, err := srv.snapshot(ctx)
			if err != nil {
				continue // backend hiccup: skip this tick
			}
			payload, err := json.Marshal(state)
			if err != nil {
				continue
			}
			select {
			case srv.h.broadcast <- payload:
			default:
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (srv *Server) snapshot(ctx context.Context) (*State, error) {
	state := &State{Type: "SET_STATE"}
	stats, err := srv.m.Stats(ctx, &jobq.StatsRequest{})
	if err != nil {
		return nil, err
	}
	state.Stats = stats
	for _, q := range []struct {
		status string
		limit  int
		dst    *[]*jobq.Job
	}{
		{jobq.Queued, 25, &state.Queued},
		{jobq.Processing, 25, &state.Processing},
		{jobq.Completed, 10, &state.Completed},
		{jobq.Failed, 10, &state.Failed},
	} {
		rsp, err := srv.m.List(ctx, &jobq.ListRequest{Status: q.status, Limit: q.limit})
		if err != nil {
			return nil, err
		}
		*q.dst = rsp.Jobs
	}
	return state, nil
}
