// Package pingstream watches a set of URLs and streams every check result
// to live subscribers.
//
// Each registered URL is checked on a fixed interval with a single GET. A
// check that is still running when the next tick arrives causes that tick
// to be skipped, so a target never has more than one check in flight.
// Results are classified coarsely: a 2xx or 3xx response is a success and
// everything else, including timeouts and transport errors, is a failure.
//
// # Quick Start
//
//	m, err := pingstream.New(
//	    pingstream.WithTargets("https://example.com"),
//	    pingstream.WithInterval(5*time.Second),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
//	defer stop()
//
//	m.Start(ctx) // serves the dashboard and blocks until ctx is cancelled
//
// # Embedding
//
// [Monitor.Open] starts checking without the HTTP server, for programs that
// consume results directly:
//
//	if err := m.Open(ctx); err != nil {
//	    return err
//	}
//	defer m.Close()
//
//	sub := m.Subscribe(check.All())
//	for r := range sub.C {
//	    fmt.Println(r.URL, r.Outcome)
//	}
//
// A subscriber that stops reading is disconnected once its buffer fills,
// and its channel is closed. It never slows down other subscribers or the
// checks themselves.
//
// # Persistence
//
// Targets live in process memory unless a [Store] is supplied with
// [WithStore]. Stores for PostgreSQL, MongoDB and Redis are provided under
// internal/registry and selected from configuration by the pingstream
// command. Persisted targets resume checking on [Monitor.Open].
//
// # Duplicates
//
// By default the same URL may be registered more than once, each
// registration being an independent target. [WithDuplicatePolicy] with
// [RejectDuplicates] makes a second registration fail with
// [ErrDuplicateTarget].
package pingstream
