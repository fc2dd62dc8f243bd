// Command follow is a terminal follower for a live lecture: it joins a
// session by name, replays the instructor's edit stream in order, and
// repairs gaps from the committed log. Mostly a debugging tool, but it
// exercises the same client core the editors embed.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codealong/internal/change"
	"codealong/internal/models"
	"codealong/internal/stream"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

type replica struct {
	text string
}

func (r *replica) Apply(version int, payload json.RawMessage) error {
	c, err := change.Decode(payload)
	if err != nil {
		return err
	}
	next, err := c.Apply(r.text)
	if err != nil {
		return err
	}
	r.text = next
	fmt.Printf("\n--- #%d ---\n%s\n", version, r.text)
	return nil
}

func (r *replica) Len() int { return len(r.text) }

type joinState struct {
	Session models.LectureSession `json:"session"`
	Doc     string                `json:"doc"`
	Version int                   `json:"version"`
}

func main() {
	server := flag.String("server", "localhost:8080", "server host:port")
	name := flag.String("name", "", "lecture session name")
	flag.Parse()
	if *name == "" {
		fmt.Fprintln(os.Stderr, "usage: follow -name <lecture> [-server host:port]")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	join, err := joinSession(ctx, *server, *name)
	if err != nil {
		log.Fatalf("failed to join %q: %v", *name, err)
	}
	log.Printf("✓ Joined lecture %q (session %d) at version %d",
		join.Session.Name, join.Session.ID, join.Version)
	if join.Doc != "" {
		fmt.Printf("--- #%d ---\n%s\n", join.Version, join.Doc)
	}

	doc := &replica{text: join.Doc}
	fetcher := &stream.HTTPSuffixFetcher{
		BaseURL:   fmt.Sprintf("http://%s/api/instructor-changes", *server),
		SessionID: join.Session.ID,
	}
	follower := stream.NewFollower(join.Version, doc, fetcher, func(err error) {
		log.Printf("stream diverged beyond repair: %v", err)
	})

	wsURL := url.URL{
		Scheme:   "ws",
		Host:     *server,
		Path:     "/ws/lecture",
		RawQuery: fmt.Sprintf("session=%d", join.Session.ID),
	}

	// Reconnect with backoff; after each reconnect the next edit's catch-up
	// fetch fills whatever the broadcast missed while we were away.
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	op := func() error {
		err := follow(ctx, wsURL.String(), follower)
		if err == nil || follower.Failed() || ctx.Err() != nil {
			return nil
		}
		log.Printf("connection lost: %v (reconnecting)", err)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		log.Fatalf("gave up reconnecting: %v", err)
	}
}

func joinSession(ctx context.Context, server, name string) (*joinState, error) {
	u := fmt.Sprintf("http://%s/api/lecture-session?name=%s", server, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server said %s", resp.Status)
	}
	var join joinState
	if err := json.NewDecoder(resp.Body).Decode(&join); err != nil {
		return nil, err
	}
	return &join, nil
}

// follow runs one websocket connection until it drops or the session ends.
// A nil return means the session ended cleanly.
func follow(ctx context.Context, wsURL string, follower *stream.Follower) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var env models.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			log.Printf("undecodable frame: %v", err)
			continue
		}

		switch env.Type {
		case models.EventInstructorEdit:
			var ev models.EditEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				log.Printf("bad edit event: %v", err)
				continue
			}
			if err := follower.HandleEdit(ctx, ev.Version, ev.Changes); err != nil {
				if follower.Failed() {
					return nil
				}
				log.Printf("catch-up failed: %v (will retry on next edit)", err)
			}

		case models.EventInstructorCursor:
			var ev models.CursorEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				continue
			}
			cur := follower.HandleCursor(ev.Anchor, ev.Head)
			log.Printf("instructor cursor at %d..%d", cur.Anchor, cur.Head)

		case models.EventInstructorCodeRun:
			log.Println("instructor ran the code")

		case models.EventInstructorOutOfSync:
			var ev models.OutOfSyncEvent
			if err := json.Unmarshal(env.Payload, &ev); err != nil {
				continue
			}
			log.Printf("server reports commit trouble: %s", ev.Error)

		case models.EventInstructorEndSession:
			log.Println("✓ Session ended by the instructor")
			return nil

		default:
			log.Printf("ignoring event %q", env.Type)
		}
	}
}
