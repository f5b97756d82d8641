// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
//
// relaypool-req - query, stream or publish against a set of relays from the
// command line.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/girino/relaypool/auth"
	"github.com/girino/relaypool/connection"
	"github.com/girino/relaypool/intake"
	"github.com/girino/relaypool/logging"
	"github.com/girino/relaypool/pool"
	"github.com/girino/relaypool/retry"
	"github.com/girino/relaypool/rxnostr"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Config holds the parsed command line.
type Config struct {
	Relays  []string
	Filter  nostr.Filter
	Stream  bool
	Publish bool
	Seen    bool
	SecKey  string
	Timeout time.Duration
	Verbose string
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// decodePubKey accepts hex or npub.
func decodePubKey(s string) (string, error) {
	if strings.HasPrefix(s, "npub") {
		_, v, err := nip19.Decode(s)
		if err != nil {
			return "", err
		}
		return v.(string), nil
	}
	if !nostr.IsValid32ByteHex(s) {
		return "", fmt.Errorf("invalid pubkey %q", s)
	}
	return s, nil
}

func parseArgs(args []string) (*Config, error) {
	fs := flag.NewFlagSet("relaypool-req", flag.ContinueOnError)
	relays := fs.String("relays", os.Getenv("RELAYS"), "comma-separated relay URLs (env: RELAYS)")
	kinds := fs.String("kinds", "", "comma-separated kinds")
	authors := fs.String("authors", "", "comma-separated authors, hex or npub")
	ids := fs.String("ids", "", "comma-separated event ids")
	limit := fs.Int("limit", 0, "maximum events per relay")
	since := fs.Duration("since", 0, "only events newer than this long ago")
	search := fs.String("search", "", "NIP-50 search string")
	stream := fs.Bool("stream", false, "keep the subscription open and print new events")
	publish := fs.Bool("publish", false, "read events from stdin, one JSON object per line, and publish them")
	seen := fs.Bool("seen", false, "print the relays that delivered each event")
	sec := fs.String("sec", os.Getenv("NOSTR_SECRET_KEY"), "secret key for signing and NIP-42, hex or nsec (env: NOSTR_SECRET_KEY)")
	timeout := fs.Duration("timeout", 30*time.Second, "EOSE, OK and connect timeout")
	verbose := fs.String("verbose", os.Getenv("VERBOSE"), "verbose logging control (env: VERBOSE)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &Config{
		Relays:  splitList(*relays),
		Stream:  *stream,
		Publish: *publish,
		Seen:    *seen,
		SecKey:  *sec,
		Timeout: *timeout,
		Verbose: *verbose,
	}
	if len(cfg.Relays) == 0 {
		return nil, errors.New("no relays given")
	}
	if cfg.Stream && cfg.Publish {
		return nil, errors.New("-stream and -publish are exclusive")
	}
	for _, k := range splitList(*kinds) {
		n, err := strconv.Atoi(k)
		if err != nil {
			return nil, fmt.Errorf("invalid kind %q", k)
		}
		cfg.Filter.Kinds = append(cfg.Filter.Kinds, n)
	}
	for _, a := range splitList(*authors) {
		pk, err := decodePubKey(a)
		if err != nil {
			return nil, err
		}
		cfg.Filter.Authors = append(cfg.Filter.Authors, pk)
	}
	cfg.Filter.IDs = splitList(*ids)
	cfg.Filter.Limit = *limit
	cfg.Filter.Search = *search
	if *since > 0 {
		ts := nostr.Timestamp(time.Now().Add(-*since).Unix())
		cfg.Filter.Since = &ts
	}
	return cfg, nil
}

// waitReady blocks until every relay is connected or dead.
func waitReady(ctx context.Context, c *rxnostr.Client, urls []string) {
	changed := make(chan struct{}, 1)
	cancel := c.OnConnectionState(func(connection.StateChange) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer cancel()
	for {
		ready := true
		for _, u := range urls {
			s, ok := c.ConnectionState(u)
			if ok && s != connection.Connected && s.Alive() {
				ready = false
			}
		}
		if ready {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-changed:
		}
	}
}

func run(ctx context.Context, cfg *Config, in io.Reader, out io.Writer, opts ...rxnostr.Option) error {
	base := []rxnostr.Option{
		rxnostr.WithRetry(retry.Immediate(2)),
		rxnostr.WithEOSETimeout(cfg.Timeout),
		rxnostr.WithOKTimeout(cfg.Timeout),
		rxnostr.WithDialTimeout(cfg.Timeout),
	}
	if cfg.SecKey != "" {
		signer, err := auth.NewKeySigner(cfg.SecKey)
		if err != nil {
			return err
		}
		base = append(base, rxnostr.WithSigner(signer))
	}
	c := rxnostr.New(append(base, opts...)...)
	defer c.Dispose()

	var descs []pool.Descriptor
	for _, u := range cfg.Relays {
		descs = append(descs, pool.Descriptor{URL: u, Read: true, Write: true})
	}
	change, err := c.SetDefaultRelays(descs...)
	if err != nil {
		return err
	}
	readyCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	waitReady(readyCtx, c, change.Current)
	cancel()

	if cfg.Publish {
		return publish(ctx, c, in, out)
	}
	return query(ctx, c, cfg, out)
}

func query(ctx context.Context, c *rxnostr.Client, cfg *Config, out io.Writer) error {
	open := c.Backward
	if cfg.Stream {
		open = c.Forward
	}
	sub, err := open("req")
	if err != nil {
		return err
	}
	defer sub.Stop()
	if err := sub.EmitFilters(cfg.Filter); err != nil {
		return err
	}
	if !cfg.Stream {
		sub.Over()
	}

	enc := json.NewEncoder(out)
	tie := intake.NewTie(0)
	var order []string
	relays := map[string][]string{}
	events := map[string]*nostr.Event{}
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Errors():
			logging.Warn("%v", err)
		case pkt, ok := <-sub.Packets():
			if !ok {
				for _, id := range order {
					enc.Encode(seenLine{Event: events[id], Relays: relays[id]})
				}
				return nil
			}
			tp := tie.Annotate(pkt)
			if !cfg.Seen {
				if tp.First {
					fmt.Fprintln(out, pkt.Event.String())
				}
				continue
			}
			if tp.First {
				order = append(order, pkt.Event.ID)
				events[pkt.Event.ID] = pkt.Event
			}
			relays[pkt.Event.ID] = tp.Seen
		}
	}
}

type seenLine struct {
	Event  *nostr.Event `json:"event"`
	Relays []string     `json:"relays"`
}

type okLine struct {
	ID      string `json:"id"`
	Relay   string `json:"relay"`
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func publish(ctx context.Context, c *rxnostr.Client, in io.Reader, out io.Writer) error {
	enc := json.NewEncoder(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var failed int
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var evt nostr.Event
		if err := json.Unmarshal([]byte(line), &evt); err != nil {
			return fmt.Errorf("parse event: %w", err)
		}
		if evt.CreatedAt == 0 {
			evt.CreatedAt = nostr.Now()
		}
		if evt.Tags == nil {
			evt.Tags = nostr.Tags{}
		}
		ch, err := c.Send(ctx, &evt)
		if err != nil {
			return err
		}
		accepted := false
		for pkt := range ch {
			l := okLine{ID: pkt.EventID, Relay: pkt.From, OK: pkt.OK, Message: pkt.Message}
			if pkt.Err != nil {
				l.Message = pkt.Err.Error()
			}
			accepted = accepted || pkt.OK
			enc.Encode(l)
		}
		if !accepted {
			failed++
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d events accepted by no relay", failed)
	}
	return nil
}

func main() {
	cfg, err := parseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		logging.Fatal("%v", err)
	}
	logging.SetVerbose(cfg.Verbose)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		logging.Fatal("%v", err)
	}
}
