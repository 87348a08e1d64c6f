// Package honeypot implements the Honeypot Log Ingestor (component I): it
// tails a honeypot's newline-delimited JSON event log and folds each
// recognized event into the Threat intelligence table (§4.8).
package honeypot

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
)

// FileSource tails a log file at path, following appends the way `tail -f`
// does, and decodes each line as a domain.HoneypotEvent.
type FileSource struct {
	path string
}

// NewFileSource builds a FileSource reading from path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

// Events returns a channel of decoded events. Malformed lines are skipped
// without error, per §6.
func (s *FileSource) Events(ctx context.Context) (<-chan domain.HoneypotEvent, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	out := make(chan domain.HoneypotEvent, 64)
	go func() {
		defer f.Close()
		defer close(out)
		reader := bufio.NewReader(f)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					slog.Warn("honeypot: read error", "error", err)
					return
				}
				time.Sleep(500 * time.Millisecond)
				continue
			}
			var ev domain.HoneypotEvent
			if err := json.Unmarshal([]byte(line), &ev); err != nil {
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Ingestor consumes honeypot events and maintains the Threat table.
type Ingestor struct {
	source ports.HoneypotSource
	store  ports.IdentityStore
	bus    ports.EventBus
}

// New builds an Ingestor.
func New(source ports.HoneypotSource, store ports.IdentityStore, bus ports.EventBus) *Ingestor {
	return &Ingestor{source: source, store: store, bus: bus}
}

// Run blocks consuming events from the source until ctx is cancelled or the
// source's channel closes.
func (i *Ingestor) Run(ctx context.Context) error {
	events, err := i.source.Events(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			i.handle(ctx, ev)
		}
	}
}

func (i *Ingestor) handle(ctx context.Context, ev domain.HoneypotEvent) {
	sev, ok := domain.SeverityFor(ev.EventID)
	if !ok {
		return // unrecognized kind, skip per §6
	}

	threat, err := i.store.GetThreat(ctx, ev.SrcIP)
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}
	if err != nil {
		threat = domain.Threat{SourceIP: ev.SrcIP, FirstSeen: now}
	}
	threat.LastSeen = now
	if !threat.HasEventKind(ev.EventID) {
		threat.EventKinds = append(threat.EventKinds, ev.EventID)
	}
	threat.Severity = domain.MaxSeverity(threat.Severity, sev)

	if err := i.store.UpsertThreat(ctx, threat); err != nil {
		slog.Error("honeypot: upsert threat", "source_ip", ev.SrcIP, "error", err)
		return
	}
	i.bus.Publish(ctx, domain.TopicThreatUpdated, domain.ThreatUpdatedEvent{SourceIP: ev.SrcIP, Severity: threat.Severity})
}
