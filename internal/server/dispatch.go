package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"fleetcheck/internal/config"
	"fleetcheck/internal/domain"
	"fleetcheck/internal/engine"
)

const (
	defaultDispatchInterval = 2 * time.Second
	defaultDispatchTimeout  = 5 * time.Second
	defaultDispatchBatch    = 100
)

// financialDispatcher forwards events to the configured dispatch endpoints,
// typically the financial system that collects pendencies. Each endpoint
// keeps its own cursor into the event log; a failed delivery stops the
// cursor so the event is retried on the next tick.
type financialDispatcher struct {
	engine    engine.Engine
	fleet     string
	endpoints []config.DispatchConfig
	client    *http.Client
	mu        sync.Mutex
	cursors   map[int]int64
}

// StartDispatcher launches the background delivery loop when dispatch
// endpoints are configured.
func StartDispatcher(e engine.Engine) {
	if e.Config == nil || len(e.Config.Dispatch) == 0 {
		return
	}
	fleetID := e.Config.Fleet.ID
	if strings.TrimSpace(fleetID) == "" {
		return
	}
	d := &financialDispatcher{
		engine:    e,
		fleet:     fleetID,
		endpoints: e.Config.Dispatch,
		client:    &http.Client{Timeout: defaultDispatchTimeout},
		cursors:   make(map[int]int64),
	}
	go d.run()
}

func (d *financialDispatcher) run() {
	ticker := time.NewTicker(defaultDispatchInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *financialDispatcher) dispatchAll() {
	for i, ep := range d.endpoints {
		if ep.Enabled != nil && !*ep.Enabled {
			continue
		}
		if strings.TrimSpace(ep.URL) == "" {
			continue
		}
		d.dispatchEndpoint(i, ep)
	}
}

func (d *financialDispatcher) dispatchEndpoint(idx int, ep config.DispatchConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.EventsAfter(ctx, defaultDispatchBatch, cursor, d.fleet)
	if err != nil {
		log.Printf("dispatch: fetch events failed: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(ep.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, ep, evt); err != nil {
			log.Printf("dispatch: deliver to %s failed: %v", ep.URL, err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *financialDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background(), d.fleet)
	if err != nil {
		log.Printf("dispatch: init cursor failed: %v", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *financialDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type dispatchEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	FleetID    string          `json:"fleet_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *financialDispatcher) postEvent(ctx context.Context, ep config.DispatchConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage([]byte(evt.Payload))
	}
	body := dispatchEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		FleetID:    evt.FleetID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultDispatchTimeout
	if ep.TimeoutSeconds > 0 {
		timeout = time.Duration(ep.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fleetcheck-Event", evt.Type)
	req.Header.Set("X-Fleetcheck-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Fleetcheck-Fleet", d.fleet)
	if strings.TrimSpace(ep.Secret) != "" {
		req.Header.Set("X-Fleetcheck-Secret", ep.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		resBody, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(resBody)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
