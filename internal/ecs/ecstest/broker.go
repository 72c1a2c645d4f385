// Package ecstest provides an in-process fake broker for tests.
package ecstest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/ecs"
)

type storedResource struct {
	body      []byte
	sender    int64
	receivers string
}

type wireEvent struct {
	Resource string `json:"ressource"`
	Status   string `json:"status"`
}

// Broker is a fake ECS speaking the subset of the protocol the client uses.
type Broker struct {
	mu          sync.Mutex
	server      *httptest.Server
	resources   map[string]map[int64]storedResource
	fifo        []wireEvent
	memberships []ecs.Community
	auths       map[string]ecs.Auth
	nextID      int64
	failures    int
	requests    []string
}

// NewBroker starts a fake broker that is shut down when the test ends.
func NewBroker(t testing.TB) *Broker {
	t.Helper()
	broker := &Broker{
		resources: make(map[string]map[int64]storedResource),
		auths:     make(map[string]ecs.Auth),
		nextID:    1000,
	}
	broker.server = httptest.NewServer(http.HandlerFunc(broker.serve))
	t.Cleanup(broker.server.Close)
	return broker
}

// URL returns the broker base URL.
func (b *Broker) URL() string {
	return b.server.URL
}

// Client returns an ecs.Client bound to this broker.
func (b *Broker) Client(t testing.TB, brokerID int64) *ecs.Client {
	t.Helper()
	client, err := ecs.NewClient(ecs.ClientConfig{
		BrokerID: brokerID,
		BaseURL:  b.URL(),
		Username: "lms",
		Password: "secret",
		Timeout:  2 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build broker client: %v", err)
	}
	return client
}

// PutResource stores (or replaces) a resource sent by the given participant.
func (b *Broker) PutResource(t testing.TB, resourceType ecs.ResourceType, id int64, sender int64, body any) {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to encode resource: %v", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	bucket := b.bucket(string(resourceType))
	bucket[id] = storedResource{body: payload, sender: sender}
}

// RemoveResource deletes a stored resource.
func (b *Broker) RemoveResource(resourceType ecs.ResourceType, id int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.bucket(string(resourceType)), id)
}

// PushEvent appends an event to the FIFO.
func (b *Broker) PushEvent(resourceType ecs.ResourceType, id int64, status ecs.EventStatus) {
	b.PushRawEvent(fmt.Sprintf("%s/%d", resourceType, id), string(status))
}

// PushRawEvent appends an arbitrary FIFO entry.
func (b *Broker) PushRawEvent(resource, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fifo = append(b.fifo, wireEvent{Resource: resource, Status: status})
}

// FIFOLength reports how many events are still queued at the broker.
func (b *Broker) FIFOLength() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.fifo)
}

// SetMemberships replaces the /sys/memberships payload.
func (b *Broker) SetMemberships(communities []ecs.Community) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.memberships = communities
}

// FailNext makes the next n requests answer 500.
func (b *Broker) FailNext(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = n
}

// Resource returns the stored body of a resource.
func (b *Broker) Resource(resourceType ecs.ResourceType, id int64) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored, ok := b.bucket(string(resourceType))[id]
	return stored.body, ok
}

// Receivers returns the receiver header recorded for a resource.
func (b *Broker) Receivers(resourceType ecs.ResourceType, id int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bucket(string(resourceType))[id].receivers
}

// ResourceIDs lists stored ids of a type in ascending order.
func (b *Broker) ResourceIDs(resourceType ecs.ResourceType) []int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int64, 0)
	for id := range b.bucket(string(resourceType)) {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Requests returns "METHOD path" for every request served so far.
func (b *Broker) Requests() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.requests...)
}

func (b *Broker) bucket(resourceType string) map[int64]storedResource {
	bucket, ok := b.resources[resourceType]
	if !ok {
		bucket = make(map[int64]storedResource)
		b.resources[resourceType] = bucket
	}
	return bucket
}

func (b *Broker) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, r.Method+" "+r.URL.Path)

	if b.failures > 0 {
		b.failures--
		http.Error(w, "broker unavailable", http.StatusInternalServerError)
		return
	}
	if _, _, ok := r.BasicAuth(); !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/sys/events/fifo":
		b.serveFIFO(w, r)
	case r.URL.Path == "/sys/memberships":
		writeJSON(w, http.StatusOK, b.memberships)
	case strings.HasPrefix(r.URL.Path, "/sys/auths"):
		b.serveAuths(w, r)
	default:
		b.serveResource(w, r)
	}
}

func (b *Broker) serveFIFO(w http.ResponseWriter, r *http.Request) {
	head := []wireEvent{}
	if len(b.fifo) > 0 {
		head = append(head, b.fifo[0])
	}
	if r.Method == http.MethodPost && len(b.fifo) > 0 {
		b.fifo = b.fifo[1:]
	}
	writeJSON(w, http.StatusOK, head)
}

func (b *Broker) serveAuths(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPost {
		var request ecs.AuthRequest
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
			http.Error(w, "bad auth", http.StatusBadRequest)
			return
		}
		b.nextID++
		auth := ecs.Auth{Hash: fmt.Sprintf("hash-%d", b.nextID), URL: request.URL, Realm: request.Realm}
		b.auths[auth.Hash] = auth
		writeJSON(w, http.StatusCreated, auth)
		return
	}
	hash := strings.TrimPrefix(r.URL.Path, "/sys/auths/")
	auth, ok := b.auths[hash]
	if !ok {
		http.NotFound(w, r)
		return
	}
	delete(b.auths, hash)
	writeJSON(w, http.StatusOK, auth)
}

func (b *Broker) serveResource(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) < 2 {
		http.NotFound(w, r)
		return
	}
	resourceType := segments[0] + "/" + segments[1]
	bucket := b.bucket(resourceType)

	if len(segments) == 2 {
		switch r.Method {
		case http.MethodGet:
			ids := make([]int64, 0, len(bucket))
			for id := range bucket {
				ids = append(ids, id)
			}
			sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
			var builder strings.Builder
			for _, id := range ids {
				fmt.Fprintf(&builder, "%s/%d\n", resourceType, id)
			}
			w.Header().Set("Content-Type", "text/uri-list")
			_, _ = io.WriteString(w, builder.String())
		case http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			b.nextID++
			bucket[b.nextID] = storedResource{body: body, receivers: r.Header.Get("X-EcsReceiverMemberships")}
			w.Header().Set("Location", fmt.Sprintf("/%s/%d", resourceType, b.nextID))
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	id, err := strconv.ParseInt(segments[2], 10, 64)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	stored, exists := bucket[id]
	details := len(segments) == 4 && segments[3] == "details"

	switch r.Method {
	case http.MethodGet:
		if !exists {
			http.NotFound(w, r)
			return
		}
		if details {
			writeJSON(w, http.StatusOK, ecs.Details{
				Senders:     []ecs.DetailsMember{{MID: stored.sender}},
				Owner:       ecs.DetailsMember{MID: stored.sender},
				ContentType: "application/json",
				URL:         fmt.Sprintf("%s/%d", resourceType, id),
			})
			return
		}
		w.Header().Set("X-EcsSender", strconv.FormatInt(stored.sender, 10))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(stored.body)
	case http.MethodPut:
		if !exists {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		stored.body = body
		if receivers := r.Header.Get("X-EcsReceiverMemberships"); receivers != "" {
			stored.receivers = receivers
		}
		bucket[id] = stored
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if !exists {
			http.NotFound(w, r)
			return
		}
		delete(bucket, id)
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
