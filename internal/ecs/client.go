package ecs

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/campussync/internal/reconcile"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 30 * time.Second
	defaultCacheTTL = 10 * time.Minute

	headerSender              = "X-EcsSender"
	headerReceiverCommunities = "X-EcsReceiverCommunities"
	headerReceiverMemberships = "X-EcsReceiverMemberships"

	pathEventFIFO   = "/sys/events/fifo"
	pathMemberships = "/sys/memberships"
	pathAuths       = "/sys/auths"

	cacheKeyMemberships = "memberships"

	opRequest = "ecs.request"
)

var (
	// ErrNotFound is returned for 404 responses on optional lookups.
	ErrNotFound = errors.New("ecs: resource not found")
	// ErrUnknownResourceType marks a resource type outside the dispatch table.
	ErrUnknownResourceType = errors.New("ecs: unknown resource type")
	// ErrInvalidEventStatus marks an event status the broker should never send.
	ErrInvalidEventStatus = errors.New("ecs: invalid event status")
	// ErrMalformedEvent marks an unparseable FIFO entry.
	ErrMalformedEvent = errors.New("ecs: malformed event")
	// ErrInvalidClientConfig marks an unusable client configuration.
	ErrInvalidClientConfig = errors.New("ecs: invalid client config")
)

// StatusError reports an unexpected broker status code.
type StatusError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ecs: %s %s returned %d: %s", e.Method, e.Path, e.StatusCode, e.Body)
}

// IsNotFound reports whether err means the broker has no such resource, either
// as ErrNotFound or as a 404 from a write.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound
}

// ClientConfig configures a broker client for one connection.
type ClientConfig struct {
	BrokerID   int64
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a stateless request/response wrapper around the broker endpoints.
// The only state it keeps is the memberships cache, flushed with ResetCache.
type Client struct {
	brokerID   int64
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	cache      *cache.Cache
	logger     *zap.Logger
}

// NewClient validates the configuration and builds a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.Wrap(ErrInvalidClientConfig, "base url required")
	}
	if cfg.BrokerID <= 0 {
		return nil, errors.Wrap(ErrInvalidClientConfig, "broker id required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		brokerID:   cfg.BrokerID,
		baseURL:    baseURL,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: httpClient,
		cache:      cache.New(ttl, 2*ttl),
		logger:     logger.Named("ecs").With(zap.Int64("broker_id", cfg.BrokerID)),
	}, nil
}

// BrokerID returns the connection this client talks to.
func (c *Client) BrokerID() int64 {
	return c.brokerID
}

// ResourceURL returns the absolute broker URL of a resource.
func (c *Client) ResourceURL(resourceType ResourceType, id int64) string {
	return fmt.Sprintf("%s/%s/%d", c.baseURL, resourceType, id)
}

// ResetCache drops cached membership data; called at every cycle start.
func (c *Client) ResetCache() {
	c.cache.Flush()
}

// ListResources returns the ids of every resource of the given type visible to us.
func (c *Client) ListResources(ctx context.Context, resourceType ResourceType) ([]int64, error) {
	response, err := c.do(ctx, http.MethodGet, "/"+string(resourceType), nil, nil)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if err := expectStatus(response, http.StatusOK); err != nil {
		return nil, transportError("list_failed", err)
	}

	var ids []int64
	scanner := bufio.NewScanner(response.Body)
	for scanner.Scan() {
		line := strings.Trim(strings.TrimSpace(scanner.Text()), "/")
		if line == "" {
			continue
		}
		id, parseErr := strconv.ParseInt(path.Base(line), 10, 64)
		if parseErr != nil {
			c.logger.Warn("ignoring malformed resource reference", zap.String("line", line))
			continue
		}
		ids = append(ids, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, transportError("list_read_failed", errors.Wrap(err, "read resource list"))
	}
	return ids, nil
}

// GetResource fetches a resource body into target and returns its transport metadata.
func (c *Client) GetResource(ctx context.Context, resourceType ResourceType, id int64, target any) (Resource, error) {
	resourcePath := fmt.Sprintf("/%s/%d", resourceType, id)
	response, err := c.do(ctx, http.MethodGet, resourcePath, nil, nil)
	if err != nil {
		return Resource{}, err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return Resource{}, ErrNotFound
	}
	if err := expectStatus(response, http.StatusOK); err != nil {
		return Resource{}, transportError("get_failed", err)
	}
	if target != nil {
		if err := json.NewDecoder(response.Body).Decode(target); err != nil {
			return Resource{}, transportError("decode_failed", errors.Wrapf(err, "decode %s", resourcePath))
		}
	}
	return Resource{
		ID:                  id,
		Type:                resourceType,
		SenderMIDs:          parseMIDs(response.Header.Get(headerSender)),
		ReceiverCommunities: splitHeader(response.Header.Get(headerReceiverCommunities)),
	}, nil
}

// GetDetails fetches the /details sub-resource.
func (c *Client) GetDetails(ctx context.Context, resourceType ResourceType, id int64) (Details, error) {
	var details Details
	err := c.getJSON(ctx, fmt.Sprintf("/%s/%d/details", resourceType, id), &details)
	return details, err
}

// CreateResource posts a new resource to the given receivers and returns its id.
func (c *Client) CreateResource(ctx context.Context, resourceType ResourceType, body any, receivers []int64) (int64, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, reconcile.NewError(opRequest, "encode_failed", reconcile.KindInternal, err)
	}
	response, err := c.do(ctx, http.MethodPost, "/"+string(resourceType), payload, receiverHeader(receivers))
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()
	if err := expectStatus(response, http.StatusCreated); err != nil {
		return 0, transportError("create_failed", err)
	}
	location := strings.Trim(response.Header.Get("Location"), "/")
	id, err := strconv.ParseInt(path.Base(location), 10, 64)
	if err != nil {
		return 0, transportError("location_invalid", errors.Wrapf(err, "location %q", location))
	}
	return id, nil
}

// UpdateResource replaces an existing resource.
func (c *Client) UpdateResource(ctx context.Context, resourceType ResourceType, id int64, body any, receivers []int64) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return reconcile.NewError(opRequest, "encode_failed", reconcile.KindInternal, err)
	}
	response, err := c.do(ctx, http.MethodPut, fmt.Sprintf("/%s/%d", resourceType, id), payload, receiverHeader(receivers))
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if err := expectStatus(response, http.StatusOK, http.StatusNoContent); err != nil {
		return transportError("update_failed", err)
	}
	return nil
}

// DeleteResource removes a resource; a missing resource counts as deleted.
func (c *Client) DeleteResource(ctx context.Context, resourceType ResourceType, id int64) error {
	response, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/%s/%d", resourceType, id), nil, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return nil
	}
	if err := expectStatus(response, http.StatusOK, http.StatusNoContent); err != nil {
		return transportError("delete_failed", err)
	}
	return nil
}

// ReadEventFIFO peeks at (pop=false) or removes (pop=true) the head of the event FIFO.
func (c *Client) ReadEventFIFO(ctx context.Context, pop bool) (FIFOBatch, error) {
	method := http.MethodGet
	var body []byte
	if pop {
		method = http.MethodPost
		body = []byte{}
	}
	response, err := c.do(ctx, method, pathEventFIFO+"?count=1", body, nil)
	if err != nil {
		return FIFOBatch{}, err
	}
	defer response.Body.Close()
	if err := expectStatus(response, http.StatusOK); err != nil {
		return FIFOBatch{}, transportError("fifo_failed", err)
	}

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return FIFOBatch{}, transportError("fifo_read_failed", errors.Wrap(err, "read fifo"))
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return FIFOBatch{}, nil
	}
	var wire []wireEvent
	if err := json.Unmarshal(raw, &wire); err != nil {
		return FIFOBatch{}, transportError("fifo_decode_failed", errors.Wrap(err, "decode fifo"))
	}
	batch := FIFOBatch{Events: make([]Event, 0, len(wire))}
	for _, entry := range wire {
		event, decodeErr := entry.decode()
		if decodeErr != nil {
			batch.Malformed = append(batch.Malformed, MalformedEvent{Resource: entry.Resource, Status: entry.Status, Err: decodeErr})
			continue
		}
		batch.Events = append(batch.Events, event)
	}
	return batch, nil
}

// Memberships returns the communities and participants of this connection.
func (c *Client) Memberships(ctx context.Context) ([]Community, error) {
	if cached, ok := c.cache.Get(cacheKeyMemberships); ok {
		if communities, ok := cached.([]Community); ok {
			return communities, nil
		}
	}
	var communities []Community
	if err := c.getJSON(ctx, pathMemberships, &communities); err != nil {
		return nil, err
	}
	c.cache.Set(cacheKeyMemberships, communities, cache.DefaultExpiration)
	return communities, nil
}

// OwnMIDs returns the participant ids that represent this LMS.
func (c *Client) OwnMIDs(ctx context.Context) ([]int64, error) {
	communities, err := c.Memberships(ctx)
	if err != nil {
		return nil, err
	}
	var mids []int64
	for _, community := range communities {
		for _, participant := range community.Participants {
			if participant.ItsYou {
				mids = append(mids, participant.MID)
			}
		}
	}
	return mids, nil
}

// Participant looks up a participant by id.
func (c *Client) Participant(ctx context.Context, mid int64) (Participant, error) {
	communities, err := c.Memberships(ctx)
	if err != nil {
		return Participant{}, err
	}
	for _, community := range communities {
		for _, participant := range community.Participants {
			if participant.MID == mid {
				return participant, nil
			}
		}
	}
	return Participant{}, ErrNotFound
}

// AddAuth asks the broker for a one-time auth token.
func (c *Client) AddAuth(ctx context.Context, request AuthRequest) (Auth, error) {
	payload, err := json.Marshal(request)
	if err != nil {
		return Auth{}, reconcile.NewError(opRequest, "encode_failed", reconcile.KindInternal, err)
	}
	response, err := c.do(ctx, http.MethodPost, pathAuths, payload, nil)
	if err != nil {
		return Auth{}, err
	}
	defer response.Body.Close()
	if err := expectStatus(response, http.StatusOK, http.StatusCreated); err != nil {
		return Auth{}, transportError("auth_failed", err)
	}
	var auth Auth
	if err := json.NewDecoder(response.Body).Decode(&auth); err != nil {
		return Auth{}, transportError("decode_failed", errors.Wrap(err, "decode auth"))
	}
	return auth, nil
}

// CheckAuth validates (and consumes) a token issued by another participant.
func (c *Client) CheckAuth(ctx context.Context, hash string) (Auth, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return Auth{}, ErrNotFound
	}
	var auth Auth
	err := c.getJSON(ctx, pathAuths+"/"+hash, &auth)
	return auth, err
}

func (c *Client) getJSON(ctx context.Context, requestPath string, target any) error {
	response, err := c.do(ctx, http.MethodGet, requestPath, nil, nil)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if err := expectStatus(response, http.StatusOK); err != nil {
		return transportError("get_failed", err)
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return transportError("decode_failed", errors.Wrapf(err, "decode %s", requestPath))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, requestPath string, body []byte, headers http.Header) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, reader)
	if err != nil {
		return nil, reconcile.NewError(opRequest, "build_failed", reconcile.KindInternal, err)
	}
	request.SetBasicAuth(c.username, c.password)
	request.Header.Set("Accept", "application/json")
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		for _, value := range values {
			request.Header.Add(key, value)
		}
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		c.logger.Warn("broker request failed", zap.String("method", method), zap.String("path", requestPath), zap.Error(err))
		return nil, transportError("unreachable", errors.Wrapf(err, "%s %s", method, requestPath))
	}
	c.logger.Debug("broker request", zap.String("method", method), zap.String("path", requestPath), zap.Int("status", response.StatusCode))
	return response, nil
}

func expectStatus(response *http.Response, accepted ...int) error {
	for _, status := range accepted {
		if response.StatusCode == status {
			return nil
		}
	}
	snippet, _ := io.ReadAll(io.LimitReader(response.Body, 512))
	return &StatusError{
		Method:     response.Request.Method,
		Path:       response.Request.URL.Path,
		StatusCode: response.StatusCode,
		Body:       strings.TrimSpace(string(snippet)),
	}
}

func transportError(reason string, cause error) error {
	return reconcile.NewError(opRequest, reason, reconcile.KindTransport, cause)
}

func receiverHeader(receivers []int64) http.Header {
	if len(receivers) == 0 {
		return nil
	}
	values := make([]string, 0, len(receivers))
	for _, mid := range receivers {
		values = append(values, strconv.FormatInt(mid, 10))
	}
	return http.Header{headerReceiverMemberships: []string{strings.Join(values, ",")}}
}

func parseMIDs(raw string) []int64 {
	var mids []int64
	for _, part := range splitHeader(raw) {
		mid, err := strconv.ParseInt(part, 10, 64)
		if err == nil {
			mids = append(mids, mid)
		}
	}
	return mids
}

func splitHeader(raw string) []string {
	var parts []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
