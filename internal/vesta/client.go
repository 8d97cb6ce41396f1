// Package vesta implements the transport layer: an authenticated HTTP client
// for the Vesta building-telemetry service. It owns the session token, rate
// limiting, retry policy and payload decoding; it never touches disk.
package vesta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/locie/comepos-fetcher/config"
)

// Endpoint paths, relative to the configured base URL.
const (
	epLogin       = "login.php"
	epLogout      = "logout.php"
	epBuildings   = "getBuildingList.php"
	epStatus      = "getStatus.php"
	epZones       = "getZones.php"
	epSensors     = "getSensors.php"
	epHistory     = "getSensorHistory.php"
	epHistorySize = "getSensorHistorySize.php"
)

// Client talks to the Vesta service. It is safe for concurrent use.
type Client struct {
	cfg     config.VestaConfig
	baseURL *url.URL
	http    *http.Client
	logger  *logrus.Logger
	metrics *Metrics
	limiter *rate.Limiter
	renewer *cron.Cron

	mu    sync.RWMutex
	token string
}

// New builds a client, performs the initial login, and starts the background
// session renewal. Close must be called to stop the renewal job.
func New(ctx context.Context, cfg config.VestaConfig, logger *logrus.Logger, metrics *Metrics) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", cfg.BaseURL, err)
	}
	if logger == nil {
		logger = logrus.New()
	}

	c := &Client{
		cfg:     cfg,
		baseURL: base,
		http:    &http.Client{Timeout: cfg.RequestTimeout()},
		logger:  logger,
		metrics: metrics,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		renewer: cron.New(),
	}

	if err := c.Login(ctx); err != nil {
		return nil, err
	}

	// Vesta sessions expire; renew the token well inside the session window.
	if _, err := c.renewer.AddFunc("*/30 * * * *", c.renewToken); err != nil {
		return nil, err
	}
	c.renewer.Start()

	return c, nil
}

// Login authenticates with the configured credentials and stores the session
// token. Authentication failures are never retried.
func (c *Client) Login(ctx context.Context) error {
	u := *c.baseURL
	u.Path = join(u.Path, epLogin)
	q := u.Query()
	q.Set("login", c.cfg.Username)
	q.Set("password", c.cfg.Password)
	u.RawQuery = q.Encode()

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Endpoint: epLogin, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &AuthError{Username: c.cfg.Username, Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Endpoint: epLogin, Err: err}
	}
	token := strings.TrimSpace(string(body))
	if token == "" {
		return &AuthError{Username: c.cfg.Username}
	}

	c.mu.Lock()
	c.token = token
	c.mu.Unlock()

	c.logger.WithField("username", c.cfg.Username).Debug("session token obtained")
	return nil
}

// Token returns the current session token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) renewToken() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
	defer cancel()
	if err := c.Login(ctx); err != nil {
		c.logger.WithError(err).Warn("session token renewal failed")
	}
}

// Logout ends the remote session.
func (c *Client) Logout(ctx context.Context) error {
	return c.get(ctx, epLogout, nil, nil)
}

// Close stops the renewal job and logs out, best effort.
func (c *Client) Close() error {
	c.renewer.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout())
	defer cancel()
	if err := c.Logout(ctx); err != nil {
		c.logger.WithError(err).Debug("logout failed")
	}
	return nil
}

// Buildings lists the buildings visible to the authenticated account.
func (c *Client) Buildings(ctx context.Context) ([]Building, error) {
	var raw []wireBuilding
	if err := c.get(ctx, epBuildings, nil, &raw); err != nil {
		return nil, err
	}
	buildings := make([]Building, len(raw))
	for i, b := range raw {
		buildings[i] = Building(b)
	}
	return buildings, nil
}

// Zones lists the zones of a building.
func (c *Client) Zones(ctx context.Context, buildingID string) ([]Zone, error) {
	params := url.Values{"building": {buildingID}}
	var raw []wireZone
	if err := c.get(ctx, epZones, params, &raw); err != nil {
		return nil, annotateBuilding(err, buildingID)
	}
	zones := make([]Zone, len(raw))
	for i, z := range raw {
		zones[i] = Zone(z)
	}
	return zones, nil
}

// BuildingStatus returns the acquisition bounds for a building.
func (c *Client) BuildingStatus(ctx context.Context, buildingID string) (Status, error) {
	params := url.Values{"building": {buildingID}}
	var raw []wireStatus
	if err := c.get(ctx, epStatus, params, &raw); err != nil {
		return Status{}, annotateBuilding(err, buildingID)
	}
	if len(raw) == 0 {
		return Status{}, &NotFoundError{Kind: "building", ID: buildingID}
	}
	return Status{
		FirstMeasurement: raw[0].FirstMeasurement.Time(),
		LastValueChange:  raw[0].LastValueChange.Time(),
	}, nil
}

// Sensors lists the sensors of a building. An unknown building yields a
// NotFoundError.
func (c *Client) Sensors(ctx context.Context, buildingID string) ([]Sensor, error) {
	params := url.Values{"building": {buildingID}}
	var raw []wireSensor
	if err := c.get(ctx, epSensors, params, &raw); err != nil {
		return nil, annotateBuilding(err, buildingID)
	}
	if len(raw) == 0 {
		return nil, &NotFoundError{Kind: "building", ID: buildingID}
	}
	sensors := make([]Sensor, len(raw))
	for i, s := range raw {
		sensors[i] = Sensor{
			ID:           s.ID,
			BuildingID:   buildingID,
			Zone:         s.Zone,
			Device:       s.Device,
			Label:        s.Label,
			Type:         s.Type,
			ServiceName:  s.ServiceName,
			VariableName: s.VariableName,
			Unit:         s.Unit,
			Historics:    bool(s.Historics),
		}
	}
	return sensors, nil
}

// HistorySize returns the number of remote readings for a sensor, optionally
// restricted to readings after since.
func (c *Client) HistorySize(ctx context.Context, sensor Sensor, since *time.Time) (int, error) {
	params := historyParams(sensor, since, nil)
	var size int
	if err := c.get(ctx, epHistorySize, params, &size); err != nil {
		return 0, annotateSensor(err, sensor)
	}
	return size, nil
}

// get performs one rate-limited, retried GET against an endpoint and decodes
// the JSON payload into out (which may be nil for fire-and-forget calls).
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	requestID := uuid.NewString()
	log := c.logger.WithFields(logrus.Fields{
		"request_id": requestID,
		"endpoint":   endpoint,
	})

	policy := backoff.WithContext(backoff.WithMaxRetries(c.newBackoff(), c.cfg.MaxRetries), ctx)

	attempt := 0
	start := time.Now()
	operation := func() error {
		if attempt > 0 {
			c.metrics.retry(endpoint)
			log.WithField("attempt", attempt).Debug("retrying request")
		}
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := c.doOnce(ctx, endpoint, params, out)
		if err != nil && !IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	err := backoff.Retry(operation, policy)
	c.metrics.observe(endpoint, start, err)

	log = log.WithField("duration", time.Since(start).String())
	if err != nil {
		log.WithError(err).Warn("request failed")
		return err
	}
	log.Debug("request completed")
	return nil
}

func (c *Client) doOnce(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	u := *c.baseURL
	u.Path = join(u.Path, endpoint)
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("token", c.Token())
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Username: c.cfg.Username, Status: resp.StatusCode}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{Kind: "endpoint", ID: endpoint}
	case resp.StatusCode != http.StatusOK:
		return &TransportError{Endpoint: endpoint, Status: resp.StatusCode}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &DecodeError{Endpoint: endpoint, Err: err}
	}
	return nil
}

func (c *Client) newBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff()
	b.MaxInterval = c.cfg.MaxBackoff()
	b.MaxElapsedTime = 0
	return b
}

func historyParams(sensor Sensor, start, end *time.Time) url.Values {
	params := url.Values{
		"building":     {sensor.BuildingID},
		"serviceName":  {sensor.ServiceName},
		"variableName": {sensor.VariableName},
	}
	if start != nil {
		params.Set("start", strconv.FormatInt(start.Unix(), 10))
	}
	if end != nil {
		params.Set("end", strconv.FormatInt(end.Unix(), 10))
	}
	return params
}

func annotateBuilding(err error, buildingID string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("building %s: %w", buildingID, err)
}

func annotateSensor(err error, sensor Sensor) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("building %s sensor %s/%s: %w",
		sensor.BuildingID, sensor.ServiceName, sensor.VariableName, err)
}

func join(base, endpoint string) string {
	if strings.HasSuffix(base, "/") {
		return base + endpoint
	}
	return base + "/" + endpoint
}
