package control

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	logpkg "github.com/rzbill/weft/pkg/log"
)

// defaultRequestTimeout bounds one control-interface request when the
// caller's context has no sooner deadline.
const defaultRequestTimeout = 2 * time.Second

type requester interface {
	RequestWithContext(ctx context.Context, subj string, data []byte) (*nats.Msg, error)
}

// NatsClient queries the control interface over NATS request-reply. It is
// safe for concurrent use.
type NatsClient struct {
	nc      requester
	timeout time.Duration
	logger  logpkg.Logger
}

// NewNatsClient builds a client over an established NATS connection.
func NewNatsClient(nc *nats.Conn) *NatsClient {
	return NewNatsClientWithLogger(nc, nil)
}

// NewNatsClientWithLogger is NewNatsClient with a caller-provided logger.
func NewNatsClientWithLogger(nc *nats.Conn, logger logpkg.Logger) *NatsClient {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &NatsClient{
		nc:      nc,
		timeout: defaultRequestTimeout,
		logger:  logger.With(logpkg.Component("control")),
	}
}

// Claims asks the lattice for every actor's claims. Hosts reply with a list
// of flat string maps; entries without a subject key are skipped.
func (c *NatsClient) Claims(ctx context.Context, lattice string) (map[string]Claims, error) {
	reply, err := c.request(ctx, ClaimsSubject(lattice))
	if err != nil {
		return nil, fmt.Errorf("request claims for %s: %w", lattice, err)
	}
	claims, err := parseClaimsBody(reply)
	if err != nil {
		return nil, fmt.Errorf("parse claims for %s: %w", lattice, err)
	}
	c.logger.Debug("control.claims_fetched",
		logpkg.Str("lattice", lattice),
		logpkg.Int("actors", len(claims)))
	return claims, nil
}

// Inventory asks one host for its live running set.
func (c *NatsClient) Inventory(ctx context.Context, lattice, hostID string) (*HostInventory, error) {
	reply, err := c.request(ctx, InventorySubject(lattice, hostID))
	if err != nil {
		return nil, fmt.Errorf("request inventory for host %s: %w", hostID, err)
	}
	var inv HostInventory
	if err := json.Unmarshal(reply, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory for host %s: %w", hostID, err)
	}
	if inv.HostID == "" {
		inv.HostID = hostID
	}
	c.logger.Debug("control.inventory_fetched",
		logpkg.Str("lattice", lattice),
		logpkg.Str("host_id", hostID))
	return &inv, nil
}

func (c *NatsClient) request(ctx context.Context, subject string) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, subject, nil)
	if err != nil {
		return nil, err
	}
	return msg.Data, nil
}

// parseClaimsBody maps a claims reply onto actor public keys. Each claim is
// a flat string map; the fields weft reads are "sub" (the actor key),
// "name", "caps" (comma-separated) and "iss".
func parseClaimsBody(data []byte) (map[string]Claims, error) {
	var resp struct {
		Claims []map[string]string `json:"claims"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]Claims, len(resp.Claims))
	for _, fields := range resp.Claims {
		sub := fields["sub"]
		if sub == "" {
			continue
		}
		out[sub] = Claims{
			Name:         fields["name"],
			Capabilities: splitCaps(fields["caps"]),
			Issuer:       fields["iss"],
		}
	}
	return out, nil
}

func splitCaps(caps string) []string {
	if caps == "" {
		return nil
	}
	parts := strings.Split(caps, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
