package distributed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/born-ml/borntrain/internal/tensor"
)

// Backend names.
const (
	BackendLocal = "local"
	BackendTCP   = "tcp"
)

// Options configure Init. Identity values are supplied by the caller, which
// read them from the environment once at startup.
type Options struct {
	Backend         string
	URL             string // host:port or tcp://host:port
	Rank            int
	LocalRank       int
	WorldSize       int
	DevicesPerNode  int
	NoSetDeviceRank bool
	Device          tensor.Device
	Timeout         time.Duration // Rendezvous deadline; 0 means DefaultTimeout
	HelloTimeout    time.Duration // Per-connection hello deadline; 0 means DefaultHelloTimeout
	Logger          *logrus.Entry
}

const (
	// DefaultTimeout bounds the rendezvous when Options.Timeout is zero.
	DefaultTimeout = 5 * time.Minute
	// DefaultHelloTimeout bounds how long rank 0 waits for a connected
	// participant to identify itself.
	DefaultHelloTimeout = 10 * time.Second
)

// Group is a joined process group.
type Group interface {
	// Barrier blocks until every member has entered it.
	Barrier(ctx context.Context) error
	Close() error
}

// Context is the result of Init.
type Context struct {
	identity Identity
	role     Role
	device   DeviceHandle
	backend  string
	group    Group
}

// Init validates the identity, binds the device and joins the group.
func Init(ctx context.Context, opts Options) (*Context, error) {
	backend := strings.ToLower(opts.Backend)
	if backend == "" {
		backend = BackendTCP
		if opts.WorldSize == 1 {
			backend = BackendLocal
		}
	}
	fail := func(err error) (*Context, error) {
		return nil, &InitError{Backend: backend, Rank: opts.Rank, Err: err}
	}

	if err := validateIdentity(opts.Rank, opts.LocalRank, opts.WorldSize); err != nil {
		return fail(err)
	}
	id := Identity{
		Rank:      opts.Rank,
		WorldSize: opts.WorldSize,
		LocalRank: opts.LocalRank,
		DeviceID:  DeviceID(opts.Rank, opts.DevicesPerNode, opts.NoSetDeviceRank),
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	var group Group
	switch backend {
	case BackendLocal:
		if id.WorldSize != 1 {
			return fail(fmt.Errorf("%w: local backend supports 1 process, world size is %d", ErrWorldSizeMismatch, id.WorldSize))
		}
		group = localGroup{}
	case BackendTCP:
		addr, err := ParseURL(opts.URL)
		if err != nil {
			return fail(err)
		}
		hello := opts.HelloTimeout
		if hello <= 0 {
			hello = DefaultHelloTimeout
		}
		rctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		group, err = rendezvous(rctx, addr, id, hello, opts.Logger)
		if err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend))
	}

	c := &Context{
		identity: id,
		role:     RoleFor(id.Rank),
		device:   DeviceHandle{Kind: opts.Device, Index: id.DeviceID},
		backend:  backend,
		group:    group,
	}
	if opts.Logger != nil {
		opts.Logger.WithFields(logrus.Fields{
			"backend": backend,
			"device":  c.device.String(),
			"role":    c.role.String(),
		}).Infof("Joined process group as %s", id)
	}
	return c, nil
}

// Identity returns the resolved identity.
func (c *Context) Identity() Identity { return c.identity }

// Role returns the role resolved at Init.
func (c *Context) Role() Role { return c.role }

// Device returns the bound device.
func (c *Context) Device() DeviceHandle { return c.device }

// Backend returns the backend name.
func (c *Context) Backend() string { return c.backend }

// Barrier blocks until every rank has reached it.
func (c *Context) Barrier(ctx context.Context) error {
	return c.group.Barrier(ctx)
}

// Close leaves the group.
func (c *Context) Close() error {
	return c.group.Close()
}

// ParseURL accepts "host:port" or "tcp://host:port".
func ParseURL(url string) (string, error) {
	addr := strings.TrimPrefix(url, "tcp://")
	if addr == "" || strings.Contains(addr, "://") || !strings.Contains(addr, ":") {
		return "", fmt.Errorf("%w: rendezvous address %q must be host:port", ErrInvalidIdentity, url)
	}
	return addr, nil
}

type localGroup struct{}

func (localGroup) Barrier(ctx context.Context) error { return ctx.Err() }
func (localGroup) Close() error                      { return nil }
