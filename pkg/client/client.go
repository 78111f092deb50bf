// Package client is a Go client for a remote parameter store served by
// cmd/sysparam serve.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/KevoDB/sysparam/pkg/grpc/service"
	"github.com/KevoDB/sysparam/pkg/grpc/transport"
	"github.com/KevoDB/sysparam/pkg/sysparam"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ClientOptions configures a parameter store client
type ClientOptions struct {
	// Connection options
	Endpoint       string        // Server address
	ConnectTimeout time.Duration // Timeout for connection attempts
	RequestTimeout time.Duration // Timeout for each request attempt

	// Security options
	TLSEnabled bool   // Enable TLS
	CertFile   string // Client certificate file
	KeyFile    string // Client key file
	CAFile     string // CA certificate file
	SkipVerify bool   // Accept any server certificate

	// Retry options
	MaxRetries     int           // Maximum number of retries
	InitialBackoff time.Duration // Initial retry backoff
	MaxBackoff     time.Duration // Maximum retry backoff
	BackoffFactor  float64       // Backoff multiplier
	RetryJitter    float64       // Random jitter factor

	MaxMessageSize int // Maximum message size

	// DialOptions are appended to the options built from the fields above
	DialOptions []grpc.DialOption
}

// DefaultClientOptions returns sensible default client options
func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		Endpoint:       "localhost:50051",
		ConnectTimeout: time.Second * 5,
		RequestTimeout: time.Second * 10,
		TLSEnabled:     false,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond * 100,
		MaxBackoff:     time.Second * 2,
		BackoffFactor:  1.5,
		RetryJitter:    0.2,
		MaxMessageSize: transport.DefaultMaxMessageSize,
	}
}

func (o ClientOptions) validate() error {
	switch {
	case o.Endpoint == "":
		return fmt.Errorf("%w: endpoint is required", ErrInvalidOptions)
	case o.ConnectTimeout <= 0 || o.RequestTimeout <= 0:
		return fmt.Errorf("%w: timeouts must be positive", ErrInvalidOptions)
	case o.MaxRetries < 0:
		return fmt.Errorf("%w: negative retry count", ErrInvalidOptions)
	case o.MaxRetries > 0 && (o.InitialBackoff <= 0 || o.BackoffFactor < 1):
		return fmt.Errorf("%w: retries need a positive backoff and a factor of at least 1", ErrInvalidOptions)
	}
	return nil
}

// Client is a connection to a parameter store server
type Client struct {
	options ClientOptions

	mu   sync.RWMutex
	conn *grpc.ClientConn
	stub service.ParamServiceClient
}

// NewClient creates a client with the given options. Call Connect before
// issuing requests.
func NewClient(options ClientOptions) (*Client, error) {
	if err := options.validate(); err != nil {
		return nil, err
	}
	return &Client{options: options}, nil
}

// Connect establishes a connection to the server, waiting up to
// ConnectTimeout for it to become ready
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return nil
	}

	dialOpts, err := transport.DialOptions(transport.TLSConfig{
		Enabled:    c.options.TLSEnabled,
		CertFile:   c.options.CertFile,
		KeyFile:    c.options.KeyFile,
		CAFile:     c.options.CAFile,
		SkipVerify: c.options.SkipVerify,
	}, c.options.MaxMessageSize)
	if err != nil {
		return fmt.Errorf("failed to configure connection: %w", err)
	}
	dialOpts = append(dialOpts, c.options.DialOptions...)

	conn, err := grpc.NewClient(c.options.Endpoint, dialOpts...)
	if err != nil {
		return fmt.Errorf("failed to create connection to %s: %w", c.options.Endpoint, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.options.ConnectTimeout)
	defer cancel()

	conn.Connect()
	for state := conn.GetState(); state != connectivity.Ready; state = conn.GetState() {
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return fmt.Errorf("%w: connecting to %s (last state %s)", ErrTimeout, c.options.Endpoint, state)
		}
	}

	c.conn = conn
	c.stub = service.NewParamServiceClient(conn)
	return nil
}

// Close closes the connection to the server
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn, c.stub = nil, nil
	return err
}

// IsConnected returns whether the client holds an open connection
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.GetState() != connectivity.Shutdown
}

// call runs fn with retries, giving every attempt its own RequestTimeout.
// Server errors are mapped back to the sysparam sentinels.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context, stub service.ParamServiceClient) error) error {
	c.mu.RLock()
	stub := c.stub
	c.mu.RUnlock()
	if stub == nil {
		return ErrNotConnected
	}

	return RetryWithBackoff(ctx, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.options.RequestTimeout)
		defer cancel()
		return service.FromStatus(fn(attemptCtx, stub))
	},
		c.options.MaxRetries,
		c.options.InitialBackoff,
		c.options.MaxBackoff,
		c.options.BackoffFactor,
		c.options.RetryJitter,
	)
}

// Get returns the value of key and whether it was stored as binary data
func (c *Client) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var p sysparam.Pair
	err := c.call(ctx, func(ctx context.Context, stub service.ParamServiceClient) error {
		resp, err := stub.Get(ctx, wrapperspb.String(key))
		if err != nil {
			return err
		}
		p, err = service.PairFromStruct(resp)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return p.Value, p.Binary, nil
}

// GetString returns a text value
func (c *Client) GetString(ctx context.Context, key string) (string, error) {
	value, bin, err := c.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if bin {
		return "", fmt.Errorf("%w: %q holds binary data", sysparam.ErrParseFailed, key)
	}
	return string(value), nil
}

// Set stores value under key
func (c *Client) Set(ctx context.Context, key string, value []byte, binary bool) error {
	req := service.PairToStruct(sysparam.Pair{Key: key, Value: value, Binary: binary})
	return c.call(ctx, func(ctx context.Context, stub service.ParamServiceClient) error {
		_, err := stub.Set(ctx, req)
		return err
	})
}

// SetString stores a text value
func (c *Client) SetString(ctx context.Context, key, value string) error {
	return c.Set(ctx, key, []byte(value), false)
}

// Delete removes key
func (c *Client) Delete(ctx context.Context, key string) error {
	return c.call(ctx, func(ctx context.Context, stub service.ParamServiceClient) error {
		_, err := stub.Delete(ctx, wrapperspb.String(key))
		return err
	})
}

// List returns the pairs whose key starts with prefix, at most limit of
// them (0 for all)
func (c *Client) List(ctx context.Context, prefix string, limit int) ([]sysparam.Pair, error) {
	var pairs []sysparam.Pair
	err := c.call(ctx, func(ctx context.Context, stub service.ParamServiceClient) error {
		pairs = pairs[:0]
		stream, err := stub.List(ctx, service.NewListRequest(prefix, limit))
		if err != nil {
			return err
		}
		for {
			msg, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
			p, err := service.PairFromStruct(msg)
			if err != nil {
				return err
			}
			pairs = append(pairs, p)
		}
	})
	if err != nil {
		return nil, err
	}
	return pairs, nil
}

// Compact asks the server to compact its store
func (c *Client) Compact(ctx context.Context) error {
	return c.call(ctx, func(ctx context.Context, stub service.ParamServiceClient) error {
		_, err := stub.Compact(ctx, &emptypb.Empty{})
		return err
	})
}

// Info returns the layout and occupancy of the remote store
func (c *Client) Info(ctx context.Context) (sysparam.Status, error) {
	var resp *structpb.Struct
	err := c.call(ctx, func(ctx context.Context, stub service.ParamServiceClient) error {
		var err error
		resp, err = stub.Info(ctx, &emptypb.Empty{})
		return err
	})
	if err != nil {
		return sysparam.Status{}, err
	}
	return service.StatusFromStruct(resp), nil
}

// Stats returns the remote store's statistics. Numbers arrive as float64.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var resp *structpb.Struct
	err := c.call(ctx, func(ctx context.Context, stub service.ParamServiceClient) error {
		var err error
		resp, err = stub.Stats(ctx, &emptypb.Empty{})
		return err
	})
	if err != nil {
		return nil, err
	}
	return resp.AsMap(), nil
}
