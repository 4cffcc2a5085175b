// Package agentclient implements the proxy-side connection to a single
// processing agent, over either a Unix domain socket or gRPC. It is
// ported from the original Rust implementation's
// crates/agent-protocol/src/client.rs: one Client owns exactly one
// connection and serializes calls against it, matching the Rust
// AgentClient's &mut self send_event -- concurrency across agents comes
// from pooling multiple Clients in connpool, not from multiplexing one
// connection.
package agentclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/zentinelproxy/zentinel/protocol"
	"github.com/zentinelproxy/zentinel/zerr"
)

// transportKind distinguishes the two wire transports a Client can use.
type transportKind int

const (
	transportUnix transportKind = iota
	transportGRPC
)

// Client is a single connection to one agent. Concurrent SendEvent
// calls from multiple goroutines are serialized by its mutex, one at a
// time -- callers that need concurrency should hold several Clients in
// a connpool.Pool.
type Client struct {
	id        string
	kind      transportKind
	timeout   time.Duration
	encoding  protocol.Encoding

	mu       sync.Mutex
	conn     net.Conn      // set when kind == transportUnix
	grpcConn *grpc.ClientConn // set when kind == transportGRPC

	closed bool
}

// GrpcTLSConfig configures TLS (optionally mutual TLS) for a gRPC agent
// connection. The builder methods mirror the Rust GrpcTlsConfig.
type GrpcTLSConfig struct {
	InsecureSkipVerify bool
	CACertPEM          []byte
	ClientCertPEM      []byte
	ClientKeyPEM       []byte
	ServerNameOverride string
}

// NewGrpcTLSConfig returns an empty TLS config builder.
func NewGrpcTLSConfig() GrpcTLSConfig { return GrpcTLSConfig{} }

func (c GrpcTLSConfig) WithCACertPEM(pem []byte) GrpcTLSConfig {
	c.CACertPEM = pem
	return c
}

func (c GrpcTLSConfig) WithClientIdentity(certPEM, keyPEM []byte) GrpcTLSConfig {
	c.ClientCertPEM = certPEM
	c.ClientKeyPEM = keyPEM
	return c
}

func (c GrpcTLSConfig) WithServerNameOverride(name string) GrpcTLSConfig {
	c.ServerNameOverride = name
	return c
}

// WithInsecureSkipVerify disables certificate verification. Never use
// this outside of local development and tests.
func (c GrpcTLSConfig) WithInsecureSkipVerify() GrpcTLSConfig {
	c.InsecureSkipVerify = true
	return c
}

// extractDomain pulls the hostname out of an http(s) URL for use as TLS
// SNI when no explicit override is configured. Ported from the Rust
// AgentClient::extract_domain, including its three original test cases.
func extractDomain(address string) (string, bool) {
	address = strings.TrimSpace(address)
	var rest string
	switch {
	case strings.HasPrefix(address, "https://"):
		rest = strings.TrimPrefix(address, "https://")
	case strings.HasPrefix(address, "http://"):
		rest = strings.TrimPrefix(address, "http://")
	default:
		return "", false
	}
	host := rest
	if i := strings.IndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	if i := strings.IndexByte(host, '/'); i >= 0 {
		host = host[:i]
	}
	if host == "" {
		return "", false
	}
	return host, true
}

// DialUnix connects to an agent listening on a Unix domain socket and
// performs the protocol handshake.
func DialUnix(ctx context.Context, id, path string, timeout time.Duration) (*Client, error) {
	log.Trace().Str("agent_id", id).Str("socket_path", path).Dur("timeout", timeout).Msg("connecting to agent via unix socket")

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		log.Error().Str("agent_id", id).Str("socket_path", path).Err(err).Msg("failed to connect to agent via unix socket")
		return nil, zerr.Wrap(zerr.ConnectionFailed, "dial unix socket "+path, err)
	}

	c := &Client{id: id, kind: transportUnix, timeout: timeout, conn: conn, encoding: protocol.EncodingJSON}
	if err := c.handshake(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	log.Debug().Str("agent_id", id).Str("socket_path", path).Msg("connected to agent via unix socket")
	return c, nil
}

// DialGRPC connects to an agent's gRPC endpoint without TLS.
func DialGRPC(ctx context.Context, id, target string, timeout time.Duration) (*Client, error) {
	return dialGRPC(ctx, id, target, timeout, insecure.NewCredentials())
}

// DialGRPCTLS connects to an agent's gRPC endpoint with TLS, optionally
// mutual TLS, using cfg.
func DialGRPCTLS(ctx context.Context, id, target string, timeout time.Duration, cfg GrpcTLSConfig) (*Client, error) {
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}

	if cfg.ServerNameOverride != "" {
		tlsCfg.ServerName = cfg.ServerNameOverride
	} else if host, ok := extractDomain(target); ok {
		tlsCfg.ServerName = host
	}

	if len(cfg.CACertPEM) > 0 {
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(cfg.CACertPEM) {
			return nil, zerr.New(zerr.ConnectionFailed, "invalid CA certificate PEM")
		}
		tlsCfg.RootCAs = pool
		log.Debug().Str("agent_id", id).Msg("using custom CA certificate for gRPC TLS")
	}

	if len(cfg.ClientCertPEM) > 0 && len(cfg.ClientKeyPEM) > 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCertPEM, cfg.ClientKeyPEM)
		if err != nil {
			return nil, zerr.Wrap(zerr.ConnectionFailed, "parse client certificate", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
		log.Debug().Str("agent_id", id).Msg("using client certificate for mTLS to gRPC agent")
	}

	if cfg.InsecureSkipVerify {
		log.Warn().Str("agent_id", id).Str("address", target).Msg("SECURITY WARNING: TLS certificate verification disabled for gRPC agent connection")
	}

	return dialGRPC(ctx, id, target, timeout, credentials.NewTLS(tlsCfg))
}

func dialGRPC(ctx context.Context, id, target string, timeout time.Duration, creds credentials.TransportCredentials) (*Client, error) {
	log.Trace().Str("agent_id", id).Str("address", target).Dur("timeout", timeout).Msg("connecting to agent via grpc")

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := grpc.DialContext(dialCtx, target,
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(jsonCodecName)),
		grpc.WithBlock(),
	)
	if err != nil {
		log.Error().Str("agent_id", id).Str("address", target).Err(err).Msg("failed to connect to agent via grpc")
		return nil, zerr.Wrap(zerr.ConnectionFailed, fmt.Sprintf("dial grpc %s", target), err)
	}

	c := &Client{id: id, kind: transportGRPC, timeout: timeout, grpcConn: conn, encoding: protocol.EncodingJSON}
	log.Debug().Str("agent_id", id).Str("address", target).Msg("connected to agent via grpc")
	return c, nil
}

// ID returns the agent identifier this client was constructed with.
func (c *Client) ID() string { return c.id }

// Close releases the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	switch c.kind {
	case transportUnix:
		return c.conn.Close()
	case transportGRPC:
		return c.grpcConn.Close()
	}
	return nil
}
