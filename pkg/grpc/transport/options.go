// Package transport builds the connection level gRPC options shared by the
// parameter server and its clients: TLS credentials, keepalive and message
// size limits.
package transport

import (
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
)

const (
	defaultKeepAliveTime    = 15 * time.Second
	defaultKeepAliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize comfortably holds a full dump of the largest area
	DefaultMaxMessageSize = 16 * 1024 * 1024
)

// ServerOptions returns the gRPC server options for the given TLS settings.
// maxStreams limits concurrent streams per connection; 0 leaves the gRPC
// default.
func ServerOptions(tlsCfg TLSConfig, maxStreams uint32) ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption

	if tlsCfg.Enabled {
		config, err := LoadServerTLSConfig(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(credentials.NewTLS(config)))
	}

	opts = append(opts,
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     60 * time.Second,
			MaxConnectionAge:      5 * time.Minute,
			MaxConnectionAgeGrace: 5 * time.Second,
			Time:                  defaultKeepAliveTime,
			Timeout:               defaultKeepAliveTimeout,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(DefaultMaxMessageSize),
		grpc.MaxSendMsgSize(DefaultMaxMessageSize),
	)

	if maxStreams > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(maxStreams))
	}

	return opts, nil
}

// DialOptions returns the client dial options for the given TLS settings
func DialOptions(tlsCfg TLSConfig, maxMessageSize int) ([]grpc.DialOption, error) {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                defaultKeepAliveTime,
			Timeout:             defaultKeepAliveTimeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}

	if tlsCfg.Enabled {
		config, err := LoadClientTLSConfig(tlsCfg.CertFile, tlsCfg.KeyFile, tlsCfg.CAFile, tlsCfg.SkipVerify)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(config)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	return opts, nil
}
