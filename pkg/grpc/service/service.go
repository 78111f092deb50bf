// Package service exposes a parameter store over gRPC. The service is
// built on the protobuf well-known types and registered from a hand written
// service descriptor.
package service

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/KevoDB/sysparam/pkg/common/log"
	"github.com/KevoDB/sysparam/pkg/stats"
	"github.com/KevoDB/sysparam/pkg/sysparam"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Store is the part of a parameter store the service needs
type Store interface {
	GetData(ctx context.Context, key string) ([]byte, bool, error)
	SetData(ctx context.Context, key string, value []byte, binary bool) error
	Delete(ctx context.Context, key string) error
	IterStart(ctx context.Context) (*sysparam.Iterator, error)
	Compact(ctx context.Context) error
	Status() (sysparam.Status, error)
	Stats() stats.Collector
}

var _ Store = (*sysparam.Store)(nil)

// ParamService implements ParamServiceServer on top of a Store
type ParamService struct {
	store         Store
	logger        log.Logger
	compactionSem chan struct{} // one compaction at a time
}

var _ ParamServiceServer = (*ParamService)(nil)

// NewParamService creates the service. A nil logger uses the default one.
func NewParamService(store Store, logger log.Logger) *ParamService {
	if logger == nil {
		logger = log.GetDefaultLogger().WithField("component", "rpc")
	}
	return &ParamService{
		store:         store,
		logger:        logger,
		compactionSem: make(chan struct{}, 1),
	}
}

// Get returns the value of a key
func (s *ParamService) Get(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	value, bin, err := s.store.GetData(ctx, req.GetValue())
	if err != nil {
		return nil, toStatus(err)
	}
	return PairToStruct(sysparam.Pair{Value: value, Binary: bin}), nil
}

// Set stores a key/value pair
func (s *ParamService) Set(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	p, err := PairFromStruct(req)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.store.SetData(ctx, p.Key, p.Value, p.Binary); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Delete removes a key. Deleting an absent key succeeds.
func (s *ParamService) Delete(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if err := s.store.Delete(ctx, req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// List streams the live pairs in log order, optionally restricted to a key
// prefix and a maximum count
func (s *ParamService) List(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	prefix, limit := parseListRequest(req)

	it, err := s.store.IterStart(stream.Context())
	if err != nil {
		return toStatus(err)
	}
	defer it.End()

	sent := 0
	for it.Next() {
		if limit > 0 && sent >= limit {
			break
		}
		key := it.Key()
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if !utf8.ValidString(key) {
			s.logger.Warn("Skipping key %q: not valid UTF-8", key)
			continue
		}

		p := sysparam.Pair{Key: key, Value: it.Value(), Binary: it.Binary()}
		if err := stream.Send(PairToStruct(p)); err != nil {
			return err
		}
		sent++
	}
	return toStatus(it.Err())
}

// Compact reclaims the space held by stale entries
func (s *ParamService) Compact(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	select {
	case s.compactionSem <- struct{}{}:
		defer func() { <-s.compactionSem }()
	default:
		return nil, toStatus(ErrCompactionInProgress)
	}

	if err := s.store.Compact(ctx); err != nil {
		s.logger.Error("Compaction requested over RPC failed: %v", err)
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Info reports the area layout and occupancy
func (s *ParamService) Info(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	st, err := s.store.Status()
	if err != nil {
		return nil, toStatus(err)
	}
	return StatusToStruct(st), nil
}

// Stats returns the store's operation statistics
func (s *ParamService) Stats(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error) {
	out, err := StatsToStruct(s.store.Stats().GetStats())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode statistics: %v", err)
	}
	return out, nil
}
