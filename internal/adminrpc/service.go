// Package adminrpc is the daemon's operator interface over a local gRPC
// socket. Requests and responses are structpb.Struct values so the service
// needs no generated code.
package adminrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/chatrelay/internal/bus"
	"github.com/matheus3301/chatrelay/internal/identity"
	"github.com/matheus3301/chatrelay/internal/ingest"
	"github.com/matheus3301/chatrelay/internal/logging"
	"github.com/matheus3301/chatrelay/internal/registry"
	"github.com/matheus3301/chatrelay/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "chatrelay.admin.v1.AdminService"

// AdminServer is the server side of the admin service.
type AdminServer interface {
	Stats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Ingest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	CreateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	Watch(req *structpb.Struct, stream WatchServer) error
}

// Ingester runs one raw webhook body through the ingestion pipeline.
type Ingester interface {
	Ingest(ctx context.Context, data []byte, source string) (*ingest.Result, error)
}

// Stats is the body of the Stats response.
type Stats struct {
	Messages      int64    `json:"messages"`
	Conversations int64    `json:"conversations"`
	Users         int      `json:"users"`
	Connections   int      `json:"connections"`
	Online        []string `json:"online"`
	UptimeMs      int64    `json:"uptime_ms"`
	BusDropped    int64    `json:"bus_dropped"`
}

// IngestRequest carries one webhook body. Source labels the result and
// defaults to "rpc".
type IngestRequest struct {
	Payload string `json:"payload"`
	Source  string `json:"source,omitempty"`
}

// CreateUserRequest registers an identity.
type CreateUserRequest struct {
	Username    string `json:"username"`
	Phone       string `json:"phone"`
	DisplayName string `json:"display_name,omitempty"`
}

// WatchRequest selects bus events by kind prefix. Empty means all.
type WatchRequest struct {
	Prefix string `json:"prefix,omitempty"`
}

// WatchEvent is one streamed bus event.
type WatchEvent struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	TimeMs  int64  `json:"time_ms"`
	Payload any    `json:"payload,omitempty"`
}

// Service implements AdminServer over the daemon's components.
type Service struct {
	db       *store.DB
	ingester Ingester
	reg      *registry.Registry
	bus      *bus.Bus
	logger   *zap.Logger

	startedAt time.Time
}

// NewService creates the admin service.
func NewService(db *store.DB, ing Ingester, reg *registry.Registry, b *bus.Bus, logger *zap.Logger) *Service {
	return &Service{
		db:        db,
		ingester:  ing,
		reg:       reg,
		bus:       b,
		logger:    logging.OrNop(logger),
		startedAt: time.Now(),
	}
}

func (s *Service) Stats(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	st := Stats{UptimeMs: time.Since(s.startedAt).Milliseconds(), Online: []string{}}
	var err error
	if st.Messages, err = s.db.MessageCount(ctx); err != nil {
		return nil, toStatus(err)
	}
	if st.Conversations, err = s.db.ConversationCount(ctx); err != nil {
		return nil, toStatus(err)
	}
	users, err := s.db.ListUsers(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	st.Users = len(users)
	if s.reg != nil {
		st.Connections = s.reg.Count()
		st.Online = s.reg.Online()
	}
	if s.bus != nil {
		st.BusDropped = s.bus.Dropped()
	}
	return toStruct(st)
}

func (s *Service) Ingest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in IngestRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	if in.Payload == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "payload is required")
	}
	if in.Source == "" {
		in.Source = "rpc"
	}
	res, err := s.ingester.Ingest(ctx, []byte(in.Payload), in.Source)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("rpc ingest",
		zap.String("source", in.Source),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
	)
	return toStruct(res)
}

func (s *Service) CreateUser(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var in CreateUserRequest
	if err := fromStruct(req, &in); err != nil {
		return nil, err
	}
	u := &store.User{
		Username:    identity.NormalizeUsername(in.Username),
		Phone:       ingest.Digits(in.Phone),
		DisplayName: in.DisplayName,
	}
	if err := identity.ValidateUsername(u.Username); err != nil {
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	}
	if u.Phone == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "phone must contain digits")
	}
	if u.DisplayName == "" {
		u.DisplayName = u.Username
	}
	if err := s.db.CreateUser(ctx, u); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("user created", zap.String("username", u.Username))
	return toStruct(u)
}

func (s *Service) Watch(req *structpb.Struct, stream WatchServer) error {
	var in WatchRequest
	if err := fromStruct(req, &in); err != nil {
		return err
	}
	if s.bus == nil {
		return grpcstatus.Error(codes.Unavailable, "event bus not available")
	}
	ch, unsub := s.bus.Subscribe(in.Prefix, 64)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			msg, err := toStruct(WatchEvent{
				ID:      uuid.NewString(),
				Kind:    evt.Kind,
				TimeMs:  evt.Timestamp.UnixMilli(),
				Payload: evt.Payload,
			})
			if err != nil {
				s.logger.Warn("watch encode failed", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrConflict):
		return grpcstatus.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, ingest.ErrInvalidPayload):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, store.ErrTransient):
		return grpcstatus.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcstatus.FromContextError(err).Err()
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}

// toStruct converts a JSON-tagged value into a structpb.Struct.
func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode: %v", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode: %v", err)
	}
	return s, nil
}

// fromStruct decodes s into the JSON-tagged value v. A nil s leaves v as is.
func fromStruct(s *structpb.Struct, v any) error {
	if s == nil {
		return nil
	}
	data, err := json.Marshal(s.AsMap())
	if err != nil {
		return grpcstatus.Errorf(codes.InvalidArgument, "decode: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return grpcstatus.Error(codes.InvalidArgument, fmt.Sprintf("decode: %v", err))
	}
	return nil
}
