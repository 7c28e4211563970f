package grpcsvc

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"fadedreams/repairhub/repair-service/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName     = "repairhub.v1.RequestDiscovery"
	watchMethod     = "WatchOpenRequests"
	watchMethodPath = "/" + ServiceName + "/" + watchMethod
)

// RequestWatcher streams open service requests to repairers.
type RequestWatcher interface {
	WatchOpenRequests(in *structpb.Struct, stream grpc.ServerStream) error
}

// ServiceDesc describes the discovery service. Requests and replies are
// google.protobuf.Struct messages: the request carries "postalPrefix", each
// reply one service request.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*RequestWatcher)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    watchMethod,
			Handler:       watchOpenRequestsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "repairhub/v1/discovery.proto",
}

func watchOpenRequestsHandler(srv any, stream grpc.ServerStream) error {
	in := new(structpb.Struct)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(RequestWatcher).WatchOpenRequests(in, stream)
}

// Register adds w to s.
func Register(s grpc.ServiceRegistrar, w RequestWatcher) {
	s.RegisterService(&ServiceDesc, w)
}

// Store is the part of the repository the stream reads.
type Store interface {
	ListOpenRequests(ctx context.Context, postalPrefix string) ([]*domain.ServiceRequest, error)
	WatchNewRequests(ctx context.Context) (<-chan *domain.ServiceRequest, error)
}

type RepairServer struct {
	store  Store
	logger *slog.Logger
}

func NewRepairServer(store Store, logger *slog.Logger) *RepairServer {
	return &RepairServer{
		store:  store,
		logger: logger,
	}
}

// WatchOpenRequests sends the open requests under a postal prefix, then every
// newly posted request under it until the client goes away.
func (s *RepairServer) WatchOpenRequests(in *structpb.Struct, stream grpc.ServerStream) error {
	ctx, span := otel.Tracer("repair-service").Start(stream.Context(), "WatchOpenRequests")
	defer span.End()

	prefix := strings.TrimSpace(in.GetFields()["postalPrefix"].GetStringValue())
	span.SetAttributes(attribute.String("postalPrefix", prefix))

	// subscribe first so nothing posted during the initial listing is lost
	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	inserted, err := s.store.WatchNewRequests(watchCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to open change stream")
		s.logger.Error("Failed to open change stream", "error", err, "app", "repair-service")
		return status.Error(grpccodes.Unavailable, "request stream unavailable")
	}

	open, err := s.store.ListOpenRequests(ctx, prefix)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Failed to get initial requests")
		s.logger.Error("Failed to get initial requests", "error", err, "app", "repair-service")
		return status.Error(grpccodes.Internal, "failed to list open requests")
	}

	sent := make(map[string]bool, len(open))
	for _, req := range open {
		if err := s.send(stream, req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "Failed to send request")
			return err
		}
		sent[req.ID] = true
	}
	span.SetAttributes(attribute.Int("initialRequestCount", len(open)))
	s.logger.Info("Sent initial open requests", "count", len(open), "postalPrefix", prefix, "app", "repair-service")

	for {
		select {
		case <-ctx.Done():
			return nil
		case req, ok := <-inserted:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				span.SetStatus(codes.Error, "Change stream closed")
				s.logger.Error("Change stream closed", "app", "repair-service")
				return status.Error(grpccodes.Unavailable, "request stream closed")
			}
			if sent[req.ID] || req.Status != domain.StatusRequested || req.Assigned() || !req.MatchesPostalPrefix(prefix) {
				continue
			}
			if err := s.send(stream, req); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "Failed to send new request")
				return err
			}
			sent[req.ID] = true
			s.logger.Info("Streamed new request", "requestID", req.ID, "app", "repair-service")
		}
	}
}

func (s *RepairServer) send(stream grpc.ServerStream, req *domain.ServiceRequest) error {
	msg, err := ToStruct(req)
	if err != nil {
		return status.Errorf(grpccodes.Internal, "encode request %s: %v", req.ID, err)
	}
	return stream.SendMsg(msg)
}

// ToStruct converts a service request into its wire form.
func ToStruct(req *domain.ServiceRequest) (*structpb.Struct, error) {
	fields := map[string]any{
		"id":          req.ID,
		"serviceType": req.ServiceType,
		"category":    req.Category,
		"issue":       req.Issue,
		"description": req.Description,
		"urgency":     string(req.Urgency),
		"status":      string(req.Status),
		"address":     req.Location.Address,
		"postalCode":  req.Location.PostalCode,
		"createdAt":   req.CreatedAt.UTC().Format(time.RFC3339),
	}
	if q := req.Quotation; q != nil {
		fields["quotation"] = map[string]any{"min": q.Min, "max": q.Max}
	}
	if c := req.Location.Coordinates; c != nil {
		fields["coordinates"] = map[string]any{"latitude": c.Latitude, "longitude": c.Longitude}
	}
	return structpb.NewStruct(fields)
}

// OpenRequestStream is the client side of WatchOpenRequests.
type OpenRequestStream struct {
	stream grpc.ClientStream
}

// WatchOpenRequests opens the discovery stream on cc.
func WatchOpenRequests(ctx context.Context, cc grpc.ClientConnInterface, postalPrefix string) (*OpenRequestStream, error) {
	stream, err := cc.NewStream(ctx, &ServiceDesc.Streams[0], watchMethodPath)
	if err != nil {
		return nil, err
	}
	in, err := structpb.NewStruct(map[string]any{"postalPrefix": postalPrefix})
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(in); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return &OpenRequestStream{stream: stream}, nil
}

func (s *OpenRequestStream) Recv() (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := s.stream.RecvMsg(out); err != nil {
		return nil, err
	}
	return out, nil
}
