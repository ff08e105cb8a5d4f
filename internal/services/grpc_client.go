package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"POSTURE_DETECTOR/go-backend/internal/models"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	PoseServiceName = "posture.v1.PoseClassifier"
	PredictMethod   = "/" + PoseServiceName + "/Predict"

	RegionMetadataKey = "x-pose-region"
	ModelMetadataKey  = "x-pose-model"
)

// PoseClassifierServer is the server side of the pose service. The request
// is the JPEG frame; the response carries "label" and "confidence".
type PoseClassifierServer interface {
	Predict(ctx context.Context, frame *wrapperspb.BytesValue) (*structpb.Struct, error)
}

func predictHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PoseClassifierServer).Predict(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: PredictMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PoseClassifierServer).Predict(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// PoseClassifierServiceDesc registers a PoseClassifierServer on a grpc.Server.
var PoseClassifierServiceDesc = grpc.ServiceDesc{
	ServiceName: PoseServiceName,
	HandlerType: (*PoseClassifierServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Predict", Handler: predictHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "posture/v1/pose.proto",
}

type GRPCClient struct {
	conn    *grpc.ClientConn
	health  healthpb.HealthClient
	url     string
	timeout time.Duration
	log     *zap.Logger
}

func NewGRPCClient(url string, log *zap.Logger, extra ...grpc.DialOption) (*GRPCClient, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("connecting to pose service", zap.String("url", url))

	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(50*1024*1024),
			grpc.MaxCallSendMsgSize(50*1024*1024),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	opts = append(opts, extra...)

	conn, err := grpc.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("could not connect to pose service at %s: %w", url, err)
	}

	return &GRPCClient{
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
		url:     url,
		timeout: 5 * time.Second,
		log:     log,
	}, nil
}

// Predict classifies one JPEG frame. region and model are optional routing
// hints for hierarchical and ensemble deployments.
func (gc *GRPCClient) Predict(ctx context.Context, jpeg []byte, region, model string) (models.Prediction, error) {
	ctx, cancel := context.WithTimeout(ctx, gc.timeout)
	defer cancel()

	var kv []string
	if region != "" {
		kv = append(kv, RegionMetadataKey, region)
	}
	if model != "" {
		kv = append(kv, ModelMetadataKey, model)
	}
	if len(kv) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, kv...)
	}

	resp := &structpb.Struct{}
	if err := gc.conn.Invoke(ctx, PredictMethod, wrapperspb.Bytes(jpeg), resp); err != nil {
		return models.Prediction{}, fmt.Errorf("could not classify frame: %w", err)
	}

	label := resp.GetFields()["label"].GetStringValue()
	if label == "" {
		return models.Prediction{}, errors.New("pose service returned no label")
	}
	return models.Prediction{
		Label:      label,
		Confidence: resp.GetFields()["confidence"].GetNumberValue(),
	}, nil
}

func (gc *GRPCClient) HealthCheck() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := gc.health.Check(ctx, &healthpb.HealthCheckRequest{Service: PoseServiceName})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

func (gc *GRPCClient) URL() string {
	return gc.url
}

func (gc *GRPCClient) Close() error {
	if gc.conn != nil {
		return gc.conn.Close()
	}
	return nil
}
