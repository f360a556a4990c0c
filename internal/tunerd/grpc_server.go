package tunerd

import (
	"github.com/GoSim-25-26J-441/optics-tuner/internal/manager"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service reporting whether a beamline is loaded
const ServiceName = "optics.tuner.v1.Tuner"

// RegisterGRPC installs the health and reflection services on srv
func RegisterGRPC(srv *grpc.Server, m *manager.Manager) *health.Server {
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)
	UpdateHealth(hs, m)
	return hs
}

// UpdateHealth sets ServiceName to SERVING when the manager has a beamline
func UpdateHealth(hs *health.Server, m *manager.Manager) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if m.Beamline() != nil {
		status = healthpb.HealthCheckResponse_SERVING
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, status)
}
