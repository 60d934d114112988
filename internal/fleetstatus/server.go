// Package fleetstatus ingests vehicle administrative status overrides
// (maintenance, unavailable, back to available) streamed by fleet
// administration tooling. Overrides flow through the scheduler service so a
// vehicle with approved or in-progress bookings cannot be pulled out from
// under them.
package fleetstatus

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/fleetsched/internal/scheduler/domain"
)

// StatusApplier applies one administrative override.
type StatusApplier interface {
	SetVehicleAdminStatus(ctx context.Context, vehicleID uuid.UUID, status domain.AdminStatus) (domain.Vehicle, error)
}

// Server implements the FleetStatusServer interface.
type Server struct {
	applier StatusApplier
	logger  *zap.Logger
}

func NewServer(applier StatusApplier, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{applier: applier, logger: logger}
}

// StreamOverrides consumes override messages until the client closes the
// stream, answering with applied/refused counts. Malformed messages and
// refused overrides are counted and logged, never fatal to the stream.
func (s *Server) StreamOverrides(stream FleetStatus_StreamOverridesServer) error {
	var ack Ack
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&ack)
		}
		if err != nil {
			return err
		}
		vehicleID, err := uuid.Parse(msg.VehicleId)
		if err != nil {
			ack.Refused++
			s.logger.Warn("override with invalid vehicle id", zap.String("vehicle_id", msg.VehicleId))
			continue
		}
		status, ok := parseStatus(msg.Status)
		if !ok {
			ack.Refused++
			s.logger.Warn("override with unknown status", zap.String("status", msg.Status))
			continue
		}
		if _, err := s.applier.SetVehicleAdminStatus(stream.Context(), vehicleID, status); err != nil {
			ack.Refused++
			if errors.Is(err, domain.ErrVehicleUnavailable) {
				s.logger.Info("override refused, vehicle has active bookings",
					zap.String("vehicle_id", msg.VehicleId), zap.String("status", msg.Status))
				continue
			}
			s.logger.Error("apply override", zap.Error(err), zap.String("vehicle_id", msg.VehicleId))
			continue
		}
		ack.Applied++
	}
}

func parseStatus(raw string) (domain.AdminStatus, bool) {
	switch domain.AdminStatus(raw) {
	case domain.AdminAvailable, domain.AdminMaintenance, domain.AdminUnavailable:
		return domain.AdminStatus(raw), true
	default:
		return "", false
	}
}
