package service

import (
	"time"

	"go.uber.org/zap"
)

// Failure reasons for the two readiness stop conditions.
const (
	reasonProvisioningTimeout = "Provisioning timeout exceeded"
	reasonMaxChecksExceeded   = "Maximum readiness checks exceeded"
)

// provision installs the store chart and watches the workload until it is
// healthy or a stop condition fires. Transient orchestrator errors only
// schedule another attempt; the loop ends with Failed solely on the wall
// clock or the attempt cap.
func (s *Service) provision(st Store) {
	logger := s.logger.With(
		zap.String("store_id", st.ID),
		zap.String("namespace", st.Namespace),
		zap.String("host", st.Host),
	)

	if err := s.orch.Install(s.baseCtx, st.ID, st.Namespace, st.Host); err != nil {
		logger.Error("install failed", zap.Error(err))
		s.markFailed(st.ID, err.Error(), logger)
		return
	}

	logger.Info("install applied, watching readiness")

	start := time.Now()
	attempts := 0
	for {
		if time.Since(start) > s.cfg.ProvisioningTimeout {
			s.markFailed(st.ID, reasonProvisioningTimeout, logger)
			return
		}
		if attempts >= s.cfg.MaxReadinessChecks {
			s.markFailed(st.ID, reasonMaxChecksExceeded, logger)
			return
		}
		attempts++

		pods := s.orch.CheckPodReadiness(s.baseCtx, st.Namespace)
		if pods.Ready {
			ingress := s.orch.CheckIngressReadiness(s.baseCtx, st.Host)
			if ingress.Ready {
				s.markReady(st.ID, logger)
				return
			}
			logger.Debug("ingress not ready", zap.Int("attempt", attempts), zap.String("reason", ingress.Reason))
		} else {
			logger.Debug("pods not ready", zap.Int("attempt", attempts), zap.String("reason", pods.Reason))
		}

		select {
		case <-s.baseCtx.Done():
			logger.Warn("readiness watch interrupted by shutdown")
			return
		case <-time.After(s.cfg.ReadinessInterval):
		}
	}
}

// teardown uninstalls the release and finalises the delete.
func (s *Service) teardown(st Store) {
	logger := s.logger.With(
		zap.String("store_id", st.ID),
		zap.String("namespace", st.Namespace),
	)

	if err := s.orch.Uninstall(s.baseCtx, st.ID, st.Namespace); err != nil {
		logger.Error("uninstall failed", zap.Error(err))
		s.markFailed(st.ID, "Deletion failed: "+err.Error(), logger)
		return
	}

	ctx, cancel := terminalCtx()
	defer cancel()
	if err := s.repo.MarkDeleted(ctx, st.ID, time.Now().UTC()); err != nil {
		logger.Error("persist deleted state", zap.Error(err))
		return
	}
	logger.Info("store deleted")
}

func (s *Service) markReady(id string, logger *zap.Logger) {
	ctx, cancel := terminalCtx()
	defer cancel()
	if err := s.repo.MarkReady(ctx, id, time.Now().UTC()); err != nil {
		logger.Error("persist ready state", zap.Error(err))
		return
	}
	logger.Info("store ready")
}

func (s *Service) markFailed(id, reason string, logger *zap.Logger) {
	ctx, cancel := terminalCtx()
	defer cancel()
	if err := s.repo.MarkFailed(ctx, id, reason); err != nil {
		logger.Error("persist failed state", zap.Error(err))
		return
	}
	logger.Warn("store failed", zap.String("reason", reason))
}
