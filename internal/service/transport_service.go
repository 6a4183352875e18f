package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fairdatahub/download-api/internal/models"
	"github.com/fairdatahub/download-api/pkg/config"
	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

// GroupMembership is the single catalog query the transport rules need.
type GroupMembership interface {
	IsGroupMember(ctx context.Context, sessionID, userName, group string) (bool, error)
}

// TransportService enforces per-facility transport restrictions: a transport
// may be reserved for members of named groups, or denied to users of certain
// authentication mechanisms. Unconfigured transports are unrestricted.
type TransportService struct {
	cfg    config.TransportsConfig
	logger *zap.Logger
}

// NewTransportService constructs the transport rules.
func NewTransportService(cfg config.TransportsConfig, logger *zap.Logger) *TransportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransportService{cfg: cfg, logger: logger}
}

// CheckAccess rejects the submission with a Forbidden error when userName may
// not use transport at facilityName.
func (s *TransportService) CheckAccess(ctx context.Context, checker GroupMembership, sessionID, facilityName, transport, userName string) error {
	if groups := s.cfg.AllowedGroups[facilityName][transport]; len(groups) > 0 {
		for _, group := range groups {
			ok, err := checker.IsGroupMember(ctx, sessionID, userName, group)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
		}
		s.logger.Sugar().Warnw("transport denied, user not in any allowed group",
			"facility", facilityName, "transport", transport, "user", userName)
		return appErrors.Clone(appErrors.ErrForbidden,
			fmt.Sprintf("%s downloads at %s are restricted", transport, facilityName))
	}

	prefix := models.AuthPrefix(userName)
	if prefix == "" {
		return nil
	}
	for _, disallowed := range s.cfg.DisallowedPrefixes[facilityName][transport] {
		if prefix == disallowed {
			s.logger.Sugar().Warnw("transport denied for authentication mechanism",
				"facility", facilityName, "transport", transport, "prefix", prefix)
			return appErrors.Clone(appErrors.ErrForbidden,
				fmt.Sprintf("%s users are not allowed to use %s", prefix, transport))
		}
	}
	return nil
}
