package service

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fairdatahub/download-api/internal/models"
	"github.com/fairdatahub/download-api/pkg/config"
	appErrors "github.com/fairdatahub/download-api/pkg/errors"
)

// MembershipChecker is the subset of catalog queries the priority rules need.
type MembershipChecker interface {
	IsInvestigationUser(ctx context.Context, sessionID, userName string) (bool, error)
	HasInvestigationRole(ctx context.Context, sessionID, userName, role string) (bool, error)
	IsInstrumentScientist(ctx context.Context, sessionID, userName string) (bool, error)
	IsInstrumentScientistFor(ctx context.Context, sessionID, userName, instrument string) (bool, error)
	IsGroupMember(ctx context.Context, sessionID, userName, group string) (bool, error)
}

// membershipPredicate matches one configured reason for an elevated priority.
type membershipPredicate interface {
	Matches(ctx context.Context, checker MembershipChecker, sessionID, userName string) (bool, error)
	Describe() string
}

type investigationUserPredicate struct{}

func (investigationUserPredicate) Matches(ctx context.Context, checker MembershipChecker, sessionID, userName string) (bool, error) {
	return checker.IsInvestigationUser(ctx, sessionID, userName)
}

func (investigationUserPredicate) Describe() string { return "investigation user" }

type investigationRolePredicate struct{ role string }

func (p investigationRolePredicate) Matches(ctx context.Context, checker MembershipChecker, sessionID, userName string) (bool, error) {
	return checker.HasInvestigationRole(ctx, sessionID, userName, p.role)
}

func (p investigationRolePredicate) Describe() string { return "investigation role " + p.role }

type instrumentScientistPredicate struct{}

func (instrumentScientistPredicate) Matches(ctx context.Context, checker MembershipChecker, sessionID, userName string) (bool, error) {
	return checker.IsInstrumentScientist(ctx, sessionID, userName)
}

func (instrumentScientistPredicate) Describe() string { return "instrument scientist" }

type instrumentPredicate struct{ instrument string }

func (p instrumentPredicate) Matches(ctx context.Context, checker MembershipChecker, sessionID, userName string) (bool, error) {
	return checker.IsInstrumentScientistFor(ctx, sessionID, userName, p.instrument)
}

func (p instrumentPredicate) Describe() string { return "instrument " + p.instrument }

type groupPredicate struct{ group string }

func (p groupPredicate) Matches(ctx context.Context, checker MembershipChecker, sessionID, userName string) (bool, error) {
	return checker.IsGroupMember(ctx, sessionID, userName, p.group)
}

func (p groupPredicate) Describe() string { return "group " + p.group }

type priorityLevel struct {
	level      int
	predicates []membershipPredicate
}

// PriorityService resolves queue priorities. Lower values rank higher; 1 is
// the highest priority and values below 1 mean queuing is disabled for that
// subject. Rules at the same level combine with OR.
type PriorityService struct {
	cfg    config.PriorityConfig
	levels []priorityLevel
	logger *zap.Logger
}

// NewPriorityService builds the rule set from configuration. Rules with a
// non-positive level, or a level that the blanket default would supersede,
// are discarded with a warning.
func NewPriorityService(cfg config.PriorityConfig, logger *zap.Logger) *PriorityService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &PriorityService{cfg: cfg, logger: logger}

	byLevel := map[int][]membershipPredicate{}
	add := func(level int, pred membershipPredicate) {
		if level < 1 {
			logger.Sugar().Warnw("ignoring priority rule with non-positive level",
				"rule", pred.Describe(), "level", level)
			return
		}
		if cfg.Default >= 1 && level >= cfg.Default {
			logger.Sugar().Warnw("ignoring priority rule superseded by the default level",
				"rule", pred.Describe(), "level", level, "default", cfg.Default)
			return
		}
		byLevel[level] = append(byLevel[level], pred)
	}

	add(cfg.InvestigationUserDefault, investigationUserPredicate{})
	add(cfg.InstrumentScientistDefault, instrumentScientistPredicate{})
	for role, level := range cfg.InvestigationRoles {
		add(level, investigationRolePredicate{role: role})
	}
	for instrument, level := range cfg.Instruments {
		add(level, instrumentPredicate{instrument: instrument})
	}
	for group, level := range cfg.Groups {
		add(level, groupPredicate{group: group})
	}

	levels := make([]int, 0, len(byLevel))
	for level := range byLevel {
		levels = append(levels, level)
	}
	sort.Ints(levels)
	for _, level := range levels {
		s.levels = append(s.levels, priorityLevel{level: level, predicates: byLevel[level]})
	}
	return s
}

// Priority resolves the queue priority of userName: a per-user override wins,
// then the first matching membership rule in ascending level order, then the
// per-mechanism authenticated priority, then the default.
func (s *PriorityService) Priority(ctx context.Context, checker MembershipChecker, sessionID, userName string) (int, error) {
	if level, ok := s.cfg.Users[userName]; ok {
		return level, nil
	}
	for _, pl := range s.levels {
		for _, pred := range pl.predicates {
			ok, err := pred.Matches(ctx, checker, sessionID, userName)
			if err != nil {
				return 0, err
			}
			if ok {
				return pl.level, nil
			}
		}
	}
	if s.IsAnonymous(userName) {
		return s.cfg.Default, nil
	}
	if prefix := models.AuthPrefix(userName); prefix != "" {
		if level, ok := s.cfg.Authenticated[prefix]; ok {
			return level, nil
		}
	}
	return s.cfg.Default, nil
}

// IsAnonymous reports whether userName is the anonymous user. Anonymous cart
// identities carry a "/<sessionId>" suffix, so the prefix also matches.
func (s *PriorityService) IsAnonymous(userName string) bool {
	if s.cfg.AnonUserName == "" {
		return false
	}
	return userName == s.cfg.AnonUserName || strings.HasPrefix(userName, s.cfg.AnonUserName+"/")
}

// CheckQueueAllowed resolves the user's priority and rejects queue submissions
// when queuing is disabled for them. The resolved priority is returned so
// callers can avoid a second round of catalog queries.
func (s *PriorityService) CheckQueueAllowed(ctx context.Context, checker MembershipChecker, sessionID, userName string) (int, error) {
	if err := s.CheckAnonDownloadEnabled(userName); err != nil {
		return 0, err
	}
	level, err := s.Priority(ctx, checker, sessionID, userName)
	if err != nil {
		return 0, err
	}
	if level < 1 {
		s.logger.Sugar().Warnw("queue submission denied", "user", userName, "priority", level)
		return level, appErrors.Clone(appErrors.ErrForbidden, "queuing downloads is not enabled for this user")
	}
	return level, nil
}

// CheckAnonDownloadEnabled rejects anonymous submissions when disabled.
func (s *PriorityService) CheckAnonDownloadEnabled(userName string) error {
	if s.IsAnonymous(userName) && !s.cfg.AnonDownloadEnabled {
		s.logger.Sugar().Warnw("download request denied for anonymous user", "user", userName)
		return appErrors.Clone(appErrors.ErrForbidden, "downloads by anonymous users are not supported")
	}
	return nil
}

// Rules describes the active rule set, keyed by level, for inspection.
func (s *PriorityService) Rules() map[int][]string {
	rules := make(map[int][]string, len(s.levels))
	for _, pl := range s.levels {
		for _, pred := range pl.predicates {
			rules[pl.level] = append(rules[pl.level], pred.Describe())
		}
	}
	return rules
}
