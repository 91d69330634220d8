package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appAudit "github.com/facility-hub/facility-hub/internal/application/audit"
	"github.com/facility-hub/facility-hub/internal/domain/apperror"
	"github.com/facility-hub/facility-hub/internal/domain/audit"
	"github.com/facility-hub/facility-hub/internal/domain/category"
	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
	"github.com/facility-hub/facility-hub/internal/domain/identifier"
	"github.com/facility-hub/facility-hub/internal/domain/machine"
	"github.com/facility-hub/facility-hub/internal/domain/store"
	"github.com/facility-hub/facility-hub/internal/domain/user"
	"github.com/facility-hub/facility-hub/internal/infrastructure/keylock"
)

// Service manages categories and machines. Identifier allocation and the
// insert that uses the identifier share one unit of work.
type Service struct {
	st       store.Store
	auditSvc *appAudit.Service
	feed     changefeed.Publisher
	locks    *keylock.Locker
	now      func() time.Time
	logger   zerolog.Logger
}

// NewService creates a catalog service.
func NewService(st store.Store, auditSvc *appAudit.Service, feed changefeed.Publisher, locks *keylock.Locker, logger zerolog.Logger) *Service {
	if feed == nil {
		feed = changefeed.Nop{}
	}
	if locks == nil {
		locks = keylock.New()
	}
	return &Service{
		st:       st,
		auditSvc: auditSvc,
		feed:     feed,
		locks:    locks,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With().Str("service", "catalog").Logger(),
	}
}

// CategoryInput defines category create/update input.
type CategoryInput struct {
	Name         string
	TokenCost    int64
	Capabilities []string
}

// MachineUpdate changes the mutable fields of a machine. Nil fields are kept.
type MachineUpdate struct {
	Name   *string
	Status *machine.Status
}

func requireAdmin(actor user.Actor) error {
	if !actor.IsAdmin() {
		return apperror.New(apperror.KindUnauthorized, "catalog changes require an administrator")
	}
	return nil
}

func (in CategoryInput) validate() error {
	if err := category.ValidateName(in.Name); err != nil {
		return apperror.Wrap(apperror.KindInvalidArgument, err, "invalid category")
	}
	if err := category.ValidateTokenCost(in.TokenCost); err != nil {
		return apperror.Wrap(apperror.KindInvalidArgument, err, "invalid category")
	}
	return nil
}

func (s *Service) record(ctx context.Context, repos store.Repositories, actor user.Actor, entityType audit.EntityType, id string, action audit.Action, before, after interface{}) error {
	_, err := s.auditSvc.Record(ctx, repos.Audit(), &audit.AuditEntry{
		EntityType: entityType,
		EntityID:   id,
		Action:     action,
		Actor:      actor.Username,
		ActorRole:  string(actor.Role),
		OldValues:  before,
		NewValues:  after,
		At:         s.now(),
	})
	return err
}

// CreateCategory allocates the next category id and stores the category.
func (s *Service) CreateCategory(ctx context.Context, actor user.Actor, input CategoryInput) (*category.Category, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	unlock, err := s.locks.Lock(ctx, identifier.CategoryNamespace)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var created *category.Category
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		counter, err := repos.Sequences().Current(ctx, identifier.CategoryNamespace)
		if err != nil {
			return err
		}
		ids, err := repos.Categories().ListIDs(ctx)
		if err != nil {
			return err
		}
		alloc, err := identifier.NextCategoryID(counter, ids)
		if err != nil {
			return err
		}
		now := s.now()
		c := &category.Category{
			ID:           alloc.ID,
			Name:         strings.TrimSpace(input.Name),
			TokenCost:    input.TokenCost,
			Capabilities: category.NormalizeCapabilities(input.Capabilities),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := repos.Categories().Create(ctx, c); err != nil {
			return err
		}
		if err := repos.Sequences().Advance(ctx, identifier.CategoryNamespace, alloc.Seq); err != nil {
			return err
		}
		created = c
		return s.record(ctx, repos, actor, audit.EntityTypeCategory, c.ID, audit.ActionCreate, nil, c)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("categoryId", created.ID).Str("actor", actor.Username).Msg("category created")
	s.publish(ctx, changefeed.CollectionCategories, changefeed.ChangeInsert, created.ID)
	return created, nil
}

// UpdateCategory changes name, rate and capabilities. Existing bookings keep
// the rate they were created with.
func (s *Service) UpdateCategory(ctx context.Context, actor user.Actor, id string, input CategoryInput) (*category.Category, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := input.validate(); err != nil {
		return nil, err
	}
	var updated *category.Category
	err := s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		c, err := repos.Categories().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return apperror.New(apperror.KindNotFound, "category %s not found", id)
		}
		before := c.Clone()
		c.Name = strings.TrimSpace(input.Name)
		c.TokenCost = input.TokenCost
		c.Capabilities = category.NormalizeCapabilities(input.Capabilities)
		c.UpdatedAt = s.now()
		if err := repos.Categories().Update(ctx, c); err != nil {
			return err
		}
		updated = c
		return s.record(ctx, repos, actor, audit.EntityTypeCategory, c.ID, audit.ActionUpdate, before, c)
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, changefeed.CollectionCategories, changefeed.ChangeUpdate, id)
	return updated, nil
}

// DeleteCategory removes a category that no machine references.
func (s *Service) DeleteCategory(ctx context.Context, actor user.Actor, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	err := s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		c, err := repos.Categories().GetByID(ctx, id)
		if err != nil {
			return err
		}
		if c == nil {
			return apperror.New(apperror.KindNotFound, "category %s not found", id)
		}
		n, err := repos.Machines().CountByCategory(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperror.New(apperror.KindInUse, "category %s still has %d machines", id, n)
		}
		if err := repos.Categories().Delete(ctx, id); err != nil {
			return err
		}
		return s.record(ctx, repos, actor, audit.EntityTypeCategory, id, audit.ActionDelete, c, nil)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("categoryId", id).Str("actor", actor.Username).Msg("category deleted")
	s.publish(ctx, changefeed.CollectionCategories, changefeed.ChangeDelete, id)
	return nil
}

// CreateMachine allocates the next machine id within categoryID.
func (s *Service) CreateMachine(ctx context.Context, actor user.Actor, categoryID, name string) (*machine.Machine, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if err := category.ValidateName(name); err != nil {
		return nil, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid machine")
	}
	namespace := identifier.MachineNamespace(categoryID)
	unlock, err := s.locks.Lock(ctx, namespace)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var created *machine.Machine
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		c, err := repos.Categories().GetByID(ctx, categoryID)
		if err != nil {
			return err
		}
		if c == nil {
			return apperror.New(apperror.KindNotFound, "category %s not found", categoryID)
		}
		counter, err := repos.Sequences().Current(ctx, namespace)
		if err != nil {
			return err
		}
		ids, err := repos.Machines().ListIDsByCategory(ctx, categoryID)
		if err != nil {
			return err
		}
		alloc, err := identifier.NextMachineID(categoryID, counter, ids)
		if err != nil {
			return err
		}
		now := s.now()
		m := &machine.Machine{
			ID:         alloc.ID,
			CategoryID: categoryID,
			Name:       strings.TrimSpace(name),
			Status:     machine.StatusAvailable,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := repos.Machines().Create(ctx, m); err != nil {
			return err
		}
		if err := repos.Sequences().Advance(ctx, namespace, alloc.Seq); err != nil {
			return err
		}
		created = m
		return s.record(ctx, repos, actor, audit.EntityTypeMachine, m.ID, audit.ActionCreate, nil, m)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("machineId", created.ID).Str("actor", actor.Username).Msg("machine created")
	s.publish(ctx, changefeed.CollectionMachines, changefeed.ChangeInsert, created.ID)
	return created, nil
}

// UpdateMachine renames a machine or changes its status. Existing bookings are
// left untouched; only new bookings see the new status.
func (s *Service) UpdateMachine(ctx context.Context, actor user.Actor, id string, input MachineUpdate) (*machine.Machine, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if input.Name != nil {
		if err := category.ValidateName(*input.Name); err != nil {
			return nil, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid machine")
		}
	}
	if input.Status != nil {
		if err := machine.ValidateStatus(*input.Status); err != nil {
			return nil, apperror.Wrap(apperror.KindInvalidArgument, err, "invalid machine")
		}
	}
	unlock, err := s.locks.Lock(ctx, "machine:"+id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var updated *machine.Machine
	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		m, err := repos.Machines().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return apperror.New(apperror.KindNotFound, "machine %s not found", id)
		}
		before := m.Clone()
		if input.Name != nil {
			m.Name = strings.TrimSpace(*input.Name)
		}
		if input.Status != nil {
			m.Status = *input.Status
		}
		m.UpdatedAt = s.now()
		if err := repos.Machines().Update(ctx, m); err != nil {
			return err
		}
		updated = m
		return s.record(ctx, repos, actor, audit.EntityTypeMachine, m.ID, audit.ActionUpdate, before, m)
	})
	if err != nil {
		return nil, err
	}
	if input.Status != nil {
		s.logger.Info().Str("machineId", id).Str("status", string(*input.Status)).Msg("machine status changed")
	}
	s.publish(ctx, changefeed.CollectionMachines, changefeed.ChangeUpdate, id)
	return updated, nil
}

// DeleteMachine removes a machine that has never been booked.
func (s *Service) DeleteMachine(ctx context.Context, actor user.Actor, id string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, "machine:"+id)
	if err != nil {
		return err
	}
	defer unlock()

	err = s.st.WithinTx(ctx, func(ctx context.Context, repos store.Repositories) error {
		m, err := repos.Machines().GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return apperror.New(apperror.KindNotFound, "machine %s not found", id)
		}
		n, err := repos.Bookings().CountByMachine(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return apperror.New(apperror.KindInUse, "machine %s is referenced by %d bookings", id, n)
		}
		if err := repos.Machines().Delete(ctx, id); err != nil {
			return err
		}
		return s.record(ctx, repos, actor, audit.EntityTypeMachine, id, audit.ActionDelete, m, nil)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Str("machineId", id).Str("actor", actor.Username).Msg("machine deleted")
	s.publish(ctx, changefeed.CollectionMachines, changefeed.ChangeDelete, id)
	return nil
}

func (s *Service) ListCategories(ctx context.Context) ([]*category.Category, error) {
	var out []*category.Category
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		out, err = repos.Categories().List(ctx)
		return err
	})
	return out, err
}

func (s *Service) GetCategory(ctx context.Context, id string) (*category.Category, error) {
	var c *category.Category
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		c, err = repos.Categories().GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, apperror.New(apperror.KindNotFound, "category %s not found", id)
	}
	return c, nil
}

func (s *Service) ListMachines(ctx context.Context, filter machine.Filter) ([]*machine.Machine, error) {
	var out []*machine.Machine
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		out, err = repos.Machines().List(ctx, filter)
		return err
	})
	return out, err
}

func (s *Service) GetMachine(ctx context.Context, id string) (*machine.Machine, error) {
	var m *machine.Machine
	err := s.st.Read(ctx, func(ctx context.Context, repos store.Repositories) error {
		var err error
		m, err = repos.Machines().GetByID(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, apperror.New(apperror.KindNotFound, "machine %s not found", id)
	}
	return m, nil
}

func (s *Service) publish(ctx context.Context, collection changefeed.Collection, change changefeed.ChangeType, id string) {
	ctx = context.WithoutCancel(ctx)
	at := s.now()
	for _, ev := range []changefeed.Event{
		{Collection: collection, ChangeType: change, EntityID: id, At: at},
		{Collection: changefeed.CollectionAudit, ChangeType: changefeed.ChangeInsert, At: at},
	} {
		if err := s.feed.Publish(ctx, ev); err != nil {
			s.logger.Warn().Err(err).Str("collection", string(ev.Collection)).Msg("failed to publish change event")
		}
	}
}
