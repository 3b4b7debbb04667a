package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/nxmd/nxmd/internal/domain"
	"github.com/nxmd/nxmd/internal/events"
	"github.com/nxmd/nxmd/internal/metrics"
)

// Operation is one of the atomic multi-mod operations.
type Operation string

const (
	OpEnable  Operation = "enable"
	OpDisable Operation = "disable"
	OpDelete  Operation = "delete"
)

// ErrConfirmPermanentDelete is returned when a mod folder cannot be moved to
// the trash directory and the caller has not confirmed irreversible removal.
// The operator never silently chooses permanent deletion.
var ErrConfirmPermanentDelete = errors.New("trash unavailable, permanent deletion requires confirmation")

// MemberFailure names one mod an operation could not process, and why.
type MemberFailure struct {
	ModID  uuid.UUID `json:"mod_id"`
	Name   string    `json:"name"`
	Reason string    `json:"reason"`
}

// OpError reports a failed group operation. Phase is "validate" or "commit".
// After a commit-phase failure every already-processed member has been
// reverted, so disk state equals the pre-operation state.
type OpError struct {
	Op       Operation
	Phase    string
	Failures []MemberFailure
}

func (e *OpError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, fmt.Sprintf("%s (%s)", f.Name, f.Reason))
	}
	return fmt.Sprintf("group %s failed during %s: %s", e.Op, e.Phase, strings.Join(names, "; "))
}

// OperatorOptions tune a single operation.
type OperatorOptions struct {
	// ConfirmPermanentDelete authorizes irreversible removal when the trash
	// directory cannot take the folder.
	ConfirmPermanentDelete bool
}

// Operator applies enable/disable/delete to a set of mods with
// validate-then-commit-or-rollback semantics.
type Operator struct {
	fs       afero.Fs
	store    *Store
	trashDir string
	bus      *events.Bus
	logger   *slog.Logger
}

// NewOperator creates an Operator writing through the given filesystem.
func NewOperator(fs afero.Fs, store *Store, trashDir string, bus *events.Bus, logger *slog.Logger) *Operator {
	return &Operator{fs: fs, store: store, trashDir: trashDir, bus: bus, logger: logger}
}

// ApplyToGroup applies op to every member of the group, atomically: either
// all members end in the target state or none do.
func (o *Operator) ApplyToGroup(groupID uuid.UUID, op Operation, opts OperatorOptions) error {
	members := o.store.MembersOf(groupID)
	if len(members) == 0 {
		return fmt.Errorf("group %s has no members", groupID)
	}

	err := o.Apply(members, op, opts)

	result := domain.GroupOpResult{GroupID: groupID, Operation: string(op), Succeeded: err == nil}
	var opErr *OpError
	if errors.As(err, &opErr) {
		for _, f := range opErr.Failures {
			result.Failures = append(result.Failures, fmt.Sprintf("%s: %s", f.Name, f.Reason))
		}
	}
	o.bus.Publish(domain.EventGroupOpResult, result)
	return err
}

// ApplyToMod applies op to a single mod, as a group of one.
func (o *Operator) ApplyToMod(modID uuid.UUID, op Operation, opts OperatorOptions) error {
	mod, ok := o.store.Get(modID)
	if !ok {
		return fmt.Errorf("mod %s not found", modID)
	}
	return o.Apply([]*domain.Mod{mod}, op, opts)
}

// undoStep reverses one committed filesystem mutation.
type undoStep struct {
	desc string
	fn   func() error
}

// Apply runs the two-phase protocol over an explicit member list.
func (o *Operator) Apply(members []*domain.Mod, op Operation, opts OperatorOptions) error {
	// Validation phase: no mutations happen until every member checks out.
	var failures []MemberFailure
	for _, mod := range members {
		if err := o.validateMember(mod, op, opts); err != nil {
			failures = append(failures, MemberFailure{ModID: mod.ID, Name: mod.Name, Reason: err.Error()})
		}
	}
	if len(failures) > 0 {
		return &OpError{Op: op, Phase: "validate", Failures: failures}
	}

	// Commit phase: apply in sequence, keeping an undo log of completed
	// reversible steps. A mid-sequence failure replays the log in reverse.
	var undo []undoStep
	results := make([]commitResult, 0, len(members))

	for _, mod := range members {
		res, step, err := o.commitMember(mod, op, opts)
		if err != nil {
			o.rollback(undo)
			metrics.GroupOpsRolledBack.Inc()
			return &OpError{Op: op, Phase: "commit", Failures: []MemberFailure{
				{ModID: mod.ID, Name: mod.Name, Reason: err.Error()},
			}}
		}
		if step != nil {
			undo = append(undo, *step)
		}
		results = append(results, res)
	}

	// Disk state is final, fold the outcome into the registry.
	if err := o.recordResults(members, results, op); err != nil {
		return fmt.Errorf("registry update after %s: %w", op, err)
	}

	metrics.GroupOpsSucceeded.Inc()
	return nil
}

func (o *Operator) validateMember(mod *domain.Mod, op Operation, opts OperatorOptions) error {
	exists, err := afero.DirExists(o.fs, mod.Path)
	if err != nil {
		return fmt.Errorf("stat: %v", err)
	}
	if !exists {
		return fmt.Errorf("folder missing on disk: %s", mod.Path)
	}

	switch op {
	case OpEnable, OpDisable:
		target := o.targetPath(mod, op)
		if target == mod.Path {
			return nil // already in target state, commits as a no-op
		}
		occupied, err := afero.DirExists(o.fs, target)
		if err == nil && occupied {
			return fmt.Errorf("target folder already exists: %s", target)
		}
	case OpDelete:
		if err := o.fs.MkdirAll(o.trashDir, 0o755); err != nil && !opts.ConfirmPermanentDelete {
			return ErrConfirmPermanentDelete
		}
	}
	return nil
}

type commitResult struct {
	newPath   string
	deleted   bool
	permanent bool
}

func (o *Operator) commitMember(mod *domain.Mod, op Operation, opts OperatorOptions) (commitResult, *undoStep, error) {
	switch op {
	case OpEnable, OpDisable:
		target := o.targetPath(mod, op)
		if target == mod.Path {
			return commitResult{newPath: mod.Path}, nil, nil
		}
		if err := o.fs.Rename(mod.Path, target); err != nil {
			return commitResult{}, nil, fmt.Errorf("rename: %v", err)
		}
		oldPath := mod.Path
		step := undoStep{
			desc: fmt.Sprintf("rename %s back to %s", target, oldPath),
			fn:   func() error { return o.fs.Rename(target, oldPath) },
		}
		return commitResult{newPath: target}, &step, nil

	case OpDelete:
		trashPath := filepath.Join(o.trashDir, fmt.Sprintf("%s-%d", filepath.Base(mod.Path), time.Now().UnixNano()))
		if err := o.fs.Rename(mod.Path, trashPath); err == nil {
			oldPath := mod.Path
			step := undoStep{
				desc: fmt.Sprintf("restore %s from trash", oldPath),
				fn:   func() error { return o.fs.Rename(trashPath, oldPath) },
			}
			return commitResult{deleted: true}, &step, nil
		}
		if !opts.ConfirmPermanentDelete {
			return commitResult{}, nil, ErrConfirmPermanentDelete
		}
		if err := o.fs.RemoveAll(mod.Path); err != nil {
			return commitResult{}, nil, fmt.Errorf("remove: %v", err)
		}
		// Irreversible; a later rollback cannot restore this member.
		return commitResult{deleted: true, permanent: true}, nil, nil
	}
	return commitResult{}, nil, fmt.Errorf("unknown operation %q", op)
}

func (o *Operator) recordResults(members []*domain.Mod, results []commitResult, op Operation) error {
	switch op {
	case OpDelete:
		ids := make([]uuid.UUID, 0, len(members))
		for _, mod := range members {
			ids = append(ids, mod.ID)
		}
		return o.store.RemoveAll(ids)
	default:
		enabled := op == OpEnable
		pathByID := make(map[uuid.UUID]string, len(results))
		for i, mod := range members {
			pathByID[mod.ID] = results[i].newPath
		}
		ids := make([]uuid.UUID, 0, len(members))
		for _, mod := range members {
			ids = append(ids, mod.ID)
		}
		return o.store.UpdateAll(ids, func(m *domain.Mod) {
			m.IsEnabled = enabled
			if p, ok := pathByID[m.ID]; ok && p != "" {
				m.Path = p
			}
		})
	}
}

func (o *Operator) rollback(undo []undoStep) {
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i].fn(); err != nil {
			o.logger.Error("rollback step failed", "step", undo[i].desc, "error", err)
		}
	}
}

// targetPath returns where the mod folder should live after enable/disable.
func (o *Operator) targetPath(mod *domain.Mod, op Operation) string {
	base := filepath.Base(mod.Path)
	dir := filepath.Dir(mod.Path)

	switch op {
	case OpEnable:
		return filepath.Join(dir, strings.TrimSuffix(base, DisabledSuffix))
	case OpDisable:
		if strings.HasSuffix(base, DisabledSuffix) {
			return mod.Path
		}
		return filepath.Join(dir, base+DisabledSuffix)
	}
	return mod.Path
}
